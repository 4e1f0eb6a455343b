package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for the Firestore client.
type FirestoreConfig struct {
	ProjectID      string
	CollectionName string
}

// firestoreEntry is the stored document. Firestore has no per-read expiry, so
// the deadline travels with the value; a TTL policy on expiresAt can be set on
// the collection to reclaim storage.
type firestoreEntry struct {
	Value     []byte    `firestore:"value"`
	ExpiresAt time.Time `firestore:"expiresAt"`
}

// FirestoreStateStore is a StateStore for small deployments where a dedicated
// Redis instance is overkill. One document per key.
type FirestoreStateStore struct {
	client     *firestore.Client
	collection string
	logger     zerolog.Logger
	now        func() time.Time
}

// NewFirestoreStateStore creates a new FirestoreStateStore.
func NewFirestoreStateStore(
	cfg *FirestoreConfig,
	client *firestore.Client,
	logger zerolog.Logger,
) (*FirestoreStateStore, error) {
	if client == nil {
		return nil, errors.New("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, errors.New("firestore collection name is required")
	}

	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreStateStore initialized.")

	return &FirestoreStateStore{
		client:     client,
		collection: cfg.CollectionName,
		logger:     logger.With().Str("component", "FirestoreStateStore").Logger(),
		now:        time.Now,
	}, nil
}

// Get retrieves a document and returns its value unless it has expired.
func (c *FirestoreStateStore) Get(ctx context.Context, key string) ([]byte, error) {
	docSnap, err := c.client.Collection(c.collection).Doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("firestore get failed for key %s: %w", key, err)
	}
	var entry firestoreEntry
	if err := docSnap.DataTo(&entry); err != nil {
		return nil, fmt.Errorf("failed to map state document for key %s: %w", key, err)
	}
	if c.expired(entry) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return entry.Value, nil
}

// SetWithTTL creates or overwrites the document for key.
func (c *FirestoreStateStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	entry := firestoreEntry{Value: value}
	if ttl > 0 {
		entry.ExpiresAt = c.now().Add(ttl)
	}
	if _, err := c.client.Collection(c.collection).Doc(key).Set(ctx, entry); err != nil {
		return fmt.Errorf("failed to set state in firestore for key %s: %w", key, err)
	}
	return nil
}

// Keys lists live document ids that start with prefix.
func (c *FirestoreStateStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	iter := c.client.Collection(c.collection).Documents(ctx)
	defer iter.Stop()

	var keys []string
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore list failed for prefix %s: %w", prefix, err)
		}
		if !strings.HasPrefix(doc.Ref.ID, prefix) {
			continue
		}
		var entry firestoreEntry
		if err := doc.DataTo(&entry); err != nil {
			c.logger.Warn().Err(err).Str("key", doc.Ref.ID).Msg("Skipping unreadable state document.")
			continue
		}
		if !c.expired(entry) {
			keys = append(keys, doc.Ref.ID)
		}
	}
	return keys, nil
}

// Delete removes the document from Firestore.
func (c *FirestoreStateStore) Delete(ctx context.Context, key string) error {
	_, err := c.client.Collection(c.collection).Doc(key).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("firestore delete failed for key %s: %w", key, err)
	}
	return nil
}

// Close is a no-op as the Firestore client's lifecycle is managed externally.
func (c *FirestoreStateStore) Close() error {
	return nil
}

func (c *FirestoreStateStore) expired(e firestoreEntry) bool {
	return !e.ExpiresAt.IsZero() && !c.now().Before(e.ExpiresAt)
}
