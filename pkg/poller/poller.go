// Package poller periodically asks the music provider what every token-holding
// user is playing, persists material changes and hands them to fanout.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-nowplaying/pkg/cache"
	"github.com/illmade-knight/go-nowplaying/pkg/presence"
	"github.com/illmade-knight/go-nowplaying/pkg/provider"
	"github.com/illmade-knight/go-nowplaying/pkg/storage"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ConnectionCounter reports how many clients are connected.
type ConnectionCounter interface {
	Len() int
}

// Broadcaster delivers a changed snapshot to the entitled recipients.
type Broadcaster interface {
	Broadcast(ctx context.Context, originID string, snap presence.Snapshot) int
}

// ChangeSink receives every persisted material change, for export.
type ChangeSink interface {
	Publish(ctx context.Context, snap presence.Snapshot) error
}

// Config holds the tunables for the poll loop.
type Config struct {
	Interval        time.Duration
	Workers         int
	FetchTimeout    time.Duration
	TTL             time.Duration
	KeyPrefix       string
	RefreshProfiles bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:        5 * time.Second,
		Workers:         8,
		FetchTimeout:    4 * time.Second,
		TTL:             180 * time.Second,
		KeyPrefix:       presence.DefaultKeyPrefix,
		RefreshProfiles: true,
	}
}

// TickReport summarises one tick.
type TickReport struct {
	// Overlapped is set when the tick was skipped because another was running.
	Overlapped bool
	// Idle is set when nobody was connected and the tick did nothing.
	Idle      bool
	Polled    int
	Failed    int
	Changed   int
	Delivered int
}

// Option configures optional Poller behaviour.
type Option func(*Poller)

// WithChangeSink publishes every persisted change to sink.
func WithChangeSink(sink ChangeSink) Option {
	return func(p *Poller) { p.sink = sink }
}

// WithClock overrides the clock used to stamp snapshots.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// Poller drives the per-tick fetch, compare, store, broadcast sequence.
type Poller struct {
	cfg         Config
	accounts    storage.IdentityStore
	provider    provider.Client
	store       cache.StateStore
	conns       ConnectionCounter
	broadcaster Broadcaster
	sink        ChangeSink
	now         func() time.Time
	logger      zerolog.Logger

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Poller. Zero-valued Config fields take their defaults.
func New(
	cfg Config,
	accounts storage.IdentityStore,
	prov provider.Client,
	store cache.StateStore,
	conns ConnectionCounter,
	broadcaster Broadcaster,
	logger zerolog.Logger,
	opts ...Option,
) (*Poller, error) {
	if accounts == nil || prov == nil || store == nil || conns == nil || broadcaster == nil {
		return nil, errors.New("accounts, provider, store, connections and broadcaster are all required")
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}

	p := &Poller{
		cfg:         cfg,
		accounts:    accounts,
		provider:    prov,
		store:       store,
		conns:       conns,
		broadcaster: broadcaster,
		now:         time.Now,
		logger:      logger.With().Str("component", "Poller").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start launches the poll loop. It returns immediately.
func (p *Poller) Start(ctx context.Context) error {
	if p.cancel != nil {
		return errors.New("poller already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.logger.Info().Dur("interval", p.cfg.Interval).Int("workers", p.cfg.Workers).Msg("Starting poller...")
	p.wg.Add(1)
	go p.loop(runCtx)
	return nil
}

// Stop halts the loop and waits for an in-flight tick to finish or for ctx to expire.
func (p *Poller) Stop(ctx context.Context) error {
	p.logger.Info().Msg("Stopping poller...")
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info().Msg("Poller stopped.")
		return nil
	case <-ctx.Done():
		p.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for in-flight tick to finish.")
		return ctx.Err()
	}
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.running.Load() {
				p.logger.Warn().Msg("Previous tick still running, skipping this one.")
				continue
			}
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.Tick(ctx)
			}()
		}
	}
}

// Tick runs one poll pass. Only one tick runs at a time; a concurrent call
// returns immediately with Overlapped set.
func (p *Poller) Tick(ctx context.Context) TickReport {
	if !p.running.CompareAndSwap(false, true) {
		return TickReport{Overlapped: true}
	}
	defer p.running.Store(false)

	if p.conns.Len() == 0 {
		return TickReport{Idle: true}
	}

	accounts, err := p.accounts.UsersWithToken(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to list users with tokens, skipping tick.")
		return TickReport{}
	}

	var failed, changed, delivered atomic.Int32
	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for _, account := range accounts {
		g.Go(func() error {
			res := p.pollUser(ctx, account)
			if res.failed {
				failed.Add(1)
			}
			if res.changed {
				changed.Add(1)
			}
			delivered.Add(int32(res.delivered))
			return nil
		})
	}
	_ = g.Wait()

	report := TickReport{
		Polled:    len(accounts),
		Failed:    int(failed.Load()),
		Changed:   int(changed.Load()),
		Delivered: int(delivered.Load()),
	}
	p.logger.Debug().
		Int("polled", report.Polled).
		Int("failed", report.Failed).
		Int("changed", report.Changed).
		Int("delivered", report.Delivered).
		Msg("Tick complete.")
	return report
}

type userResult struct {
	failed    bool
	changed   bool
	delivered int
}

// pollUser runs fetch, compare, store and broadcast for one account. Every
// failure is contained here.
func (p *Poller) pollUser(ctx context.Context, account storage.Account) userResult {
	log := p.logger.With().Str("user_id", account.UserID).Logger()

	profile := p.refreshProfile(ctx, account, log)

	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	playback, err := p.provider.CurrentPlayback(fetchCtx, account.AccessToken)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, provider.ErrUnauthorized):
			log.Warn().Err(err).Msg("Provider token rejected, skipping user this tick.")
		case errors.Is(err, provider.ErrRateLimited):
			log.Warn().Err(err).Msg("Provider rate limited, skipping user this tick.")
		default:
			log.Error().Err(err).Msg("Failed to fetch playback, skipping user this tick.")
		}
		return userResult{failed: true}
	}

	var snap presence.Snapshot
	if playback.IsPlaying {
		snap = presence.NewPlaying(account.UserID, profile, playback.Track, p.now())
	} else {
		snap = presence.NewIdle(account.UserID, profile, p.now())
	}

	key := presence.Key(p.cfg.KeyPrefix, account.UserID)
	if !presence.HasMaterialChange(p.previous(ctx, key, log), snap) {
		return userResult{}
	}

	raw, err := presence.Encode(snap)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode snapshot.")
		return userResult{failed: true}
	}
	if err := p.store.SetWithTTL(ctx, key, raw, p.cfg.TTL); err != nil {
		log.Error().Err(err).Msg("Failed to persist snapshot, broadcasting anyway.")
	}

	res := userResult{changed: true}
	res.delivered = p.broadcaster.Broadcast(ctx, account.UserID, snap)
	log.Debug().Bool("is_playing", playback.IsPlaying).Int("delivered", res.delivered).Msg("Activity changed.")

	if p.sink != nil {
		if err := p.sink.Publish(ctx, snap); err != nil {
			log.Warn().Err(err).Msg("Failed to publish change.")
		}
	}
	return res
}

// refreshProfile returns the profile to stamp on the snapshot, persisting it
// when the provider reports something different from what is stored.
func (p *Poller) refreshProfile(ctx context.Context, account storage.Account, log zerolog.Logger) presence.Profile {
	if !p.cfg.RefreshProfiles {
		return account.Profile
	}
	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	fresh, err := p.provider.Profile(fetchCtx, account.AccessToken)
	cancel()
	if err != nil {
		log.Debug().Err(err).Msg("Failed to refresh profile, using stored values.")
		return account.Profile
	}
	if fresh == account.Profile {
		return fresh
	}
	if err := p.accounts.UpdateProfile(ctx, account.UserID, fresh); err != nil {
		log.Error().Err(err).Msg("Failed to persist refreshed profile.")
	} else {
		log.Info().Str("display_name", fresh.DisplayName).Msg("Profile updated from provider.")
	}
	return fresh
}

// previous loads the cached snapshot for key. Anything unreadable counts as absent.
func (p *Poller) previous(ctx context.Context, key string, log zerolog.Logger) presence.Snapshot {
	raw, err := p.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			log.Warn().Err(err).Msg("Failed to read previous snapshot, treating as absent.")
		}
		return nil
	}
	snap, err := presence.Decode(raw)
	if err != nil {
		log.Warn().Err(fmt.Errorf("key %s: %w", key, err)).Msg("Ignoring malformed cached snapshot.")
		return nil
	}
	return snap
}
