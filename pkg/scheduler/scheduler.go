// Package scheduler drives rpkid's time-based work: proactive
// manifest/CRL republication, key rollover advancement, and retrying
// publication intents until the repository confirms them. One ticking
// goroutine sweeps every CA aggregate per cycle; failures are retried
// with exponential backoff rather than aborting the sweep.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/rpkid/pkg/aggregate"
	"github.com/cuemby/rpkid/pkg/ca"
	"github.com/cuemby/rpkid/pkg/log"
	"github.com/cuemby/rpkid/pkg/metrics"
	"github.com/cuemby/rpkid/pkg/publication"
	"github.com/cuemby/rpkid/pkg/pubserver"
	"github.com/cuemby/rpkid/pkg/signer"
)

// RepositoryClient is what the scheduler needs from a repository,
// satisfied by both publication.Client (remote, RFC 8181 over HTTPS)
// and publication.LocalRepository (embedded).
type RepositoryClient interface {
	List(ctx context.Context) (map[string]string, error)
	Publish(ctx context.Context, delta publication.Delta) error
}

// Config tunes the scheduler's cadence and rollover thresholds.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration

	// KeyRollStage is the minimum time a certified pending key stands
	// before activation; KeyRollQuiet the staged-for-revocation quiet
	// period before final revocation.
	KeyRollStage time.Duration
	KeyRollQuiet time.Duration

	// MaxBackoff caps the retry backoff for failed publications.
	MaxBackoff time.Duration
}

// DefaultConfig matches the documented defaults: minute-level sweeps,
// 24h rollover stages, retries capped at one hour.
func DefaultConfig() Config {
	return Config{
		Interval:     time.Minute,
		KeyRollStage: ca.DefaultKeyRollMinStage,
		KeyRollQuiet: ca.DefaultKeyRollQuiet,
		MaxBackoff:   time.Hour,
	}
}

type backoffState struct {
	failures int
	next     time.Time
}

// Scheduler sweeps CA aggregates on a fixed interval.
type Scheduler struct {
	cas     *aggregate.Processor[*ca.State]
	signer  *signer.Signer
	repoFor func(caHandle string) RepositoryClient
	config  Config
	now     func() time.Time
	logger  zerolog.Logger

	// SyncParents, when set, re-runs the up-down exchange against
	// each CA's parents (entitlement refresh, pending-key
	// certification); wired in by the daemon for CAs with remote
	// parents.
	SyncParents func(ctx context.Context, caHandle string) error

	mu       sync.Mutex
	lastTick time.Time
	backoff  map[string]*backoffState
	stopCh   chan struct{}
}

// New creates a scheduler. repoFor resolves the repository client for
// a CA handle; returning nil skips publication for that CA.
func New(cas *aggregate.Processor[*ca.State], sgn *signer.Signer, repoFor func(string) RepositoryClient, config Config, now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		cas: cas, signer: sgn, repoFor: repoFor, config: config, now: now,
		logger:  log.WithComponent("scheduler"),
		backoff: make(map[string]*backoffState),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the sweep loop. An immediate first sweep replays any
// publication intents left pending by a crash.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop stops the sweep loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

// LastTick reports when the last sweep completed, for the health
// subsystem's staleness check.
func (s *Scheduler) LastTick() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTick
}

func (s *Scheduler) run() {
	s.Tick(context.Background())

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Tick(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// Tick performs one sweep over every CA aggregate.
func (s *Scheduler) Tick(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.SchedulerTickDuration, "sweep")

	handles, err := s.cas.Handles()
	if err != nil {
		s.logger.Error().Err(err).Msg("listing CA handles failed")
		return
	}
	for _, handle := range handles {
		s.sweepCA(ctx, handle)
	}

	s.mu.Lock()
	s.lastTick = s.now()
	s.mu.Unlock()
}

func (s *Scheduler) sweepCA(ctx context.Context, handle string) {
	state, _, err := s.cas.Load(handle)
	if err != nil {
		s.logger.Error().Err(err).Str("ca", handle).Msg("loading CA failed")
		return
	}
	if !state.Initialized {
		return
	}

	roaCount := 0
	for name, class := range state.ResourceClasses {
		if class.Current != nil {
			metrics.ManifestNumber.WithLabelValues(handle, name).Set(float64(class.Current.ManifestNumber))
			metrics.CRLNumber.WithLabelValues(handle, name).Set(float64(class.Current.CRLNumber))
		}
		roaCount += len(class.ROAs)
	}
	metrics.ROAsTotal.WithLabelValues(handle).Set(float64(roaCount))

	s.advanceKeyRolls(ctx, handle, state)
	s.republishDue(ctx, handle, state)
	s.retryPendingPublication(ctx, handle)
	if s.SyncParents != nil && len(state.Parents) > 0 {
		if err := s.SyncParents(ctx, handle); err != nil {
			s.logger.Warn().Err(err).Str("ca", handle).Msg("parent sync failed; retried next sweep")
		}
	}
}

// republishDue re-signs any key whose manifest has crossed the
// midpoint of its validity window, so objects never get close to
// expiry even if several sweeps are missed.
func (s *Scheduler) republishDue(ctx context.Context, handle string, state *ca.State) {
	now := s.now()
	for name, class := range state.ResourceClasses {
		key := class.Current
		if key == nil || key.Cert == nil || key.ManifestDER == nil {
			continue
		}
		due := key.ThisUpdate.Add(key.NextUpdate.Sub(key.ThisUpdate) / 2)
		if class.Old != nil && class.Old.ManifestDER != nil {
			oldDue := class.Old.ThisUpdate.Add(class.Old.NextUpdate.Sub(class.Old.ThisUpdate) / 2)
			if oldDue.Before(due) {
				due = oldDue
			}
		}
		if now.Before(due) {
			continue
		}
		if _, _, err := s.cas.Process(ctx, handle, ca.Republish{Class: name}, now); err != nil {
			s.logger.Error().Err(err).Str("ca", handle).Str("class", name).Msg("republish failed")
		}
	}
}

func (s *Scheduler) advanceKeyRolls(ctx context.Context, handle string, state *ca.State) {
	now := s.now()
	for name, class := range state.ResourceClasses {
		if class.Pending != nil && class.Pending.Cert != nil && now.Sub(class.Pending.PendingSince) >= s.config.KeyRollStage {
			if _, _, err := s.cas.Process(ctx, handle, ca.ActivateKeyRoll{Class: name, MinStage: s.config.KeyRollStage}, now); err != nil {
				s.logger.Error().Err(err).Str("ca", handle).Str("class", name).Msg("key roll activation failed")
				continue
			}
			metrics.KeyRollsTotal.WithLabelValues(handle, name, "activated").Inc()
		}
		if class.Old != nil && now.Sub(class.Old.StagedSince) >= s.config.KeyRollQuiet {
			oldKI := class.Old.KI
			if _, _, err := s.cas.Process(ctx, handle, ca.FinishKeyRoll{Class: name, Quiet: s.config.KeyRollQuiet}, now); err != nil {
				s.logger.Error().Err(err).Str("ca", handle).Str("class", name).Msg("key roll finish failed")
				continue
			}
			metrics.KeyRollsTotal.WithLabelValues(handle, name, "finished").Inc()
			// The revocation is committed; only now may the private
			// material go away.
			if err := s.signer.DestroyKey(oldKI); err != nil {
				s.logger.Warn().Err(err).Str("ki", oldKI.String()).Msg("destroying rolled key failed")
			}
		}
	}
}

// retryPendingPublication reconciles a CA's desired object set with
// the repository whenever intents are pending, then confirms them.
// The desired set is derived from current state, so replaying a stale
// intent after a crash converges instead of double-publishing: an
// empty diff sends nothing and the RRDP serial does not move.
func (s *Scheduler) retryPendingPublication(ctx context.Context, handle string) {
	state, _, err := s.cas.Load(handle)
	if err != nil || len(state.PendingIntents) == 0 {
		return
	}
	now := s.now()

	s.mu.Lock()
	bo := s.backoff[handle]
	s.mu.Unlock()
	if bo != nil && now.Before(bo.next) {
		return
	}

	client := s.repoFor(handle)
	if client == nil {
		return
	}

	if err := s.publishDesired(ctx, client, state); err != nil {
		s.noteFailure(handle, now)
		metrics.SchedulerRetriesTotal.WithLabelValues("publication").Inc()
		s.logger.Warn().Err(err).Str("ca", handle).Msg("publication failed; backing off")
		return
	}

	ids := make([]string, 0, len(state.PendingIntents))
	for id := range state.PendingIntents {
		ids = append(ids, id)
	}
	if _, _, err := s.cas.Process(ctx, handle, ca.ConfirmPublication{IntentIDs: ids}, now); err != nil {
		s.logger.Error().Err(err).Str("ca", handle).Msg("confirming publication failed")
		return
	}
	s.mu.Lock()
	delete(s.backoff, handle)
	s.mu.Unlock()
}

func (s *Scheduler) publishDesired(ctx context.Context, client RepositoryClient, state *ca.State) error {
	listed, err := client.List(ctx)
	if err != nil {
		return err
	}
	desired := state.PublishedObjects()

	var delta publication.Delta
	for uri, data := range desired {
		oldHash, exists := listed[uri]
		switch {
		case !exists:
			delta.Publish = append(delta.Publish, publication.DeltaPublish{URI: uri, Data: data})
		case oldHash != pubserver.HashBytes(data):
			delta.Update = append(delta.Update, publication.DeltaUpdate{URI: uri, OldHash: oldHash, Data: data})
		}
	}
	for uri, hash := range listed {
		if _, keep := desired[uri]; !keep {
			delta.Withdraw = append(delta.Withdraw, publication.DeltaWithdraw{URI: uri, Hash: hash})
		}
	}
	return client.Publish(ctx, delta)
}

func (s *Scheduler) noteFailure(handle string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bo := s.backoff[handle]
	if bo == nil {
		bo = &backoffState{}
		s.backoff[handle] = bo
	}
	bo.failures++
	wait := s.config.Interval << uint(bo.failures-1)
	if wait > s.config.MaxBackoff || wait <= 0 {
		wait = s.config.MaxBackoff
	}
	bo.next = now.Add(wait)
}
