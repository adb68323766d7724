package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sony/gobreaker/v2"

	"github.com/fenggwsx/SlashLive/internal/logging"
	"github.com/fenggwsx/SlashLive/internal/metrics"
	"github.com/fenggwsx/SlashLive/internal/protocol"
	"github.com/fenggwsx/SlashLive/internal/storage"
)

// TransitionKind names what caused a presence change.
type TransitionKind uint8

const (
	TransitionConnected TransitionKind = iota + 1
	TransitionDisconnected
	TransitionStatus
	TransitionActivity
	TransitionHeartbeat
)

func (k TransitionKind) String() string {
	switch k {
	case TransitionConnected:
		return "connected"
	case TransitionDisconnected:
		return "disconnected"
	case TransitionStatus:
		return "status"
	case TransitionActivity:
		return "activity"
	case TransitionHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Transition is one presence change for one user. Seq is issued by the
// registry and increases across all users; a zero Seq is always applied.
type Transition struct {
	UserID   uint
	Kind     TransitionKind
	Seq      uint64
	At       time.Time
	Status   storage.PresenceStatus
	Activity *string
	// Audience limits the userStatusChanged broadcast. Nil means everyone.
	Audience []uint
}

type SynchronizerConfig struct {
	Workers      int
	QueueSize    int
	StaleAfter   time.Duration
	WriteTimeout time.Duration
}

// Synchronizer persists presence transitions and broadcasts the resulting
// status. Transitions are sharded by user id so one worker owns each user;
// stale transitions (lower Seq than already applied) are discarded. Once
// Serve has returned, Submit applies transitions on the caller's goroutine.
type Synchronizer struct {
	store       storage.PresenceStore
	broadcaster *Broadcaster
	breaker     *gobreaker.CircuitBreaker[struct{}]
	cfg         SynchronizerConfig
	shards      []chan Transition

	// applied holds the last seq and record applied for each user until that
	// user's disconnect is applied.
	mu      sync.Mutex
	applied map[uint]appliedState

	life    sync.Mutex
	stopped chan struct{} // nil before the first Serve, closed after it returns
	inline  sync.Mutex

	now func() time.Time
}

type appliedState struct {
	seq    uint64
	record storage.Presence
}

func NewSynchronizer(store storage.PresenceStore, broadcaster *Broadcaster, cfg SynchronizerConfig) *Synchronizer {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < cfg.Workers {
		cfg.QueueSize = cfg.Workers
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	shards := make([]chan Transition, cfg.Workers)
	for i := range shards {
		shards[i] = make(chan Transition, cfg.QueueSize/cfg.Workers)
	}

	return &Synchronizer{
		store:       store,
		broadcaster: broadcaster,
		breaker:     newStoreBreaker("presence-store"),
		cfg:         cfg,
		shards:      shards,
		applied:     make(map[uint]appliedState),
		now:         time.Now,
	}
}

func newStoreBreaker(name string) *gobreaker.CircuitBreaker[struct{}] {
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
}

func (s *Synchronizer) String() string { return "presence-synchronizer" }

// Submit queues a transition on its user's shard. It blocks while the shard
// is full and gives up when ctx is done. After the workers have stopped the
// transition is applied before Submit returns.
func (s *Synchronizer) Submit(ctx context.Context, tr Transition) error {
	stopped := s.stoppedCh()
	select {
	case <-stopped:
		s.applyInline(ctx, tr)
		return nil
	default:
	}

	shard := s.shards[tr.UserID%uint(len(s.shards))]
	select {
	case shard <- tr:
		metrics.QueueDepth.WithLabelValues("presence").Inc()
		select {
		case <-stopped:
			s.drain(ctx, shard)
		default:
		}
		return nil
	case <-stopped:
		s.applyInline(ctx, tr)
		return nil
	case <-ctx.Done():
		metrics.PresenceTransitions.WithLabelValues(tr.Kind.String(), "rejected").Inc()
		return ctx.Err()
	}
}

func (s *Synchronizer) stoppedCh() chan struct{} {
	s.life.Lock()
	defer s.life.Unlock()
	return s.stopped
}

// Serve runs one worker per shard until ctx is cancelled, then applies
// whatever is still queued.
func (s *Synchronizer) Serve(ctx context.Context) error {
	s.life.Lock()
	s.stopped = make(chan struct{})
	s.life.Unlock()

	var wg sync.WaitGroup
	for _, shard := range s.shards {
		wg.Add(1)
		go func(queue chan Transition) {
			defer wg.Done()
			s.work(ctx, queue)
		}(shard)
	}
	wg.Wait()

	s.life.Lock()
	close(s.stopped)
	s.life.Unlock()
	for _, shard := range s.shards {
		s.drain(ctx, shard)
	}
	return ctx.Err()
}

func (s *Synchronizer) work(ctx context.Context, queue chan Transition) {
	for {
		select {
		case tr := <-queue:
			s.dequeued(ctx, tr)
		case <-ctx.Done():
			for {
				select {
				case tr := <-queue:
					s.dequeued(ctx, tr)
				default:
					return
				}
			}
		}
	}
}

// drain applies what is left on a shard nobody works anymore.
func (s *Synchronizer) drain(ctx context.Context, queue chan Transition) {
	s.inline.Lock()
	defer s.inline.Unlock()
	for {
		select {
		case tr := <-queue:
			s.dequeued(ctx, tr)
		default:
			return
		}
	}
}

func (s *Synchronizer) applyInline(ctx context.Context, tr Transition) {
	s.inline.Lock()
	defer s.inline.Unlock()
	s.apply(ctx, tr)
}

func (s *Synchronizer) dequeued(ctx context.Context, tr Transition) {
	metrics.QueueDepth.WithLabelValues("presence").Dec()
	s.apply(ctx, tr)
}

func (s *Synchronizer) apply(ctx context.Context, tr Transition) {
	kind := tr.Kind.String()

	if !s.advance(tr.UserID, tr.Seq) {
		metrics.PresenceTransitions.WithLabelValues(kind, "stale").Inc()
		logging.Debug().Uint("user_id", tr.UserID).Uint64("seq", tr.Seq).Str("kind", kind).Msg("stale presence transition skipped")
		return
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.WriteTimeout)
	defer cancel()

	record := s.nextRecord(wctx, tr)
	outcome := "ok"
	_, err := s.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, s.store.UpsertPresence(wctx, &record)
	})
	if err != nil {
		outcome = "persist_failed"
		logging.Warn().Err(err).Uint("user_id", tr.UserID).Str("kind", kind).Msg("presence persist failed")
	}
	metrics.PresenceTransitions.WithLabelValues(kind, outcome).Inc()

	s.remember(tr, record)
	s.publish(tr, record)
}

func (s *Synchronizer) advance(userID uint, seq uint64) bool {
	if seq == 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.applied[userID]
	if ok && seq <= state.seq {
		return false
	}
	state.seq = seq
	s.applied[userID] = state
	return true
}

// remember keeps the record a transition produced so later transitions can
// build on it without the store. A disconnect forgets the user.
func (s *Synchronizer) remember(tr Transition, record storage.Presence) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tr.Kind == TransitionDisconnected {
		delete(s.applied, tr.UserID)
		return
	}
	state := s.applied[tr.UserID]
	state.record = record
	s.applied[tr.UserID] = state
}

func (s *Synchronizer) remembered(userID uint) (storage.Presence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.applied[userID]
	if !ok || state.record.UserID == 0 {
		return storage.Presence{}, false
	}
	return state.record, true
}

// nextRecord computes the record a transition leads to. Connect and
// disconnect overwrite the status; heartbeats and activity changes keep an
// existing status, so a user who chose to appear offline stays offline.
func (s *Synchronizer) nextRecord(ctx context.Context, tr Transition) storage.Presence {
	record := storage.Presence{UserID: tr.UserID, Status: storage.StatusOnline}

	switch tr.Kind {
	case TransitionConnected:
	case TransitionDisconnected:
		record.Status = storage.StatusOffline
	default:
		if current, ok := s.current(ctx, tr.UserID); ok {
			record = current
		}
	}

	record.LastActive = tr.At
	if record.LastActive.IsZero() {
		record.LastActive = s.now().UTC()
	}

	switch tr.Kind {
	case TransitionStatus:
		record.Status = tr.Status
		if tr.Activity != nil {
			record.CurrentActivity = *tr.Activity
		}
	case TransitionActivity:
		if tr.Activity != nil {
			record.CurrentActivity = *tr.Activity
		}
	}
	if record.Status == storage.StatusOffline {
		record.CurrentActivity = ""
	}
	return record
}

// current loads the user's record, falling back to the last one applied
// here while the store is unavailable.
func (s *Synchronizer) current(ctx context.Context, userID uint) (storage.Presence, bool) {
	if s.breaker.State() == gobreaker.StateOpen {
		return s.remembered(userID)
	}
	p, err := s.store.GetPresence(ctx, userID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logging.Warn().Err(err).Uint("user_id", userID).Msg("presence lookup failed")
			return s.remembered(userID)
		}
		return storage.Presence{}, false
	}
	return *p, true
}

func (s *Synchronizer) publish(tr Transition, record storage.Presence) {
	payload := presencePayload(record)
	if tr.Audience == nil {
		s.broadcaster.EmitGlobal(protocol.EventUserStatusChanged, payload)
		return
	}
	for _, userID := range lo.Uniq(tr.Audience) {
		s.broadcaster.SendToUser(userID, protocol.EventUserStatusChanged, payload)
	}
}

// OnlineUsers returns the durable records of users who are not offline and
// were active within the staleness window.
func (s *Synchronizer) OnlineUsers(ctx context.Context) ([]storage.Presence, error) {
	since := s.now().Add(-s.cfg.StaleAfter)
	records, err := s.store.ListPresenceActiveSince(ctx, since)
	if err != nil {
		return nil, persistenceError("list online users", err)
	}
	return records, nil
}

// Status returns the durable record for userID, or an offline record when
// none exists yet.
func (s *Synchronizer) Status(ctx context.Context, userID uint) (storage.Presence, error) {
	p, err := s.store.GetPresence(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Presence{UserID: userID, Status: storage.StatusOffline}, nil
	}
	if err != nil {
		return storage.Presence{}, persistenceError("load presence", err)
	}
	return *p, nil
}

func presencePayload(p storage.Presence) protocol.PresenceStatus {
	return protocol.PresenceStatus{
		UserID:          p.UserID,
		Status:          string(p.Status),
		LastActive:      p.LastActive,
		CurrentActivity: p.CurrentActivity,
	}
}
