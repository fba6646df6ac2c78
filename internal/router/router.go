package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"
	"github.com/pitabwire/frame/workerpool"
)

var (
	ErrRoomNotFound  = errors.New("router: room not registered")
	ErrUnknownSender = errors.New("router: sender is not an active member")
	ErrStaleEpoch    = errors.New("router: frame epoch older than grace window")
	ErrEpochUnknown  = errors.New("router: frame epoch not yet announced")
)

// Membership is the roster view the router needs for forwarding decisions.
type Membership interface {
	IsActiveMember(roomID, memberID string) bool
	Subscribers(roomID, senderID string) []string
}

// Sink receives forwarded envelopes for one subscriber. Implementations are
// expected to be non-blocking; a write error drops that frame for that
// receiver only.
type Sink interface {
	WriteEnvelope(Envelope) error
}

// Config holds router tuning parameters.
type Config struct {
	// GraceWindow is how long frames of the immediately preceding epoch
	// remain forwardable after an epoch advance.
	GraceWindow time.Duration
	// QueueCap bounds each per-sender queue; frames beyond it are dropped,
	// never reordered.
	QueueCap int
	// SelectBudget is the bandwidth estimator's per-call time budget.
	SelectBudget time.Duration
}

func (c *Config) applyDefaults() {
	if c.GraceWindow <= 0 {
		c.GraceWindow = 2 * time.Second
	}
	if c.QueueCap <= 0 {
		c.QueueCap = 256
	}
	if c.SelectBudget <= 0 {
		c.SelectBudget = 5 * time.Millisecond
	}
}

// Stats reports aggregate router counters.
type Stats struct {
	Forwarded uint64
	Dropped   uint64
}

// senderQueue is the single-writer queue for one sender within a room.
// Exactly one drain job runs at a time, which is what preserves
// sender-assigned sequence order toward every receiver.
type senderQueue struct {
	mu       sync.Mutex
	frames   deque.Deque[Envelope]
	draining bool
	layers   map[string]struct{}
	unwrap   SequenceUnwrapper
}

func (sq *senderQueue) knownLayers() []string {
	out := make([]string, 0, len(sq.layers))
	for l := range sq.layers {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// roomShard owns all routing state for one room. Shards never share locks,
// so two rooms never contend.
type roomShard struct {
	mu         sync.Mutex
	id         string
	current    uint64
	grace      uint64 // previous epoch still forwardable; 0 = none
	graceTimer *time.Timer
	senders    map[string]*senderQueue
	sinks      map[string]Sink
}

// Router is the SFU core: it validates and forwards encrypted frame
// envelopes without ever touching payload bytes.
type Router struct {
	mu         sync.RWMutex
	rooms      map[string]*roomShard
	membership Membership
	selector   LayerSelector
	pool       workerpool.WorkerPool
	cfg        Config
	ctx        context.Context

	forwarded atomic.Uint64
	dropped   atomic.Uint64

	onGraceExpired func(roomID string, epoch uint64)
}

// New creates a Router. The pool, when non-nil, runs drain jobs; otherwise
// plain goroutines are used.
func New(ctx context.Context, membership Membership, selector LayerSelector, pool workerpool.WorkerPool, cfg Config) *Router {
	cfg.applyDefaults()
	if ctx == nil {
		ctx = context.Background()
	}
	return &Router{
		rooms:      make(map[string]*roomShard),
		membership: membership,
		selector:   selector,
		pool:       pool,
		cfg:        cfg,
		ctx:        ctx,
	}
}

// OnGraceExpired registers a callback fired when an old epoch's grace window
// lapses; the coordinator uses it to purge the expired key material.
func (r *Router) OnGraceExpired(fn func(roomID string, epoch uint64)) {
	r.onGraceExpired = fn
}

// AddRoom registers routing state for a room at its first epoch.
func (r *Router) AddRoom(roomID string, epoch uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rooms[roomID]; exists {
		return
	}
	r.rooms[roomID] = &roomShard{
		id:      roomID,
		current: epoch,
		senders: make(map[string]*senderQueue),
		sinks:   make(map[string]Sink),
	}
}

// RemoveRoom drops a room's routing state. Queued frames are discarded.
func (r *Router) RemoveRoom(roomID string) {
	r.mu.Lock()
	shard, ok := r.rooms[roomID]
	delete(r.rooms, roomID)
	r.mu.Unlock()
	if ok {
		shard.mu.Lock()
		if shard.graceTimer != nil {
			shard.graceTimer.Stop()
		}
		shard.mu.Unlock()
	}
}

// RegisterSink attaches a delivery sink for one member of a room.
func (r *Router) RegisterSink(roomID, memberID string, sink Sink) error {
	shard, err := r.shard(roomID)
	if err != nil {
		return err
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	shard.sinks[memberID] = sink
	return nil
}

// UnregisterSink detaches a member's sink.
func (r *Router) UnregisterSink(roomID, memberID string) {
	shard, err := r.shard(roomID)
	if err != nil {
		return
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	delete(shard.sinks, memberID)
}

func (r *Router) shard(roomID string) (*roomShard, error) {
	r.mu.RLock()
	shard, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRoomNotFound, roomID)
	}
	return shard, nil
}

// Ingest validates and enqueues one encrypted frame for forwarding. Frames
// for a given sender are processed in strict arrival order; frames tagged
// with an epoch outside the current-or-grace window are rejected.
func (r *Router) Ingest(env Envelope) error {
	shard, err := r.shard(env.Room)
	if err != nil {
		return err
	}
	if !r.membership.IsActiveMember(env.Room, env.Sender) {
		return fmt.Errorf("%w: %q in room %q", ErrUnknownSender, env.Sender, env.Room)
	}

	shard.mu.Lock()
	switch {
	case env.Epoch == shard.current:
	case env.Epoch != 0 && env.Epoch == shard.grace:
	case env.Epoch < shard.current:
		shard.mu.Unlock()
		r.dropped.Add(1)
		return fmt.Errorf("%w: epoch %d, current %d in room %q", ErrStaleEpoch, env.Epoch, shard.current, env.Room)
	default:
		shard.mu.Unlock()
		r.dropped.Add(1)
		return fmt.Errorf("%w: epoch %d, current %d in room %q", ErrEpochUnknown, env.Epoch, shard.current, env.Room)
	}

	sq, ok := shard.senders[env.Sender]
	if !ok {
		sq = &senderQueue{layers: make(map[string]struct{})}
		shard.senders[env.Sender] = sq
	}
	shard.mu.Unlock()

	sq.mu.Lock()
	if env.Layer != "" {
		sq.layers[env.Layer] = struct{}{}
	}
	if sq.frames.Len() >= r.cfg.QueueCap {
		sq.mu.Unlock()
		r.dropped.Add(1)
		slog.Warn("frame dropped under backpressure",
			slog.String("room", env.Room), slog.String("sender", env.Sender),
			slog.Uint64("sequence", env.Sequence))
		return nil
	}
	sq.frames.PushBack(env)
	startDrain := !sq.draining
	if startDrain {
		sq.draining = true
	}
	sq.mu.Unlock()

	if startDrain {
		r.submit(func() { r.drain(shard, sq) })
	}
	return nil
}

func (r *Router) submit(fn func()) {
	if r.pool != nil {
		if err := r.pool.Submit(r.ctx, fn); err == nil {
			return
		}
	}
	go fn()
}

// drain forwards queued frames for one sender until the queue empties. Only
// one drain runs per sender at a time.
func (r *Router) drain(shard *roomShard, sq *senderQueue) {
	for {
		sq.mu.Lock()
		if sq.frames.Len() == 0 {
			sq.draining = false
			sq.mu.Unlock()
			return
		}
		env := sq.frames.PopFront()
		layers := sq.knownLayers()
		sq.mu.Unlock()

		r.forward(shard, env, layers)
	}
}

// forward delivers one envelope to every current subscriber of its sender,
// applying per-receiver layer selection. The payload is never inspected or
// modified.
func (r *Router) forward(shard *roomShard, env Envelope, layers []string) {
	receivers := r.membership.Subscribers(env.Room, env.Sender)
	if len(receivers) == 0 {
		return
	}

	for _, receiver := range receivers {
		if env.Layer != "" && len(layers) > 1 {
			chosen := selectLayerWithBudget(r.ctx, r.selector, r.cfg.SelectBudget, receiver, env.Sender, layers)
			if chosen != env.Layer {
				continue
			}
		}

		shard.mu.Lock()
		sink := shard.sinks[receiver]
		shard.mu.Unlock()
		if sink == nil {
			continue
		}

		if err := sink.WriteEnvelope(env); err != nil {
			r.dropped.Add(1)
			slog.Warn("frame delivery failed",
				slog.String("room", env.Room), slog.String("receiver", receiver),
				slog.String("error", err.Error()))
			continue
		}
		r.forwarded.Add(1)
	}
}

// OnEpochAdvanced makes newEpoch the room's current epoch and starts the
// grace countdown for the one it supersedes. Frames of older epochs are
// dropped from now on.
func (r *Router) OnEpochAdvanced(roomID string, newEpoch uint64) error {
	shard, err := r.shard(roomID)
	if err != nil {
		return err
	}

	shard.mu.Lock()
	defer shard.mu.Unlock()
	if newEpoch <= shard.current {
		return nil
	}
	if shard.graceTimer != nil {
		shard.graceTimer.Stop()
		// A still-running grace epoch is superseded early: only one epoch
		// may be grace-valid at a time.
		if shard.grace != 0 && r.onGraceExpired != nil {
			expired := shard.grace
			r.submit(func() { r.onGraceExpired(roomID, expired) })
		}
	}
	shard.grace = shard.current
	shard.current = newEpoch

	prev := shard.grace
	shard.graceTimer = time.AfterFunc(r.cfg.GraceWindow, func() {
		r.expireGrace(roomID, prev)
	})
	return nil
}

// ExpireGrace ends the grace window early, e.g. once every member has
// acknowledged the new key.
func (r *Router) ExpireGrace(roomID string) {
	shard, err := r.shard(roomID)
	if err != nil {
		return
	}
	shard.mu.Lock()
	prev := shard.grace
	timer := shard.graceTimer
	shard.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
	if prev != 0 {
		r.expireGrace(roomID, prev)
	}
}

func (r *Router) expireGrace(roomID string, epoch uint64) {
	shard, err := r.shard(roomID)
	if err != nil {
		return
	}
	shard.mu.Lock()
	if shard.grace != epoch {
		shard.mu.Unlock()
		return
	}
	shard.grace = 0
	shard.mu.Unlock()

	slog.Info("epoch grace window expired",
		slog.String("room", roomID), slog.Uint64("epoch", epoch))
	if r.onGraceExpired != nil {
		r.onGraceExpired(roomID, epoch)
	}
}

// CurrentEpoch returns the epoch the router considers current for a room.
func (r *Router) CurrentEpoch(roomID string) (uint64, error) {
	shard, err := r.shard(roomID)
	if err != nil {
		return 0, err
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	return shard.current, nil
}

// Stats returns forwarding counters.
func (r *Router) Stats() Stats {
	return Stats{
		Forwarded: r.forwarded.Load(),
		Dropped:   r.dropped.Load(),
	}
}
