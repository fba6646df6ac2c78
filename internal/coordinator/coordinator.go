package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/frame/workerpool"
	"github.com/pitabwire/util"
	"github.com/rs/xid"

	"github.com/blackroad/meet/internal/keyring"
	"github.com/blackroad/meet/internal/roster"
	"github.com/blackroad/meet/internal/router"
	"github.com/blackroad/meet/pkg/events"
)

var (
	ErrRoomNotFound = errors.New("coordinator: room not found")
	ErrRoomClosing  = errors.New("coordinator: room is closing")
)

// State is a room's lifecycle stage.
type State string

const (
	StateForming       State = "forming"
	StateActive        State = "active"
	StateTransitioning State = "transitioning"
	StateClosing       State = "closing"
	StateClosed        State = "closed"
)

// Config holds coordinator tuning parameters.
type Config struct {
	// RetryBackoff is the pause before the single epoch-advance retry.
	RetryBackoff time.Duration
	// JoinURLBase prefixes generated join URLs, e.g. "https://meet.example.com/j".
	JoinURLBase string
	// DefaultRoomSize is the participant ceiling when a room specifies none.
	DefaultRoomSize int
	// RetainCapsuleKeys keeps old epoch keys of recording rooms past grace
	// expiry so the recorder can re-request capsules. Default false: purge.
	RetainCapsuleKeys bool
}

func (c *Config) applyDefaults() {
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.DefaultRoomSize <= 0 {
		c.DefaultRoomSize = 16
	}
}

// RoomOptions configures room creation.
type RoomOptions struct {
	Name       string
	HostID     string
	MaxMembers int
	Recording  bool
	// Policy names the room profile applied at creation, "" for none. The
	// coordinator carries it for callers enforcing policy-gated operations.
	Policy string
}

// RoomInfo is a read-only view of one coordinated room.
type RoomInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	HostID    string    `json:"host_id"`
	ParentID  string    `json:"parent_id,omitempty"`
	State     State     `json:"state"`
	Epoch     uint64    `json:"epoch"`
	Members   int       `json:"members"`
	Recording bool      `json:"recording"`
	Policy    string    `json:"policy,omitempty"`
	JoinURL   string    `json:"join_url"`
	CreatedAt time.Time `json:"created_at"`
}

// roomState is the coordinator's per-room actor state. All transitions for
// one room serialize on its mutex; rooms never share locks.
type roomState struct {
	mu        sync.Mutex
	id        string
	parentID  string
	name      string
	hostID    string
	recording bool
	policy    string
	createdAt time.Time

	state    State
	epoch    uint64
	inflight bool
	dirty    bool

	pendingAcks map[string]struct{}
	lastUpdates map[string]keyring.KeyUpdate
	resent      map[string]struct{}
}

// Coordinator ties membership changes, key rotation, and router
// reconfiguration into atomic per-room transitions.
type Coordinator struct {
	roster   *roster.Roster
	keys     *keyring.Keyring
	router   *router.Router
	signaler Signaler
	cfg      Config
	ctx      context.Context

	recorder Recorder
	bus      *events.Publisher
	history  History
	pool     workerpool.WorkerPool

	mu    sync.RWMutex
	rooms map[string]*roomState
}

// New creates a Coordinator over the given collaborators and hooks the
// router's grace-expiry callback for key purging.
func New(ctx context.Context, ro *roster.Roster, keys *keyring.Keyring, rt *router.Router, sig Signaler, cfg Config) *Coordinator {
	cfg.applyDefaults()
	if ctx == nil {
		ctx = context.Background()
	}
	c := &Coordinator{
		roster:   ro,
		keys:     keys,
		router:   rt,
		signaler: sig,
		cfg:      cfg,
		ctx:      ctx,
		rooms:    make(map[string]*roomState),
	}
	rt.OnGraceExpired(c.handleGraceExpired)
	return c
}

// SetRecorder enables recorder capsule emission.
func (c *Coordinator) SetRecorder(r Recorder) { c.recorder = r }

// SetPublisher attaches the event bus.
func (c *Coordinator) SetPublisher(p *events.Publisher) { c.bus = p }

// SetHistory attaches the call-history store.
func (c *Coordinator) SetHistory(h History) { c.history = h }

// SetPool attaches a worker pool for async dispatch; plain goroutines are
// used without one.
func (c *Coordinator) SetPool(p workerpool.WorkerPool) { c.pool = p }

// CreateRoom registers a new room in state Forming and returns its id and
// join URL. An empty roomID gets a generated one.
func (c *Coordinator) CreateRoom(ctx context.Context, roomID string, opts RoomOptions) (string, string, error) {
	return c.createRoom(ctx, roomID, "", opts)
}

// CreateBreakout registers a breakout room under parentID. The hierarchy is
// flat: a breakout cannot spawn breakouts of its own.
func (c *Coordinator) CreateBreakout(ctx context.Context, roomID, parentID string, opts RoomOptions) (string, string, error) {
	return c.createRoom(ctx, roomID, parentID, opts)
}

func (c *Coordinator) createRoom(ctx context.Context, roomID, parentID string, opts RoomOptions) (string, string, error) {
	if roomID == "" {
		roomID = xid.New().String()
	}
	if opts.MaxMembers <= 0 {
		opts.MaxMembers = c.cfg.DefaultRoomSize
	}

	var err error
	if parentID == "" {
		_, err = c.roster.CreateRoom(roomID, opts.MaxMembers)
	} else {
		_, err = c.roster.CreateBreakout(roomID, parentID, opts.MaxMembers)
	}
	if err != nil {
		return "", "", err
	}
	if _, err := c.keys.CreateRoom(roomID); err != nil {
		_ = c.roster.DestroyRoom(roomID)
		return "", "", err
	}
	c.router.AddRoom(roomID, 0)

	rs := &roomState{
		id:        roomID,
		parentID:  parentID,
		name:      opts.Name,
		hostID:    opts.HostID,
		recording: opts.Recording,
		policy:    opts.Policy,
		createdAt: time.Now(),
		state:     StateForming,
	}
	c.mu.Lock()
	c.rooms[roomID] = rs
	c.mu.Unlock()

	joinURL := c.joinURL(roomID)
	c.emit(ctx, events.RoomCreated, roomID, &events.RoomCreatedData{
		Name: opts.Name, HostID: opts.HostID, JoinURL: joinURL,
		MaxMembers: opts.MaxMembers, ParentID: parentID,
	})
	c.recordHistory(func(hctx context.Context) error {
		return c.history.RoomStarted(hctx, roomID, opts.Name, opts.HostID, opts.MaxMembers)
	})

	util.Log(ctx).
		WithField("room_id", roomID).
		WithField("recording", opts.Recording).
		Info("room created")
	return roomID, joinURL, nil
}

func (c *Coordinator) joinURL(roomID string) string {
	if c.cfg.JoinURLBase == "" {
		return ""
	}
	return strings.TrimRight(c.cfg.JoinURLBase, "/") + "/" + roomID
}

func (c *Coordinator) roomState(roomID string) (*roomState, error) {
	c.mu.RLock()
	rs, ok := c.rooms[roomID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRoomNotFound, roomID)
	}
	return rs, nil
}

// Join adds a member to a room, triggers a key rotation that includes them,
// and returns the handshake token for the signaling layer.
func (c *Coordinator) Join(ctx context.Context, roomID, memberID string, identityKey []byte, ratchetPub [32]byte) (string, error) {
	rs, err := c.roomState(roomID)
	if err != nil {
		return "", err
	}
	rs.mu.Lock()
	if rs.state == StateClosing || rs.state == StateClosed {
		rs.mu.Unlock()
		return "", fmt.Errorf("%w: %q", ErrRoomClosing, roomID)
	}
	rs.mu.Unlock()

	token, err := c.roster.Join(roomID, memberID, identityKey, ratchetPub)
	if err != nil {
		return "", err
	}

	c.emit(ctx, events.MemberJoined, roomID, &events.MemberJoinedData{MemberID: memberID})
	c.recordHistory(func(hctx context.Context) error {
		return c.history.MemberJoined(hctx, roomID, memberID)
	})

	c.requestRotation(rs)
	return token, nil
}

// Leave removes a member voluntarily. The last leave closes the room; any
// other leave rotates the key so the departed member loses future frames.
func (c *Coordinator) Leave(ctx context.Context, roomID, memberID string) error {
	return c.detach(ctx, roomID, memberID, "", false)
}

// Remove force-removes a member (moderator action). Authorization is the
// caller's responsibility.
func (c *Coordinator) Remove(ctx context.Context, roomID, memberID, reason string) error {
	return c.detach(ctx, roomID, memberID, reason, true)
}

func (c *Coordinator) detach(ctx context.Context, roomID, memberID, reason string, forced bool) error {
	rs, err := c.roomState(roomID)
	if err != nil {
		return err
	}

	if forced {
		err = c.roster.Remove(roomID, memberID)
	} else {
		err = c.roster.Leave(roomID, memberID)
	}
	if err != nil {
		return err
	}

	evtType := events.MemberLeft
	if forced {
		evtType = events.MemberRemoved
	}
	c.emit(ctx, evtType, roomID, &events.MemberLeftData{MemberID: memberID, Reason: reason})
	c.recordHistory(func(hctx context.Context) error {
		return c.history.MemberLeft(hctx, roomID, memberID)
	})

	if c.roster.MemberCount(roomID) == 0 {
		return c.closeRoom(ctx, rs, "empty", "")
	}
	c.requestRotation(rs)
	return nil
}

// MoveToBreakout atomically moves a member between a room and one of its
// breakouts, then rotates both rooms' keys. On a failed target join the
// member stays in the source room, which still gets a fresh epoch.
func (c *Coordinator) MoveToBreakout(ctx context.Context, memberID, sourceID, targetID string) error {
	sourceRS, err := c.roomState(sourceID)
	if err != nil {
		return err
	}
	targetRS, err := c.roomState(targetID)
	if err != nil {
		return err
	}

	if err := c.roster.MoveToBreakout(memberID, sourceID, targetID); err != nil {
		// The member never left the source snapshot; rotate anyway so the
		// aborted move lands on a fresh epoch.
		c.requestRotation(sourceRS)
		return err
	}

	c.emit(ctx, events.BreakoutMoved, sourceID, &events.BreakoutMovedData{
		MemberID: memberID, SourceRoom: sourceID, TargetRoom: targetID,
	})

	c.requestRotation(targetRS)
	if c.roster.MemberCount(sourceID) == 0 {
		return c.closeRoom(ctx, sourceRS, "empty", "")
	}
	c.requestRotation(sourceRS)
	return nil
}

// RotateMemberKey installs a member's refreshed ratchet public key and
// advances the epoch without a membership change.
func (c *Coordinator) RotateMemberKey(ctx context.Context, roomID, memberID string, newPub [32]byte) error {
	rs, err := c.roomState(roomID)
	if err != nil {
		return err
	}
	if err := c.roster.SetRatchetPub(roomID, memberID, newPub); err != nil {
		return err
	}
	c.requestRotation(rs)
	return nil
}

// Subscribe adds a media subscription edge. No key rotation.
func (c *Coordinator) Subscribe(roomID, receiverID, senderID string) error {
	return c.roster.Subscribe(roomID, receiverID, senderID)
}

// Unsubscribe removes a media subscription edge.
func (c *Coordinator) Unsubscribe(roomID, receiverID, senderID string) error {
	return c.roster.Unsubscribe(roomID, receiverID, senderID)
}

// SetMedia toggles a member's camera/mic state. Nil leaves a value unchanged.
func (c *Coordinator) SetMedia(ctx context.Context, roomID, memberID string, camera, mic *bool) error {
	if err := c.roster.SetMedia(roomID, memberID, camera, mic); err != nil {
		return err
	}

	members, err := c.roster.Members(roomID)
	if err != nil {
		return err
	}
	for _, m := range members {
		if m.ID != memberID {
			continue
		}
		c.emit(ctx, events.MediaToggled, roomID, &events.MediaToggledData{
			MemberID: memberID, CameraOn: m.CameraOn, MicOn: m.MicOn,
		})
		camOn, micOn := m.CameraOn, m.MicOn
		c.recordHistory(func(hctx context.Context) error {
			return c.history.MediaToggled(hctx, roomID, memberID, camOn, micOn)
		})
		break
	}
	return nil
}

// AckKey records a member's acknowledgment of the current epoch key. Once
// every pending member has acked, the grace window ends early. Acks for
// superseded epochs are logged and dropped.
func (c *Coordinator) AckKey(ctx context.Context, roomID, memberID string, epoch uint64) error {
	rs, err := c.roomState(roomID)
	if err != nil {
		return err
	}

	rs.mu.Lock()
	if epoch != rs.epoch {
		current := rs.epoch
		rs.mu.Unlock()
		slog.InfoContext(ctx, "stale key ack ignored",
			slog.String("room", roomID), slog.String("member", memberID),
			slog.Uint64("acked", epoch), slog.Uint64("current", current))
		return nil
	}
	delete(rs.pendingAcks, memberID)
	complete := len(rs.pendingAcks) == 0 && !rs.inflight && rs.state == StateTransitioning
	if complete {
		rs.state = StateActive
	}
	rs.mu.Unlock()

	// The ack doubles as handshake completion for joining members.
	if err := c.roster.Activate(roomID, memberID); err != nil && !errors.Is(err, roster.ErrMemberNotFound) {
		return err
	}
	if complete {
		c.router.ExpireGrace(roomID)
	}
	return nil
}

// NackKey resends a member's key-update blob for the current epoch, once.
// Further NACKs for the same epoch are ignored; the member must re-join.
func (c *Coordinator) NackKey(ctx context.Context, roomID, memberID string, epoch uint64) error {
	rs, err := c.roomState(roomID)
	if err != nil {
		return err
	}

	rs.mu.Lock()
	if epoch != rs.epoch {
		rs.mu.Unlock()
		slog.InfoContext(ctx, "stale key nack ignored",
			slog.String("room", roomID), slog.String("member", memberID), slog.Uint64("epoch", epoch))
		return nil
	}
	if _, already := rs.resent[memberID]; already {
		rs.mu.Unlock()
		slog.WarnContext(ctx, "repeated key nack, resend budget spent",
			slog.String("room", roomID), slog.String("member", memberID), slog.Uint64("epoch", epoch))
		return nil
	}
	update, ok := rs.lastUpdates[memberID]
	if !ok {
		rs.mu.Unlock()
		return fmt.Errorf("%w: %q has no pending update", roster.ErrMemberNotFound, memberID)
	}
	rs.resent[memberID] = struct{}{}
	rs.mu.Unlock()

	return c.signaler.SendKeyUpdate(ctx, roomID, update)
}

// ForceClose ends a room regardless of remaining members.
func (c *Coordinator) ForceClose(ctx context.Context, roomID, reason string) error {
	rs, err := c.roomState(roomID)
	if err != nil {
		return err
	}
	return c.closeRoom(ctx, rs, reason, "")
}

// EndRoom closes a room and records the recording URL on its history entry.
func (c *Coordinator) EndRoom(ctx context.Context, roomID, recordingURL string) error {
	rs, err := c.roomState(roomID)
	if err != nil {
		return err
	}
	return c.closeRoom(ctx, rs, "ended", recordingURL)
}

func (c *Coordinator) closeRoom(ctx context.Context, rs *roomState, reason, recordingURL string) error {
	rs.mu.Lock()
	if rs.state == StateClosing || rs.state == StateClosed {
		rs.mu.Unlock()
		return nil
	}
	rs.state = StateClosing
	rs.mu.Unlock()

	c.router.RemoveRoom(rs.id)
	if err := c.keys.DestroyRoom(rs.id); err != nil && !errors.Is(err, keyring.ErrRoomNotFound) {
		return err
	}
	if err := c.roster.DestroyRoom(rs.id); err != nil && !errors.Is(err, roster.ErrRoomNotFound) {
		return err
	}

	rs.mu.Lock()
	rs.state = StateClosed
	duration := time.Since(rs.createdAt)
	rs.mu.Unlock()

	c.mu.Lock()
	delete(c.rooms, rs.id)
	c.mu.Unlock()

	c.emit(ctx, events.RoomClosed, rs.id, &events.RoomClosedData{
		Reason: reason, RecordingURL: recordingURL, DurationMs: duration.Milliseconds(),
	})
	c.recordHistory(func(hctx context.Context) error {
		return c.history.RoomEnded(hctx, rs.id, recordingURL)
	})

	util.Log(ctx).
		WithField("room_id", rs.id).
		WithField("reason", reason).
		Info("room closed, key material destroyed")
	return nil
}

// Room returns the coordinated view of one room.
func (c *Coordinator) Room(roomID string) (RoomInfo, error) {
	rs, err := c.roomState(roomID)
	if err != nil {
		return RoomInfo{}, err
	}
	return c.roomInfo(rs), nil
}

// Members lists the room's current member records.
func (c *Coordinator) Members(roomID string) ([]roster.Member, error) {
	return c.roster.Members(roomID)
}

// Rooms lists every open room.
func (c *Coordinator) Rooms() []RoomInfo {
	c.mu.RLock()
	states := make([]*roomState, 0, len(c.rooms))
	for _, rs := range c.rooms {
		states = append(states, rs)
	}
	c.mu.RUnlock()

	out := make([]RoomInfo, 0, len(states))
	for _, rs := range states {
		out = append(out, c.roomInfo(rs))
	}
	return out
}

func (c *Coordinator) roomInfo(rs *roomState) RoomInfo {
	rs.mu.Lock()
	info := RoomInfo{
		ID:        rs.id,
		Name:      rs.name,
		HostID:    rs.hostID,
		ParentID:  rs.parentID,
		State:     rs.state,
		Epoch:     rs.epoch,
		Recording: rs.recording,
		Policy:    rs.policy,
		JoinURL:   c.joinURL(rs.id),
		CreatedAt: rs.createdAt,
	}
	rs.mu.Unlock()
	info.Members = c.roster.MemberCount(rs.id)
	return info
}

// requestRotation schedules an epoch advance for the room. A rotation already
// in flight absorbs the request: concurrent churn coalesces into one advance
// that runs after the current one commits.
func (c *Coordinator) requestRotation(rs *roomState) {
	rs.mu.Lock()
	if rs.state == StateClosing || rs.state == StateClosed {
		rs.mu.Unlock()
		return
	}
	if rs.inflight {
		rs.dirty = true
		rs.mu.Unlock()
		return
	}
	rs.inflight = true
	rs.state = StateTransitioning
	rs.mu.Unlock()

	c.submit(func() { c.runRotation(rs) })
}

func (c *Coordinator) submit(fn func()) {
	if c.pool != nil {
		if err := c.pool.Submit(c.ctx, fn); err == nil {
			return
		}
	}
	go fn()
}

// runRotation performs one (or, after coalesced churn, several) epoch
// advances. Key material is computed and committed under the room lock;
// signaling dispatch happens after release so forwarding never waits on the
// signaling channel.
func (c *Coordinator) runRotation(rs *roomState) {
	for {
		rs.mu.Lock()
		if rs.state == StateClosing || rs.state == StateClosed {
			rs.inflight = false
			rs.mu.Unlock()
			return
		}
		rs.mu.Unlock()

		snapshot, err := c.roster.Snapshot(rs.id)
		if err != nil || len(snapshot) == 0 {
			rs.mu.Lock()
			rs.inflight = false
			rs.dirty = false
			rs.mu.Unlock()
			return
		}

		epoch, updates, err := c.advanceWithRetry(rs, snapshot)
		if err != nil {
			slog.Error("epoch advance failed, room stays on current epoch",
				slog.String("room", rs.id), slog.String("error", err.Error()))
			rs.mu.Lock()
			rs.inflight = false
			rs.dirty = false
			if rs.epoch > 0 {
				rs.state = StateActive
			} else {
				rs.state = StateForming
			}
			rs.mu.Unlock()
			return
		}

		rs.mu.Lock()
		rs.epoch = epoch
		rs.pendingAcks = make(map[string]struct{}, len(updates))
		for id := range updates {
			rs.pendingAcks[id] = struct{}{}
		}
		rs.lastUpdates = updates
		rs.resent = make(map[string]struct{})
		rs.mu.Unlock()

		if err := c.router.OnEpochAdvanced(rs.id, epoch); err != nil {
			slog.Error("router epoch swap failed",
				slog.String("room", rs.id), slog.Uint64("epoch", epoch), slog.String("error", err.Error()))
		}

		c.dispatchUpdates(rs.id, epoch, updates)
		c.emitCapsule(rs, epoch)
		c.emit(c.ctx, events.EpochAdvanced, rs.id, &events.EpochAdvancedData{
			Epoch: epoch, MemberCount: len(updates),
		})

		rs.mu.Lock()
		if rs.dirty {
			rs.dirty = false
			rs.mu.Unlock()
			continue
		}
		rs.inflight = false
		// Every ack may already have arrived during dispatch.
		complete := len(rs.pendingAcks) == 0 && rs.state == StateTransitioning
		if complete {
			rs.state = StateActive
		}
		rs.mu.Unlock()
		if complete {
			c.router.ExpireGrace(rs.id)
		}
		return
	}
}

// advanceWithRetry runs AdvanceEpoch with the failure policy: one retry after
// a short backoff, then eviction of the member whose key failed the wrap.
// Secrecy is prioritized over that member's availability.
func (c *Coordinator) advanceWithRetry(rs *roomState, snapshot map[string][32]byte) (uint64, map[string]keyring.KeyUpdate, error) {
	epoch, updates, err := c.keys.AdvanceEpoch(rs.id, snapshot)
	if err == nil {
		return epoch, updates, nil
	}

	slog.Warn("epoch advance failed, retrying once",
		slog.String("room", rs.id), slog.String("error", err.Error()))
	time.Sleep(c.cfg.RetryBackoff)

	epoch, updates, err = c.keys.AdvanceEpoch(rs.id, snapshot)
	if err == nil {
		return epoch, updates, nil
	}

	var wrapErr *keyring.MemberWrapError
	if !errors.As(err, &wrapErr) {
		return 0, nil, err
	}

	delete(snapshot, wrapErr.MemberID)
	if rmErr := c.roster.Remove(rs.id, wrapErr.MemberID); rmErr != nil && !errors.Is(rmErr, roster.ErrMemberNotFound) {
		slog.Error("evicting member after failed wrap",
			slog.String("room", rs.id), slog.String("member", wrapErr.MemberID), slog.String("error", rmErr.Error()))
	}
	c.emit(c.ctx, events.MemberEvicted, rs.id, &events.MemberEvictedData{
		MemberID: wrapErr.MemberID, Error: wrapErr.Err.Error(),
	})
	slog.Warn("member evicted from pending snapshot after repeated wrap failure",
		slog.String("room", rs.id), slog.String("member", wrapErr.MemberID))

	if len(snapshot) == 0 {
		return 0, nil, err
	}
	return c.keys.AdvanceEpoch(rs.id, snapshot)
}

// dispatchUpdates sends every member's key-update blob over the signaling
// channel. Runs outside the room lock.
func (c *Coordinator) dispatchUpdates(roomID string, epoch uint64, updates map[string]keyring.KeyUpdate) {
	for memberID, update := range updates {
		if err := c.signaler.SendKeyUpdate(c.ctx, roomID, update); err != nil {
			slog.Warn("key update dispatch failed",
				slog.String("room", roomID), slog.String("member", memberID),
				slog.Uint64("epoch", epoch), slog.String("error", err.Error()))
			continue
		}
		slog.Debug("key update dispatched",
			slog.String("room", roomID), slog.String("member", memberID), slog.Uint64("epoch", epoch))
	}
}

// emitCapsule exports the epoch key to the recorder for rooms with recording
// enabled. Every export is a security-relevant event and is logged as such.
func (c *Coordinator) emitCapsule(rs *roomState, epoch uint64) {
	if !rs.recording || c.recorder == nil {
		return
	}

	key, err := c.keys.EpochKey(rs.id, epoch)
	if err != nil {
		slog.Error("recorder capsule: epoch key unavailable",
			slog.String("room", rs.id), slog.Uint64("epoch", epoch), slog.String("error", err.Error()))
		return
	}
	capsule := Capsule{
		RoomID:    rs.id,
		Epoch:     epoch,
		Key:       key,
		NotBefore: time.Now(),
	}
	if err := c.recorder.StoreCapsule(c.ctx, capsule); err != nil {
		slog.Error("recorder capsule delivery failed",
			slog.String("room", rs.id), slog.Uint64("epoch", epoch), slog.String("error", err.Error()))
		return
	}

	util.Log(c.ctx).
		WithField("room_id", rs.id).
		WithField("epoch", epoch).
		Info("security event: epoch key exported to recorder")
	c.emit(c.ctx, events.CapsuleEmitted, rs.id, &events.CapsuleEmittedData{Epoch: epoch})
}

// handleGraceExpired purges the expired epoch's keys and settles the state
// machine back to Active when the grace window lapses before full ack.
func (c *Coordinator) handleGraceExpired(roomID string, epoch uint64) {
	rs, err := c.roomState(roomID)
	if err != nil {
		return
	}

	retain := c.cfg.RetainCapsuleKeys && rs.recording
	if !retain {
		if err := c.keys.PurgeBefore(roomID, epoch+1); err != nil && !errors.Is(err, keyring.ErrRoomNotFound) {
			slog.Error("key purge at grace expiry failed",
				slog.String("room", roomID), slog.Uint64("epoch", epoch), slog.String("error", err.Error()))
		}
	}

	rs.mu.Lock()
	if rs.state == StateTransitioning && !rs.inflight {
		rs.state = StateActive
	}
	rs.mu.Unlock()
}

func (c *Coordinator) emit(ctx context.Context, evtType events.EventType, roomID string, data interface{}) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Emit(ctx, evtType, roomID, data); err != nil {
		slog.Warn("event emit failed",
			slog.String("type", string(evtType)), slog.String("room", roomID), slog.String("error", err.Error()))
	}
}

func (c *Coordinator) recordHistory(fn func(ctx context.Context) error) {
	if c.history == nil {
		return
	}
	c.submit(func() {
		if err := fn(c.ctx); err != nil {
			slog.Warn("history write failed", slog.String("error", err.Error()))
		}
	})
}
