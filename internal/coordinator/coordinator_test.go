package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/blackroad/meet/internal/keyring"
	"github.com/blackroad/meet/internal/roster"
	"github.com/blackroad/meet/internal/router"
)

// fakeSignaler records every dispatched key update, keyed by epoch. An
// optional gate blocks the first send until released, which lets tests pin
// down coalescing behavior.
type fakeSignaler struct {
	mu       sync.Mutex
	byEpoch  map[uint64]map[string][]byte
	gate     chan struct{}
	gateOnce sync.Once
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{byEpoch: make(map[uint64]map[string][]byte)}
}

func (f *fakeSignaler) SendKeyUpdate(_ context.Context, _ string, update keyring.KeyUpdate) error {
	if f.gate != nil {
		f.gateOnce.Do(func() { <-f.gate })
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byEpoch[update.Epoch] == nil {
		f.byEpoch[update.Epoch] = make(map[string][]byte)
	}
	f.byEpoch[update.Epoch][update.MemberID] = update.Blob
	return nil
}

func (f *fakeSignaler) members(epoch uint64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for id := range f.byEpoch[epoch] {
		out = append(out, id)
	}
	return out
}

func (f *fakeSignaler) received(epoch uint64, memberID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.byEpoch[epoch][memberID]
	return ok
}

func (f *fakeSignaler) maxEpoch() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var max uint64
	for e := range f.byEpoch {
		if e > max {
			max = e
		}
	}
	return max
}

type fakeRecorder struct {
	mu       sync.Mutex
	capsules []Capsule
}

func (f *fakeRecorder) StoreCapsule(_ context.Context, c Capsule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.capsules = append(f.capsules, c)
	return nil
}

func (f *fakeRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.capsules)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

type fixture struct {
	roster *roster.Roster
	keys   *keyring.Keyring
	router *router.Router
	sig    *fakeSignaler
	coord  *Coordinator
}

func newFixture(t *testing.T, routerCfg router.Config) *fixture {
	t.Helper()
	ro := roster.New()
	keys := keyring.New(0)
	rt := router.New(context.Background(), ro, nil, nil, routerCfg)
	sig := newFakeSignaler()
	coord := New(context.Background(), ro, keys, rt, sig, Config{
		RetryBackoff: 5 * time.Millisecond,
		JoinURLBase:  "https://meet.example.com/j",
	})
	return &fixture{roster: ro, keys: keys, router: rt, sig: sig, coord: coord}
}

func goodKey(t *testing.T) [32]byte {
	t.Helper()
	kp, err := keyring.GenerateRatchetKeyPair()
	if err != nil {
		t.Fatalf("GenerateRatchetKeyPair: %v", err)
	}
	return kp.PublicKey
}

func (fx *fixture) settledEpoch(t *testing.T, roomID string, want uint64) {
	t.Helper()
	waitFor(t, func() bool {
		e, err := fx.keys.CurrentEpoch(roomID)
		return err == nil && e == want
	})
}

func TestCreateRoomJoinURL(t *testing.T) {
	fx := newFixture(t, router.Config{})
	ctx := context.Background()

	id, joinURL, err := fx.coord.CreateRoom(ctx, "standup", RoomOptions{Name: "Standup", HostID: "alice"})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if id != "standup" {
		t.Errorf("id = %q", id)
	}
	if joinURL != "https://meet.example.com/j/standup" {
		t.Errorf("join url = %q", joinURL)
	}

	if _, _, err := fx.coord.CreateRoom(ctx, "standup", RoomOptions{}); !errors.Is(err, roster.ErrRoomExists) {
		t.Errorf("duplicate create: got %v, want ErrRoomExists", err)
	}
}

func TestJoinAdvancesEpochAndDispatches(t *testing.T) {
	fx := newFixture(t, router.Config{})
	ctx := context.Background()
	fx.coord.CreateRoom(ctx, "r1", RoomOptions{})

	token, err := fx.coord.Join(ctx, "r1", "alice", []byte("id-a"), goodKey(t))
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if token == "" {
		t.Error("empty handshake token")
	}

	fx.settledEpoch(t, "r1", 1)
	waitFor(t, func() bool { return fx.sig.received(1, "alice") })

	info, err := fx.coord.Room("r1")
	if err != nil {
		t.Fatalf("Room: %v", err)
	}
	if info.State != StateTransitioning {
		t.Errorf("state = %q, want transitioning until ack", info.State)
	}

	if err := fx.coord.AckKey(ctx, "r1", "alice", 1); err != nil {
		t.Fatalf("AckKey: %v", err)
	}
	waitFor(t, func() bool {
		info, _ := fx.coord.Room("r1")
		return info.State == StateActive
	})
}

func TestRemovedMemberNeverReceivesLaterKeys(t *testing.T) {
	fx := newFixture(t, router.Config{})
	ctx := context.Background()
	fx.coord.CreateRoom(ctx, "r1", RoomOptions{})

	fx.coord.Join(ctx, "r1", "alice", nil, goodKey(t))
	fx.coord.Join(ctx, "r1", "bob", nil, goodKey(t))
	waitFor(t, func() bool {
		e, _ := fx.keys.CurrentEpoch("r1")
		return e >= 2 && fx.sig.received(e, "bob")
	})

	evictionEpoch, _ := fx.keys.CurrentEpoch("r1")
	if err := fx.coord.Remove(ctx, "r1", "bob", "kicked"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	fx.settledEpoch(t, "r1", evictionEpoch+1)
	waitFor(t, func() bool { return fx.sig.received(evictionEpoch+1, "alice") })

	for e := evictionEpoch + 1; e <= fx.sig.maxEpoch(); e++ {
		if fx.sig.received(e, "bob") {
			t.Errorf("removed member got key update for epoch %d", e)
		}
	}
	if fx.roster.IsActiveMember("r1", "bob") {
		t.Error("bob still an active member after removal")
	}
}

func TestJoinBurstCoalesces(t *testing.T) {
	fx := newFixture(t, router.Config{})
	ctx := context.Background()
	fx.coord.CreateRoom(ctx, "r1", RoomOptions{MaxMembers: 10})

	// Block the first rotation's dispatch so the remaining joins pile up
	// behind it; they must fold into a single follow-up advance.
	fx.sig.gate = make(chan struct{})

	members := []string{"m1", "m2", "m3", "m4", "m5"}
	for _, m := range members {
		if _, err := fx.coord.Join(ctx, "r1", m, nil, goodKey(t)); err != nil {
			t.Fatalf("Join %s: %v", m, err)
		}
	}
	close(fx.sig.gate)

	// One advance for the gated first join, exactly one more for the
	// coalesced burst.
	fx.settledEpoch(t, "r1", 2)
	waitFor(t, func() bool { return len(fx.sig.members(2)) == len(members) })

	time.Sleep(20 * time.Millisecond)
	if e, _ := fx.keys.CurrentEpoch("r1"); e != 2 {
		t.Errorf("epoch = %d, want 2 (burst must not churn the epoch per join)", e)
	}
	for _, m := range members {
		if !fx.sig.received(2, m) {
			t.Errorf("member %s missing from coalesced epoch", m)
		}
	}
}

func TestLastLeaveClosesRoom(t *testing.T) {
	fx := newFixture(t, router.Config{})
	ctx := context.Background()
	fx.coord.CreateRoom(ctx, "r1", RoomOptions{})
	fx.coord.Join(ctx, "r1", "alice", nil, goodKey(t))
	fx.settledEpoch(t, "r1", 1)

	if err := fx.coord.Leave(ctx, "r1", "alice"); err != nil {
		t.Fatalf("Leave: %v", err)
	}

	if _, err := fx.coord.Room("r1"); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("room lookup after close: got %v, want ErrRoomNotFound", err)
	}
	if _, err := fx.keys.CurrentEpoch("r1"); !errors.Is(err, keyring.ErrRoomNotFound) {
		t.Errorf("key state survived room close: %v", err)
	}
	if _, err := fx.coord.Join(ctx, "r1", "bob", nil, goodKey(t)); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("join after close: got %v, want ErrRoomNotFound", err)
	}
}

func TestMoveToBreakoutRollbackRotatesSource(t *testing.T) {
	fx := newFixture(t, router.Config{})
	ctx := context.Background()
	fx.coord.CreateRoom(ctx, "main", RoomOptions{MaxMembers: 10})
	fx.coord.CreateBreakout(ctx, "side", "main", RoomOptions{MaxMembers: 1})

	fx.coord.Join(ctx, "main", "alice", nil, goodKey(t))
	fx.coord.Join(ctx, "main", "bob", nil, goodKey(t))
	fx.coord.Join(ctx, "side", "carol", nil, goodKey(t))
	waitFor(t, func() bool {
		e, _ := fx.keys.CurrentEpoch("main")
		return e >= 2
	})
	before, _ := fx.keys.CurrentEpoch("main")

	// Target is full; the member must stay in the source room, which still
	// gets a fresh epoch for the aborted move.
	err := fx.coord.MoveToBreakout(ctx, "bob", "main", "side")
	if !errors.Is(err, roster.ErrRoomFull) {
		t.Fatalf("got %v, want ErrRoomFull", err)
	}
	if got, _ := fx.roster.RoomOf("bob"); got != "main" {
		t.Errorf("bob in room %q after failed move, want main", got)
	}
	fx.settledEpoch(t, "main", before+1)
}

func TestMoveToBreakoutRotatesBothRooms(t *testing.T) {
	fx := newFixture(t, router.Config{})
	ctx := context.Background()
	fx.coord.CreateRoom(ctx, "main", RoomOptions{MaxMembers: 10})
	fx.coord.CreateBreakout(ctx, "side", "main", RoomOptions{MaxMembers: 10})

	fx.coord.Join(ctx, "main", "alice", nil, goodKey(t))
	fx.coord.Join(ctx, "main", "bob", nil, goodKey(t))
	fx.coord.Join(ctx, "side", "carol", nil, goodKey(t))
	waitFor(t, func() bool {
		m, _ := fx.keys.CurrentEpoch("main")
		s, _ := fx.keys.CurrentEpoch("side")
		return m >= 2 && s >= 1
	})
	mainBefore, _ := fx.keys.CurrentEpoch("main")
	sideBefore, _ := fx.keys.CurrentEpoch("side")

	if err := fx.coord.MoveToBreakout(ctx, "bob", "main", "side"); err != nil {
		t.Fatalf("MoveToBreakout: %v", err)
	}

	fx.settledEpoch(t, "main", mainBefore+1)
	fx.settledEpoch(t, "side", sideBefore+1)

	if got, _ := fx.roster.RoomOf("bob"); got != "side" {
		t.Errorf("bob in room %q, want side", got)
	}
	// Fresh source epoch excludes the departed member.
	waitFor(t, func() bool { return fx.sig.received(mainBefore+1, "alice") })
	if fx.sig.received(mainBefore+1, "bob") {
		t.Error("moved member received the source room's fresh key")
	}
}

func TestWrapFailureEvictsMemberAfterRetry(t *testing.T) {
	fx := newFixture(t, router.Config{})
	ctx := context.Background()
	fx.coord.CreateRoom(ctx, "r1", RoomOptions{})

	fx.coord.Join(ctx, "r1", "alice", nil, goodKey(t))
	fx.settledEpoch(t, "r1", 1)

	// An all-zero ratchet key is a low-order point; every wrap attempt fails.
	var badKey [32]byte
	fx.coord.Join(ctx, "r1", "mallory", nil, badKey)

	// Retry fails too, mallory is dropped, and the epoch still advances for
	// the remaining member.
	waitFor(t, func() bool {
		e, _ := fx.keys.CurrentEpoch("r1")
		return e >= 2 && !fx.roster.IsActiveMember("r1", "mallory")
	})
	e, _ := fx.keys.CurrentEpoch("r1")
	waitFor(t, func() bool { return fx.sig.received(e, "alice") })
	if fx.sig.received(e, "mallory") {
		t.Error("evicted member received a key update")
	}
}

func TestAckCompletionEndsGraceEarly(t *testing.T) {
	fx := newFixture(t, router.Config{GraceWindow: time.Hour})
	ctx := context.Background()
	fx.coord.CreateRoom(ctx, "r1", RoomOptions{})

	fx.coord.Join(ctx, "r1", "alice", nil, goodKey(t))
	fx.settledEpoch(t, "r1", 1)
	fx.coord.AckKey(ctx, "r1", "alice", 1)

	fx.coord.Join(ctx, "r1", "bob", nil, goodKey(t))
	fx.settledEpoch(t, "r1", 2)

	// Epoch 1 stays grace-valid until both members ack epoch 2.
	if err := fx.router.Ingest(router.Envelope{Room: "r1", Sender: "alice", Epoch: 1}); err != nil {
		t.Fatalf("grace-valid frame rejected: %v", err)
	}

	fx.coord.AckKey(ctx, "r1", "alice", 2)
	fx.coord.AckKey(ctx, "r1", "bob", 2)

	waitFor(t, func() bool {
		err := fx.router.Ingest(router.Envelope{Room: "r1", Sender: "alice", Epoch: 1})
		return errors.Is(err, router.ErrStaleEpoch)
	})
	// Grace expiry also purges the superseded key.
	if _, err := fx.keys.EpochKey("r1", 1); !errors.Is(err, keyring.ErrEpochNotFound) {
		t.Errorf("epoch 1 key survived grace expiry: %v", err)
	}
}

func TestNackResendsOnce(t *testing.T) {
	fx := newFixture(t, router.Config{})
	ctx := context.Background()
	fx.coord.CreateRoom(ctx, "r1", RoomOptions{})
	fx.coord.Join(ctx, "r1", "alice", nil, goodKey(t))
	fx.settledEpoch(t, "r1", 1)
	waitFor(t, func() bool { return fx.sig.received(1, "alice") })

	countSends := func() int {
		fx.sig.mu.Lock()
		defer fx.sig.mu.Unlock()
		n := 0
		for range fx.sig.byEpoch[1] {
			n++
		}
		return n
	}
	before := countSends()

	if err := fx.coord.NackKey(ctx, "r1", "alice", 1); err != nil {
		t.Fatalf("NackKey: %v", err)
	}
	// A second NACK for the same epoch is ignored.
	if err := fx.coord.NackKey(ctx, "r1", "alice", 1); err != nil {
		t.Fatalf("repeated NackKey: %v", err)
	}
	if got := countSends(); got != before {
		t.Errorf("resend altered member set: %d -> %d", before, got)
	}
	// Stale-epoch NACKs are dropped, not errors.
	if err := fx.coord.NackKey(ctx, "r1", "alice", 99); err != nil {
		t.Errorf("stale NackKey: %v", err)
	}
}

func TestRecordingEmitsCapsulePerEpoch(t *testing.T) {
	fx := newFixture(t, router.Config{})
	rec := &fakeRecorder{}
	fx.coord.SetRecorder(rec)
	ctx := context.Background()

	fx.coord.CreateRoom(ctx, "r1", RoomOptions{Recording: true})
	fx.coord.Join(ctx, "r1", "alice", nil, goodKey(t))
	fx.settledEpoch(t, "r1", 1)
	fx.coord.Join(ctx, "r1", "bob", nil, goodKey(t))
	fx.settledEpoch(t, "r1", 2)

	waitFor(t, func() bool { return rec.count() == 2 })

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, capsule := range rec.capsules {
		if capsule.RoomID != "r1" || capsule.Epoch != uint64(i+1) {
			t.Errorf("capsule %d = room %q epoch %d", i, capsule.RoomID, capsule.Epoch)
		}
		var zero [keyring.MediaKeySize]byte
		if capsule.Key == zero {
			t.Errorf("capsule %d has zero key", i)
		}
	}
}

func TestNoCapsuleWithoutRecording(t *testing.T) {
	fx := newFixture(t, router.Config{})
	rec := &fakeRecorder{}
	fx.coord.SetRecorder(rec)
	ctx := context.Background()

	fx.coord.CreateRoom(ctx, "r1", RoomOptions{})
	fx.coord.Join(ctx, "r1", "alice", nil, goodKey(t))
	fx.settledEpoch(t, "r1", 1)

	time.Sleep(20 * time.Millisecond)
	if rec.count() != 0 {
		t.Errorf("capsules emitted for non-recording room: %d", rec.count())
	}
}

// End-to-end scenario: joins establish epochs, frames route to subscribers,
// a leave rotates keys, and late old-epoch frames pass only inside the
// grace window.
func TestSessionScenario(t *testing.T) {
	fx := newFixture(t, router.Config{GraceWindow: time.Hour})
	ctx := context.Background()

	fx.coord.CreateRoom(ctx, "R", RoomOptions{MaxMembers: 10})
	fx.coord.Join(ctx, "R", "A", nil, goodKey(t))
	fx.coord.Join(ctx, "R", "B", nil, goodKey(t))
	fx.settledEpoch(t, "R", 2)
	fx.coord.AckKey(ctx, "R", "A", 2)
	fx.coord.AckKey(ctx, "R", "B", 2)

	fx.coord.Join(ctx, "R", "C", nil, goodKey(t))
	fx.settledEpoch(t, "R", 3)
	waitFor(t, func() bool {
		return fx.sig.received(3, "A") && fx.sig.received(3, "B") && fx.sig.received(3, "C")
	})

	fx.coord.Subscribe("R", "B", "A")
	fx.coord.Subscribe("R", "C", "A")

	sinkB := &recordingSink{}
	sinkC := &recordingSink{}
	fx.router.RegisterSink("R", "B", sinkB)
	fx.router.RegisterSink("R", "C", sinkC)

	if err := fx.router.Ingest(router.Envelope{Room: "R", Sender: "A", Epoch: 3, Sequence: 1, Payload: []byte("f1")}); err != nil {
		t.Fatalf("Ingest epoch 3: %v", err)
	}
	waitFor(t, func() bool { return sinkB.len() == 1 && sinkC.len() == 1 })

	fx.coord.AckKey(ctx, "R", "A", 3)
	fx.coord.AckKey(ctx, "R", "B", 3)
	fx.coord.AckKey(ctx, "R", "C", 3)

	// B leaves; epoch 4 goes to A and C only.
	fx.coord.Leave(ctx, "R", "B")
	fx.settledEpoch(t, "R", 4)
	waitFor(t, func() bool { return fx.sig.received(4, "A") && fx.sig.received(4, "C") })
	if fx.sig.received(4, "B") {
		t.Error("departed member received the new epoch key")
	}

	if err := fx.router.Ingest(router.Envelope{Room: "R", Sender: "A", Epoch: 4, Sequence: 2, Payload: []byte("f2")}); err != nil {
		t.Fatalf("Ingest epoch 4: %v", err)
	}
	// A late frame still tagged epoch 3 is grace-valid.
	if err := fx.router.Ingest(router.Envelope{Room: "R", Sender: "A", Epoch: 3, Sequence: 3, Payload: []byte("late")}); err != nil {
		t.Fatalf("grace-window frame rejected: %v", err)
	}
	waitFor(t, func() bool { return sinkC.len() == 3 })

	// Full ack of epoch 4 ends the grace window; epoch 3 frames now drop.
	fx.coord.AckKey(ctx, "R", "A", 4)
	fx.coord.AckKey(ctx, "R", "C", 4)
	waitFor(t, func() bool {
		err := fx.router.Ingest(router.Envelope{Room: "R", Sender: "A", Epoch: 3, Sequence: 4})
		return errors.Is(err, router.ErrStaleEpoch)
	})
}

type recordingSink struct {
	mu  sync.Mutex
	got []router.Envelope
}

func (s *recordingSink) WriteEnvelope(e router.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, e)
	return nil
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}
