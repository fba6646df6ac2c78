package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeMembership is a static roster view for router tests.
type fakeMembership struct {
	mu      sync.Mutex
	active  map[string]bool              // "room/member"
	subs    map[string][]string          // "room/sender" -> receivers
}

func newFakeMembership() *fakeMembership {
	return &fakeMembership{active: make(map[string]bool), subs: make(map[string][]string)}
}

func (f *fakeMembership) addMember(room, member string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[room+"/"+member] = true
}

func (f *fakeMembership) subscribe(room, receiver, sender string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[room+"/"+sender] = append(f.subs[room+"/"+sender], receiver)
}

func (f *fakeMembership) IsActiveMember(room, member string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[room+"/"+member]
}

func (f *fakeMembership) Subscribers(room, sender string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subs[room+"/"+sender]...)
}

// captureSink records every envelope it receives.
type captureSink struct {
	mu   sync.Mutex
	got  []Envelope
	fail error
}

func (c *captureSink) WriteEnvelope(e Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.got = append(c.got, e)
	return nil
}

func (c *captureSink) envelopes() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Envelope(nil), c.got...)
}

// waitFor polls until cond holds or the deadline passes.
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

func testRouter(m Membership, sel LayerSelector, cfg Config) *Router {
	return New(context.Background(), m, sel, nil, cfg)
}

func TestIngestUnknownRoom(t *testing.T) {
	r := testRouter(newFakeMembership(), nil, Config{})

	err := r.Ingest(Envelope{Room: "ghost", Sender: "alice", Epoch: 1})
	if !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("got %v, want ErrRoomNotFound", err)
	}
}

func TestIngestUnknownSender(t *testing.T) {
	fm := newFakeMembership()
	r := testRouter(fm, nil, Config{})
	r.AddRoom("r1", 1)

	err := r.Ingest(Envelope{Room: "r1", Sender: "stranger", Epoch: 1})
	if !errors.Is(err, ErrUnknownSender) {
		t.Errorf("got %v, want ErrUnknownSender", err)
	}
}

func TestForwardToSubscribers(t *testing.T) {
	fm := newFakeMembership()
	fm.addMember("r1", "alice")
	fm.subscribe("r1", "bob", "alice")
	fm.subscribe("r1", "carol", "alice")

	r := testRouter(fm, nil, Config{})
	r.AddRoom("r1", 1)

	bob, carol := &captureSink{}, &captureSink{}
	r.RegisterSink("r1", "bob", bob)
	r.RegisterSink("r1", "carol", carol)

	if err := r.Ingest(Envelope{Room: "r1", Sender: "alice", Epoch: 1, Sequence: 1, Payload: []byte("ct")}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	waitFor(t, func() bool { return len(bob.envelopes()) == 1 && len(carol.envelopes()) == 1 })

	got := bob.envelopes()[0]
	if got.Sequence != 1 || string(got.Payload) != "ct" {
		t.Errorf("forwarded envelope mutated: %+v", got)
	}
}

func TestOrderingPerSender(t *testing.T) {
	fm := newFakeMembership()
	fm.addMember("r1", "alice")
	fm.subscribe("r1", "bob", "alice")

	r := testRouter(fm, nil, Config{QueueCap: 1024})
	r.AddRoom("r1", 1)

	bob := &captureSink{}
	r.RegisterSink("r1", "bob", bob)

	const n = 200
	for i := 1; i <= n; i++ {
		if err := r.Ingest(Envelope{Room: "r1", Sender: "alice", Epoch: 1, Sequence: uint64(i)}); err != nil {
			t.Fatalf("Ingest seq %d: %v", i, err)
		}
	}

	waitFor(t, func() bool { return len(bob.envelopes()) == n })

	var last uint64
	for _, e := range bob.envelopes() {
		if e.Sequence <= last {
			t.Fatalf("sequence %d arrived after %d", e.Sequence, last)
		}
		last = e.Sequence
	}
}

func TestStaleEpochRejected(t *testing.T) {
	fm := newFakeMembership()
	fm.addMember("r1", "alice")

	r := testRouter(fm, nil, Config{GraceWindow: time.Hour})
	r.AddRoom("r1", 1)
	r.OnEpochAdvanced("r1", 2)
	r.OnEpochAdvanced("r1", 3)

	// Epoch 1 is now older than the grace epoch (2) and must be rejected.
	err := r.Ingest(Envelope{Room: "r1", Sender: "alice", Epoch: 1})
	if !errors.Is(err, ErrStaleEpoch) {
		t.Errorf("got %v, want ErrStaleEpoch", err)
	}

	// Epoch 2 is grace-valid, epoch 3 current; both accepted.
	if err := r.Ingest(Envelope{Room: "r1", Sender: "alice", Epoch: 2}); err != nil {
		t.Errorf("grace-valid epoch rejected: %v", err)
	}
	if err := r.Ingest(Envelope{Room: "r1", Sender: "alice", Epoch: 3}); err != nil {
		t.Errorf("current epoch rejected: %v", err)
	}
}

func TestFutureEpochRejected(t *testing.T) {
	fm := newFakeMembership()
	fm.addMember("r1", "alice")

	r := testRouter(fm, nil, Config{})
	r.AddRoom("r1", 1)

	err := r.Ingest(Envelope{Room: "r1", Sender: "alice", Epoch: 9})
	if !errors.Is(err, ErrEpochUnknown) {
		t.Errorf("got %v, want ErrEpochUnknown", err)
	}
}

func TestGraceExpiry(t *testing.T) {
	fm := newFakeMembership()
	fm.addMember("r1", "alice")

	r := testRouter(fm, nil, Config{GraceWindow: 20 * time.Millisecond})
	r.AddRoom("r1", 1)

	var mu sync.Mutex
	var expired []uint64
	r.OnGraceExpired(func(_ string, epoch uint64) {
		mu.Lock()
		expired = append(expired, epoch)
		mu.Unlock()
	})

	r.OnEpochAdvanced("r1", 2)

	// Within the window the old epoch passes.
	if err := r.Ingest(Envelope{Room: "r1", Sender: "alice", Epoch: 1}); err != nil {
		t.Fatalf("within grace window: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(expired) == 1 && expired[0] == 1
	})

	err := r.Ingest(Envelope{Room: "r1", Sender: "alice", Epoch: 1})
	if !errors.Is(err, ErrStaleEpoch) {
		t.Errorf("got %v after grace expiry, want ErrStaleEpoch", err)
	}
}

func TestExpireGraceEarly(t *testing.T) {
	fm := newFakeMembership()
	fm.addMember("r1", "alice")

	r := testRouter(fm, nil, Config{GraceWindow: time.Hour})
	r.AddRoom("r1", 1)
	r.OnEpochAdvanced("r1", 2)

	r.ExpireGrace("r1")

	err := r.Ingest(Envelope{Room: "r1", Sender: "alice", Epoch: 1})
	if !errors.Is(err, ErrStaleEpoch) {
		t.Errorf("got %v after early expiry, want ErrStaleEpoch", err)
	}
}

func TestLayerSelection(t *testing.T) {
	fm := newFakeMembership()
	fm.addMember("r1", "alice")
	fm.subscribe("r1", "bob", "alice")

	// Estimator always picks the high layer.
	sel := LayerSelectorFunc(func(_ context.Context, _, _ string, _ []string) (string, error) {
		return "f", nil
	})

	r := testRouter(fm, sel, Config{})
	r.AddRoom("r1", 1)
	bob := &captureSink{}
	r.RegisterSink("r1", "bob", bob)

	// Two layers of the same frame arrive; only the chosen one reaches bob.
	r.Ingest(Envelope{Room: "r1", Sender: "alice", Epoch: 1, Sequence: 1, Layer: "f"})
	r.Ingest(Envelope{Room: "r1", Sender: "alice", Epoch: 1, Sequence: 1, Layer: "q"})

	waitFor(t, func() bool { return len(bob.envelopes()) >= 1 })
	time.Sleep(20 * time.Millisecond)

	got := bob.envelopes()
	if len(got) != 1 || got[0].Layer != "f" {
		t.Errorf("got layers %v, want exactly one 'f' frame", got)
	}
}

func TestSlowSelectorFallsBackToLowest(t *testing.T) {
	fm := newFakeMembership()
	fm.addMember("r1", "alice")
	fm.subscribe("r1", "bob", "alice")

	sel := LayerSelectorFunc(func(ctx context.Context, _, _ string, _ []string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	r := testRouter(fm, sel, Config{SelectBudget: 5 * time.Millisecond})
	r.AddRoom("r1", 1)
	bob := &captureSink{}
	r.RegisterSink("r1", "bob", bob)

	r.Ingest(Envelope{Room: "r1", Sender: "alice", Epoch: 1, Sequence: 1, Layer: "q"})
	r.Ingest(Envelope{Room: "r1", Sender: "alice", Epoch: 1, Sequence: 1, Layer: "f"})

	waitFor(t, func() bool { return len(bob.envelopes()) >= 1 })
	time.Sleep(20 * time.Millisecond)

	got := bob.envelopes()
	if len(got) != 1 || got[0].Layer != "q" {
		t.Errorf("got %v, want exactly one 'q' frame (lowest-layer fallback)", got)
	}
}

func TestSinkFailureDropsFrameForThatReceiverOnly(t *testing.T) {
	fm := newFakeMembership()
	fm.addMember("r1", "alice")
	fm.subscribe("r1", "bob", "alice")
	fm.subscribe("r1", "carol", "alice")

	bob := &captureSink{fail: errors.New("connection reset")}
	carol := &captureSink{}

	r := testRouter(fm, nil, Config{})
	r.AddRoom("r1", 1)
	r.RegisterSink("r1", "bob", bob)
	r.RegisterSink("r1", "carol", carol)

	r.Ingest(Envelope{Room: "r1", Sender: "alice", Epoch: 1, Sequence: 1})

	waitFor(t, func() bool { return len(carol.envelopes()) == 1 })
	if got := r.Stats().Dropped; got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}

func TestRoomIsolation(t *testing.T) {
	fm := newFakeMembership()
	fm.addMember("r1", "alice")
	fm.addMember("r2", "dave")
	fm.subscribe("r1", "bob", "alice")
	fm.subscribe("r2", "erin", "dave")

	r := testRouter(fm, nil, Config{})
	r.AddRoom("r1", 1)
	r.AddRoom("r2", 5)

	bob, erin := &captureSink{}, &captureSink{}
	r.RegisterSink("r1", "bob", bob)
	r.RegisterSink("r2", "erin", erin)

	// Each room validates against its own epoch.
	if err := r.Ingest(Envelope{Room: "r2", Sender: "dave", Epoch: 5, Sequence: 1}); err != nil {
		t.Fatalf("Ingest r2: %v", err)
	}
	if err := r.Ingest(Envelope{Room: "r1", Sender: "alice", Epoch: 5, Sequence: 1}); !errors.Is(err, ErrEpochUnknown) {
		t.Errorf("got %v, want ErrEpochUnknown for wrong-room epoch", err)
	}

	waitFor(t, func() bool { return len(erin.envelopes()) == 1 })
	if len(bob.envelopes()) != 0 {
		t.Error("frame leaked across rooms")
	}
}
