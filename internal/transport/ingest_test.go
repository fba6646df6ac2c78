package transport

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"

	"github.com/blackroad/meet/internal/router"
)

// staticMembership treats every member as active with a fixed adjacency.
type staticMembership struct {
	subs map[string][]string
}

func (s staticMembership) IsActiveMember(string, string) bool { return true }

func (s staticMembership) Subscribers(_, sender string) []string { return s.subs[sender] }

// queueSource replays a fixed packet sequence, then reports end of track.
type queueSource struct {
	mu      sync.Mutex
	packets []*rtp.Packet
}

func (q *queueSource) push(pkt *rtp.Packet) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.packets = append(q.packets, pkt)
}

func (q *queueSource) ReadRTP() (*rtp.Packet, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.packets) == 0 {
		return nil, io.EOF
	}
	pkt := q.packets[0]
	q.packets = q.packets[1:]
	return pkt, nil
}

type envelopeSink struct {
	mu  sync.Mutex
	got []router.Envelope
}

func (s *envelopeSink) WriteEnvelope(e router.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, e)
	return nil
}

func (s *envelopeSink) envelopes() []router.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]router.Envelope(nil), s.got...)
}

func waitUntil(t *testing.T, cond func() bool) {
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

func epochPacket(t *testing.T, epoch uint64, seq uint16, payload string) *rtp.Packet {
	t.Helper()
	pkt, err := router.EnvelopeToRTP(router.Envelope{
		Epoch: epoch, Sequence: uint64(seq), Payload: []byte(payload),
	}, 1234, 96, router.DefaultEpochExtensionID)
	if err != nil {
		t.Fatalf("EnvelopeToRTP: %v", err)
	}
	return pkt
}

func TestIngestPumpsTrackIntoRouter(t *testing.T) {
	rt := router.New(context.Background(),
		staticMembership{subs: map[string][]string{"alice": {"bob"}}}, nil, nil, router.Config{})
	rt.AddRoom("r1", 1)
	sink := &envelopeSink{}
	rt.RegisterSink("r1", "bob", sink)

	src := &queueSource{}
	src.push(epochPacket(t, 1, 1, "f1"))
	src.push(epochPacket(t, 1, 2, "f2"))
	// A packet without the epoch extension is unroutable and skipped.
	src.push(&rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: 9}})
	src.push(epochPacket(t, 1, 3, "f3"))

	// Returns once the source reports end of track.
	ingestFrom(context.Background(), rt, "r1", "alice", "q", src, router.DefaultEpochExtensionID)

	waitUntil(t, func() bool { return len(sink.envelopes()) == 3 })

	got := sink.envelopes()
	for i, env := range got {
		if env.Room != "r1" || env.Sender != "alice" || env.Layer != "q" {
			t.Errorf("envelope %d misattributed: %+v", i, env)
		}
		if env.Sequence != uint64(i+1) {
			t.Errorf("envelope %d sequence = %d, want %d", i, env.Sequence, i+1)
		}
	}
	if string(got[0].Payload) != "f1" || string(got[2].Payload) != "f3" {
		t.Errorf("payload mutated in flight: %+v", got)
	}
}

func TestIngestStopsOnCancel(t *testing.T) {
	rt := router.New(context.Background(), staticMembership{}, nil, nil, router.Config{})
	rt.AddRoom("r1", 1)

	ctx, cancel := context.WithCancel(context.Background())
	src := &tickingSource{pkt: epochPacket(t, 1, 1, "x")}

	done := make(chan struct{})
	go func() {
		ingestFrom(ctx, rt, "r1", "alice", "", src, router.DefaultEpochExtensionID)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ingest loop did not stop on cancel")
	}
}

// tickingSource produces packets forever.
type tickingSource struct {
	pkt *rtp.Packet
}

func (s *tickingSource) ReadRTP() (*rtp.Packet, error) {
	time.Sleep(time.Millisecond)
	return s.pkt, nil
}
