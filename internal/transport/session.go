package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/blackroad/meet/internal/router"
)

// SessionManager owns the WebRTC media plane: one PeerConnection per
// connected member, publisher tracks pumped into the router, forwarded
// envelopes written back out on per-sender down tracks. It never sees
// plaintext media; payloads stay ciphertext end to end.
type SessionManager struct {
	mu    sync.Mutex
	api   *webrtc.API
	cfg   webrtc.Configuration
	rt    *router.Router
	extID uint8
	ctx   context.Context
	rooms map[string]map[string]*Peer
}

// NewSessionManager builds the shared webrtc.API with the codecs and header
// extensions the media plane negotiates, simulcast RID signalling included.
func NewSessionManager(ctx context.Context, cfg webrtc.Configuration, rt *router.Router, extID uint8) *SessionManager {
	me := &webrtc.MediaEngine{}

	_ = me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio)

	for _, codec := range []webrtc.RTPCodecParameters{
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:  webrtc.MimeTypeVP8,
				ClockRate: 90000,
			},
			PayloadType: 96,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeVP9,
				ClockRate:   90000,
				SDPFmtpLine: "profile-id=0",
			},
			PayloadType: 98,
		},
	} {
		_ = me.RegisterCodec(codec, webrtc.RTPCodecTypeVideo)
	}

	_ = me.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: "urn:ietf:params:rtp-hdrext:sdes:mid"},
		webrtc.RTPCodecTypeVideo,
	)
	_ = me.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: "urn:ietf:params:rtp-hdrext:sdes:rtp-stream-id"},
		webrtc.RTPCodecTypeVideo,
	)

	if ctx == nil {
		ctx = context.Background()
	}
	return &SessionManager{
		api:   webrtc.NewAPI(webrtc.WithMediaEngine(me)),
		cfg:   cfg,
		rt:    rt,
		extID: extID,
		ctx:   ctx,
		rooms: make(map[string]map[string]*Peer),
	}
}

// Connect answers a member's SDP offer with a new PeerConnection and
// registers the peer as the member's delivery sink. The member must already
// be routed, i.e. its room is known to the router.
func (m *SessionManager) Connect(roomID, memberID, offerSDP string) (string, error) {
	peer, err := m.newPeer(roomID, memberID)
	if err != nil {
		return "", err
	}

	if err := m.rt.RegisterSink(roomID, memberID, peer); err != nil {
		peer.Close()
		return "", err
	}

	m.mu.Lock()
	if m.rooms[roomID] == nil {
		m.rooms[roomID] = make(map[string]*Peer)
	}
	if old := m.rooms[roomID][memberID]; old != nil {
		old.Close()
	}
	m.rooms[roomID][memberID] = peer
	m.mu.Unlock()

	answer, err := peer.HandleOffer(offerSDP)
	if err != nil {
		m.Disconnect(roomID, memberID)
		return "", err
	}
	return answer, nil
}

// Renegotiate answers a mid-session offer, e.g. after down tracks were added.
func (m *SessionManager) Renegotiate(roomID, memberID, offerSDP string) (string, error) {
	peer := m.peer(roomID, memberID)
	if peer == nil {
		return "", fmt.Errorf("transport: no session for %q in room %q", memberID, roomID)
	}
	return peer.HandleOffer(offerSDP)
}

// AddICECandidate feeds a trickled remote candidate to a member's session.
func (m *SessionManager) AddICECandidate(roomID, memberID, candidateJSON string) error {
	peer := m.peer(roomID, memberID)
	if peer == nil {
		return fmt.Errorf("transport: no session for %q in room %q", memberID, roomID)
	}
	return peer.AddICECandidate(candidateJSON)
}

// Disconnect tears down one member's session and delivery sink.
func (m *SessionManager) Disconnect(roomID, memberID string) {
	m.mu.Lock()
	var peer *Peer
	if members := m.rooms[roomID]; members != nil {
		peer = members[memberID]
		delete(members, memberID)
		if len(members) == 0 {
			delete(m.rooms, roomID)
		}
	}
	m.mu.Unlock()

	m.rt.UnregisterSink(roomID, memberID)
	if peer != nil {
		peer.Close()
	}
}

// CloseRoom tears down every session in a room.
func (m *SessionManager) CloseRoom(roomID string) {
	m.mu.Lock()
	members := m.rooms[roomID]
	delete(m.rooms, roomID)
	m.mu.Unlock()

	for memberID, peer := range members {
		m.rt.UnregisterSink(roomID, memberID)
		peer.Close()
	}
}

func (m *SessionManager) peer(roomID, memberID string) *Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if members := m.rooms[roomID]; members != nil {
		return members[memberID]
	}
	return nil
}

func (m *SessionManager) newPeer(roomID, memberID string) (*Peer, error) {
	pc, err := m.api.NewPeerConnection(m.cfg)
	if err != nil {
		return nil, fmt.Errorf("transport: create peer connection: %w", err)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	peer := &Peer{
		roomID:     roomID,
		memberID:   memberID,
		pc:         pc,
		ctx:        ctx,
		cancel:     cancel,
		downTracks: make(map[string]*DownTrack),
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		}); err != nil {
			pc.Close()
			cancel()
			return nil, fmt.Errorf("transport: add %s transceiver: %w", kind, err)
		}
	}

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go RunIngest(ctx, m.rt, roomID, memberID, remote, m.extID)
		m.fanOut(roomID, memberID, remote)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			m.Disconnect(roomID, memberID)
		}
	})

	return peer, nil
}

// fanOut gives every other connected peer in the room a down track matching
// the new publisher track, so forwarded envelopes have an egress leg. Peers
// learn about the added track on their next renegotiation.
func (m *SessionManager) fanOut(roomID, senderID string, remote *webrtc.TrackRemote) {
	m.mu.Lock()
	peers := make([]*Peer, 0, len(m.rooms[roomID]))
	for memberID, peer := range m.rooms[roomID] {
		if memberID != senderID {
			peers = append(peers, peer)
		}
	}
	m.mu.Unlock()

	for _, peer := range peers {
		if err := peer.addDownTrackFor(senderID, remote, m.extID); err != nil {
			slog.Warn("down track setup failed",
				slog.String("room", roomID), slog.String("sender", senderID),
				slog.String("receiver", peer.memberID), slog.String("error", err.Error()))
		}
	}
}

// Peer wraps one member's PeerConnection. It implements router.Sink by
// writing each forwarded envelope to the down track of its publishing
// sender; envelopes from senders without a negotiated leg are skipped.
type Peer struct {
	mu         sync.Mutex
	roomID     string
	memberID   string
	pc         *webrtc.PeerConnection
	ctx        context.Context
	cancel     context.CancelFunc
	downTracks map[string]*DownTrack
	closeOnce  sync.Once
}

// HandleOffer sets the remote SDP offer and returns a complete answer.
func (p *Peer) HandleOffer(offerSDP string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("transport: set remote description: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("transport: create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("transport: set local description: %w", err)
	}

	<-webrtc.GatheringCompletePromise(p.pc)
	return p.pc.LocalDescription().SDP, nil
}

// AddICECandidate adds a trickled remote candidate.
func (p *Peer) AddICECandidate(candidateJSON string) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidateJSON), &candidate); err != nil {
		return fmt.Errorf("transport: parse ICE candidate: %w", err)
	}
	return p.pc.AddICECandidate(candidate)
}

func (p *Peer) addDownTrackFor(senderID string, remote *webrtc.TrackRemote, extID uint8) error {
	p.mu.Lock()
	if _, exists := p.downTracks[senderID]; exists {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	dt, err := NewDownTrack(remote, extID)
	if err != nil {
		return err
	}
	if _, err := p.pc.AddTrack(dt.LocalTrack()); err != nil {
		return err
	}

	p.mu.Lock()
	p.downTracks[senderID] = dt
	p.mu.Unlock()
	return nil
}

// WriteEnvelope implements router.Sink.
func (p *Peer) WriteEnvelope(e router.Envelope) error {
	p.mu.Lock()
	dt := p.downTracks[e.Sender]
	p.mu.Unlock()
	if dt == nil {
		return nil
	}
	return dt.WriteEnvelope(e)
}

// Close tears down the connection and all down tracks. Safe to call twice.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.downTracks = make(map[string]*DownTrack)
		p.mu.Unlock()
		if p.pc != nil {
			p.pc.Close()
		}
		if p.cancel != nil {
			p.cancel()
		}
	})
}
