package handler

// ErrorResponse is the standard error payload.
type ErrorResponse struct {
	Error string `json:"error"`
}

// CreateRoomRequest is the payload for POST /api/v1/rooms.
type CreateRoomRequest struct {
	ID         string `json:"id,omitempty"`
	Name       string `json:"name"`
	HostID     string `json:"host_id"`
	MaxMembers int    `json:"max_members,omitempty"`
	Recording  bool   `json:"recording,omitempty"`
	Policy     string `json:"policy,omitempty"`
}

// CreateBreakoutRequest is the payload for POST /api/v1/rooms/{id}/breakouts.
type CreateBreakoutRequest struct {
	ID         string `json:"id,omitempty"`
	Name       string `json:"name"`
	MaxMembers int    `json:"max_members,omitempty"`
}

// JoinRequest is the payload for POST /api/v1/rooms/{id}/join. Keys are
// base64 encoded; the ratchet public key must decode to 32 bytes.
type JoinRequest struct {
	MemberID    string `json:"member_id"`
	IdentityKey string `json:"identity_key,omitempty"`
	RatchetPub  string `json:"ratchet_pub"`
}

// JoinResponse returns the handshake token for the signaling layer.
type JoinResponse struct {
	Token   string `json:"token"`
	JoinURL string `json:"join_url,omitempty"`
}

// MemberRequest addresses one member of a room.
type MemberRequest struct {
	MemberID string `json:"member_id"`
	Reason   string `json:"reason,omitempty"`
}

// MoveRequest is the payload for POST /api/v1/rooms/{id}/move.
type MoveRequest struct {
	MemberID   string `json:"member_id"`
	TargetRoom string `json:"target_room"`
}

// SubscribeRequest is the payload for subscribe/unsubscribe.
type SubscribeRequest struct {
	ReceiverID string `json:"receiver_id"`
	SenderID   string `json:"sender_id"`
}

// LayerCapRequest limits the simulcast quality forwarded to one receiver.
// An empty max_layer removes the limit.
type LayerCapRequest struct {
	ReceiverID string `json:"receiver_id"`
	MaxLayer   string `json:"max_layer,omitempty"`
}

// ConnectRequest carries a member's SDP offer for the media plane.
type ConnectRequest struct {
	MemberID string `json:"member_id"`
	OfferSDP string `json:"offer_sdp"`
}

// ConnectResponse returns the SDP answer with ICE candidates gathered.
type ConnectResponse struct {
	AnswerSDP string `json:"answer_sdp"`
}

// CandidateRequest trickles one remote ICE candidate, JSON encoded.
type CandidateRequest struct {
	MemberID  string `json:"member_id"`
	Candidate string `json:"candidate"`
}

// AckRequest is the payload for key ack/nack.
type AckRequest struct {
	MemberID string `json:"member_id"`
	Epoch    uint64 `json:"epoch"`
}

// MediaRequest toggles camera/mic; nil fields stay unchanged.
type MediaRequest struct {
	MemberID string `json:"member_id"`
	CameraOn *bool  `json:"camera_on,omitempty"`
	MicOn    *bool  `json:"mic_on,omitempty"`
}

// RotateKeyRequest is the payload for POST /api/v1/rooms/{id}/rotate-key.
type RotateKeyRequest struct {
	MemberID   string `json:"member_id"`
	RatchetPub string `json:"ratchet_pub"`
}

// EndRoomRequest is the payload for POST /api/v1/rooms/{id}/end.
type EndRoomRequest struct {
	RecordingURL string `json:"recording_url,omitempty"`
}

// MemberResponse is one member in a room listing.
type MemberResponse struct {
	ID       string `json:"id"`
	State    string `json:"state"`
	CameraOn bool   `json:"camera_on"`
	MicOn    bool   `json:"mic_on"`
	JoinedAt string `json:"joined_at"`
}

// ForwardingStats reports the router's aggregate counters.
type ForwardingStats struct {
	Forwarded uint64 `json:"forwarded"`
	Dropped   uint64 `json:"dropped"`
}
