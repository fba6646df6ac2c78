package handler

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/blackroad/meet/internal/coordinator"
	"github.com/blackroad/meet/internal/keyring"
	"github.com/blackroad/meet/internal/roster"
	"github.com/blackroad/meet/internal/router"
	"github.com/blackroad/meet/internal/transport"
	"github.com/blackroad/meet/pkg/history"
	"github.com/blackroad/meet/pkg/policy"
)

const maxRequestBodySize = 1 << 20 // 1 MiB

// MeetHandler provides the REST surface for room and membership control.
// Authorization of moderator operations is the upstream gateway's problem;
// this handler trusts its callers.
type MeetHandler struct {
	coord    *coordinator.Coordinator
	router   *router.Router
	history  *history.Repository
	policies *policy.Loader
	selector *router.CapSelector
	sessions *transport.SessionManager
}

// NewMeetHandler creates the meet API handler. history and policies may be
// nil; the dependent endpoints then report the feature as unavailable.
func NewMeetHandler(coord *coordinator.Coordinator, rt *router.Router, hist *history.Repository, policies *policy.Loader) *MeetHandler {
	return &MeetHandler{coord: coord, router: rt, history: hist, policies: policies}
}

// SetSelector attaches the cap selector backing the layer-cap endpoint.
func (h *MeetHandler) SetSelector(s *router.CapSelector) { h.selector = s }

// SetSessions attaches the WebRTC media plane backing the connect endpoints.
func (h *MeetHandler) SetSessions(s *transport.SessionManager) { h.sessions = s }

// RegisterRoutes registers all meet API routes on the given mux.
func (h *MeetHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/rooms", h.CreateRoom)
	mux.HandleFunc("GET /api/v1/rooms", h.ListRooms)
	mux.HandleFunc("GET /api/v1/rooms/{id}", h.GetRoom)
	mux.HandleFunc("DELETE /api/v1/rooms/{id}", h.ForceClose)
	mux.HandleFunc("POST /api/v1/rooms/{id}/end", h.EndRoom)
	mux.HandleFunc("POST /api/v1/rooms/{id}/breakouts", h.CreateBreakout)
	mux.HandleFunc("POST /api/v1/rooms/{id}/join", h.Join)
	mux.HandleFunc("POST /api/v1/rooms/{id}/leave", h.Leave)
	mux.HandleFunc("POST /api/v1/rooms/{id}/remove", h.Remove)
	mux.HandleFunc("POST /api/v1/rooms/{id}/move", h.Move)
	mux.HandleFunc("POST /api/v1/rooms/{id}/subscribe", h.Subscribe)
	mux.HandleFunc("POST /api/v1/rooms/{id}/unsubscribe", h.Unsubscribe)
	mux.HandleFunc("POST /api/v1/rooms/{id}/layer-cap", h.SetLayerCap)
	mux.HandleFunc("POST /api/v1/rooms/{id}/connect", h.Connect)
	mux.HandleFunc("POST /api/v1/rooms/{id}/renegotiate", h.Renegotiate)
	mux.HandleFunc("POST /api/v1/rooms/{id}/candidate", h.Candidate)
	mux.HandleFunc("POST /api/v1/rooms/{id}/disconnect", h.Disconnect)
	mux.HandleFunc("POST /api/v1/rooms/{id}/ack", h.AckKey)
	mux.HandleFunc("POST /api/v1/rooms/{id}/nack", h.NackKey)
	mux.HandleFunc("POST /api/v1/rooms/{id}/media", h.SetMedia)
	mux.HandleFunc("POST /api/v1/rooms/{id}/rotate-key", h.RotateKey)
	mux.HandleFunc("GET /api/v1/rooms/{id}/members", h.ListMembers)
	mux.HandleFunc("GET /api/v1/rooms/{id}/stats", h.RoomStats)
	mux.HandleFunc("GET /api/v1/users/{id}/history", h.UserHistory)
	mux.HandleFunc("GET /api/v1/stats", h.Stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeDomainError maps the domain error taxonomy onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, coordinator.ErrRoomNotFound),
		errors.Is(err, roster.ErrRoomNotFound),
		errors.Is(err, roster.ErrMemberNotFound),
		errors.Is(err, keyring.ErrRoomNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, roster.ErrRoomExists),
		errors.Is(err, keyring.ErrRoomExists),
		errors.Is(err, roster.ErrDuplicateMember),
		errors.Is(err, roster.ErrDualMembership),
		errors.Is(err, roster.ErrNestedBreakout),
		errors.Is(err, coordinator.ErrRoomClosing):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, roster.ErrRoomFull):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, router.ErrStaleEpoch),
		errors.Is(err, keyring.ErrEpochNotFound):
		writeError(w, http.StatusGone, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// lookupPolicy resolves a policy by name; "" or an unconfigured loader
// resolves to none.
func (h *MeetHandler) lookupPolicy(name string) (*policy.RoomPolicy, bool) {
	if name == "" || h.policies == nil {
		return nil, false
	}
	return h.policies.Get(name)
}

func decodeRatchetPub(encoded string) ([32]byte, bool) {
	var pub [32]byte
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) != len(pub) {
		return pub, false
	}
	copy(pub[:], raw)
	return pub, true
}

// CreateRoom handles POST /api/v1/rooms
func (h *MeetHandler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if !decodeBody(w, r, &req) {
		return
	}

	opts := coordinator.RoomOptions{
		Name:       req.Name,
		HostID:     req.HostID,
		MaxMembers: req.MaxMembers,
		Recording:  req.Recording,
	}
	if req.Policy != "" {
		if h.policies == nil {
			writeError(w, http.StatusBadRequest, "room policies are not configured")
			return
		}
		p, ok := h.policies.Get(req.Policy)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown room policy: "+req.Policy)
			return
		}
		if opts.MaxMembers <= 0 {
			opts.MaxMembers = p.MaxMembers
		}
		if req.Recording && !p.RecordingAllowed {
			writeError(w, http.StatusForbidden, "recording not allowed by policy "+p.Name)
			return
		}
		opts.Policy = p.Name
	}

	id, _, err := h.coord.CreateRoom(r.Context(), req.ID, opts)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	info, err := h.coord.Room(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// CreateBreakout handles POST /api/v1/rooms/{id}/breakouts
func (h *MeetHandler) CreateBreakout(w http.ResponseWriter, r *http.Request) {
	parentID := r.PathValue("id")
	var req CreateBreakoutRequest
	if !decodeBody(w, r, &req) {
		return
	}

	parent, err := h.coord.Room(parentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if p, ok := h.lookupPolicy(parent.Policy); ok && !p.BreakoutsAllowed {
		writeError(w, http.StatusForbidden, "breakouts not allowed by policy "+p.Name)
		return
	}

	id, _, err := h.coord.CreateBreakout(r.Context(), req.ID, parentID, coordinator.RoomOptions{
		Name:       req.Name,
		HostID:     parent.HostID,
		MaxMembers: req.MaxMembers,
		Recording:  parent.Recording,
		Policy:     parent.Policy,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	info, err := h.coord.Room(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// ListRooms handles GET /api/v1/rooms
func (h *MeetHandler) ListRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.coord.Rooms())
}

// GetRoom handles GET /api/v1/rooms/{id}
func (h *MeetHandler) GetRoom(w http.ResponseWriter, r *http.Request) {
	info, err := h.coord.Room(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// ForceClose handles DELETE /api/v1/rooms/{id}
func (h *MeetHandler) ForceClose(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	if err := h.coord.ForceClose(r.Context(), roomID, "forced"); err != nil {
		writeDomainError(w, err)
		return
	}
	if h.sessions != nil {
		h.sessions.CloseRoom(roomID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// EndRoom handles POST /api/v1/rooms/{id}/end
func (h *MeetHandler) EndRoom(w http.ResponseWriter, r *http.Request) {
	var req EndRoomRequest
	if !decodeBody(w, r, &req) {
		return
	}
	roomID := r.PathValue("id")
	if err := h.coord.EndRoom(r.Context(), roomID, req.RecordingURL); err != nil {
		writeDomainError(w, err)
		return
	}
	if h.sessions != nil {
		h.sessions.CloseRoom(roomID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// Join handles POST /api/v1/rooms/{id}/join
func (h *MeetHandler) Join(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	var req JoinRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.MemberID == "" {
		writeError(w, http.StatusBadRequest, "member_id is required")
		return
	}
	pub, ok := decodeRatchetPub(req.RatchetPub)
	if !ok {
		writeError(w, http.StatusBadRequest, "ratchet_pub must be 32 base64 bytes")
		return
	}
	identity, err := base64.StdEncoding.DecodeString(req.IdentityKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, "identity_key is not valid base64")
		return
	}

	token, err := h.coord.Join(r.Context(), roomID, req.MemberID, identity, pub)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := JoinResponse{Token: token}
	if info, err := h.coord.Room(roomID); err == nil {
		resp.JoinURL = info.JoinURL
	}
	writeJSON(w, http.StatusOK, resp)
}

// Leave handles POST /api/v1/rooms/{id}/leave
func (h *MeetHandler) Leave(w http.ResponseWriter, r *http.Request) {
	var req MemberRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.coord.Leave(r.Context(), r.PathValue("id"), req.MemberID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Remove handles POST /api/v1/rooms/{id}/remove
func (h *MeetHandler) Remove(w http.ResponseWriter, r *http.Request) {
	var req MemberRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.coord.Remove(r.Context(), r.PathValue("id"), req.MemberID, req.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Move handles POST /api/v1/rooms/{id}/move
func (h *MeetHandler) Move(w http.ResponseWriter, r *http.Request) {
	var req MoveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.coord.MoveToBreakout(r.Context(), req.MemberID, r.PathValue("id"), req.TargetRoom); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Subscribe handles POST /api/v1/rooms/{id}/subscribe
func (h *MeetHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.coord.Subscribe(r.PathValue("id"), req.ReceiverID, req.SenderID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Unsubscribe handles POST /api/v1/rooms/{id}/unsubscribe
func (h *MeetHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.coord.Unsubscribe(r.PathValue("id"), req.ReceiverID, req.SenderID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetLayerCap handles POST /api/v1/rooms/{id}/layer-cap
func (h *MeetHandler) SetLayerCap(w http.ResponseWriter, r *http.Request) {
	if h.selector == nil {
		writeError(w, http.StatusNotImplemented, "layer selection is not configured")
		return
	}
	var req LayerCapRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ReceiverID == "" {
		writeError(w, http.StatusBadRequest, "receiver_id is required")
		return
	}
	info, err := h.coord.Room(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	switch req.MaxLayer {
	case "":
		h.selector.ClearCap(req.ReceiverID)
	case "q", "h", "f":
		if p, ok := h.lookupPolicy(info.Policy); ok && !p.AllowsLayer(req.MaxLayer) {
			writeError(w, http.StatusForbidden, "layer not offered under policy "+p.Name)
			return
		}
		h.selector.SetCap(req.ReceiverID, req.MaxLayer)
	default:
		writeError(w, http.StatusBadRequest, "max_layer must be one of q, h, f")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Connect handles POST /api/v1/rooms/{id}/connect
func (h *MeetHandler) Connect(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		writeError(w, http.StatusNotImplemented, "media transport is not configured")
		return
	}
	roomID := r.PathValue("id")
	var req ConnectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.MemberID == "" || req.OfferSDP == "" {
		writeError(w, http.StatusBadRequest, "member_id and offer_sdp are required")
		return
	}
	if _, err := h.coord.Room(roomID); err != nil {
		writeDomainError(w, err)
		return
	}

	answer, err := h.sessions.Connect(roomID, req.MemberID, req.OfferSDP)
	if err != nil {
		if errors.Is(err, router.ErrRoomNotFound) {
			writeDomainError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ConnectResponse{AnswerSDP: answer})
}

// Renegotiate handles POST /api/v1/rooms/{id}/renegotiate
func (h *MeetHandler) Renegotiate(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		writeError(w, http.StatusNotImplemented, "media transport is not configured")
		return
	}
	var req ConnectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	answer, err := h.sessions.Renegotiate(r.PathValue("id"), req.MemberID, req.OfferSDP)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ConnectResponse{AnswerSDP: answer})
}

// Candidate handles POST /api/v1/rooms/{id}/candidate
func (h *MeetHandler) Candidate(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		writeError(w, http.StatusNotImplemented, "media transport is not configured")
		return
	}
	var req CandidateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.sessions.AddICECandidate(r.PathValue("id"), req.MemberID, req.Candidate); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Disconnect handles POST /api/v1/rooms/{id}/disconnect
func (h *MeetHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		writeError(w, http.StatusNotImplemented, "media transport is not configured")
		return
	}
	var req MemberRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.sessions.Disconnect(r.PathValue("id"), req.MemberID)
	w.WriteHeader(http.StatusNoContent)
}

// AckKey handles POST /api/v1/rooms/{id}/ack
func (h *MeetHandler) AckKey(w http.ResponseWriter, r *http.Request) {
	var req AckRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.coord.AckKey(r.Context(), r.PathValue("id"), req.MemberID, req.Epoch); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// NackKey handles POST /api/v1/rooms/{id}/nack
func (h *MeetHandler) NackKey(w http.ResponseWriter, r *http.Request) {
	var req AckRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.coord.NackKey(r.Context(), r.PathValue("id"), req.MemberID, req.Epoch); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// SetMedia handles POST /api/v1/rooms/{id}/media
func (h *MeetHandler) SetMedia(w http.ResponseWriter, r *http.Request) {
	var req MediaRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.coord.SetMedia(r.Context(), r.PathValue("id"), req.MemberID, req.CameraOn, req.MicOn); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RotateKey handles POST /api/v1/rooms/{id}/rotate-key
func (h *MeetHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	var req RotateKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	pub, ok := decodeRatchetPub(req.RatchetPub)
	if !ok {
		writeError(w, http.StatusBadRequest, "ratchet_pub must be 32 base64 bytes")
		return
	}
	if err := h.coord.RotateMemberKey(r.Context(), r.PathValue("id"), req.MemberID, pub); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ListMembers handles GET /api/v1/rooms/{id}/members
func (h *MeetHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.coord.Members(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := make([]MemberResponse, 0, len(members))
	for _, m := range members {
		resp = append(resp, MemberResponse{
			ID:       m.ID,
			State:    string(m.State),
			CameraOn: m.CameraOn,
			MicOn:    m.MicOn,
			JoinedAt: m.JoinedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// RoomStats handles GET /api/v1/rooms/{id}/stats
func (h *MeetHandler) RoomStats(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotImplemented, "history store is not configured")
		return
	}
	stats, err := h.history.Stats(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "no history for room")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// UserHistory handles GET /api/v1/users/{id}/history
func (h *MeetHandler) UserHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotImplemented, "history store is not configured")
		return
	}
	rooms, err := h.history.UserHistory(r.Context(), r.PathValue("id"), 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	writeJSON(w, http.StatusOK, rooms)
}

// Stats handles GET /api/v1/stats
func (h *MeetHandler) Stats(w http.ResponseWriter, r *http.Request) {
	s := h.router.Stats()
	writeJSON(w, http.StatusOK, ForwardingStats{Forwarded: s.Forwarded, Dropped: s.Dropped})
}
