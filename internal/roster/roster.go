package roster

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
)

var (
	ErrRoomNotFound    = errors.New("roster: room not found")
	ErrRoomExists      = errors.New("roster: room already exists")
	ErrRoomFull        = errors.New("roster: room at participant ceiling")
	ErrDuplicateMember = errors.New("roster: member already present")
	ErrMemberNotFound  = errors.New("roster: member not found")
	ErrDualMembership  = errors.New("roster: member already active in another room")
	ErrNestedBreakout  = errors.New("roster: breakout rooms cannot have breakouts")
)

// MemberState tracks a member's connection lifecycle.
type MemberState string

const (
	StateJoining MemberState = "joining"
	StateActive  MemberState = "active"
	StateLeaving MemberState = "leaving"
	StateRemoved MemberState = "removed"
)

// Member is one participant's roster record.
type Member struct {
	ID          string
	IdentityKey []byte
	RatchetPub  [32]byte
	State       MemberState
	CameraOn    bool
	MicOn       bool
	JoinedAt    time.Time
}

// Room holds the roster state for one room: its members and the
// who-subscribes-to-whom adjacency. Breakout rooms are distinct rooms with a
// parent back-reference, never nested memberships.
type Room struct {
	mu         sync.RWMutex
	id         string
	parentID   string
	maxMembers int
	members    map[string]*Member
	// subs[receiver][sender] means receiver wants sender's media. Kept here
	// rather than on Member so membership and subscription lifecycles stay
	// independent.
	subs map[string]map[string]struct{}
}

// ID returns the room identifier.
func (r *Room) ID() string { return r.id }

// ParentID returns the parent room id, empty for top-level rooms.
func (r *Room) ParentID() string { return r.parentID }

// Roster is the membership manager across all rooms. A global member index
// enforces that a member is active in at most one room at a time.
type Roster struct {
	mu         sync.RWMutex
	rooms      map[string]*Room
	memberRoom map[string]string
}

// New creates an empty Roster.
func New() *Roster {
	return &Roster{
		rooms:      make(map[string]*Room),
		memberRoom: make(map[string]string),
	}
}

// CreateRoom registers a room with the given participant ceiling.
func (ro *Roster) CreateRoom(roomID string, maxMembers int) (*Room, error) {
	return ro.createRoom(roomID, "", maxMembers)
}

// CreateBreakout registers a breakout room under parentID. Only one level of
// hierarchy is allowed: a breakout cannot itself spawn breakouts.
func (ro *Roster) CreateBreakout(roomID, parentID string, maxMembers int) (*Room, error) {
	ro.mu.RLock()
	parent, ok := ro.rooms[parentID]
	ro.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: parent %q", ErrRoomNotFound, parentID)
	}
	if parent.parentID != "" {
		return nil, fmt.Errorf("%w: %q is already a breakout of %q", ErrNestedBreakout, parentID, parent.parentID)
	}
	return ro.createRoom(roomID, parentID, maxMembers)
}

func (ro *Roster) createRoom(roomID, parentID string, maxMembers int) (*Room, error) {
	if maxMembers <= 0 {
		maxMembers = 1000
	}
	ro.mu.Lock()
	defer ro.mu.Unlock()

	if _, exists := ro.rooms[roomID]; exists {
		return nil, fmt.Errorf("%w: %q", ErrRoomExists, roomID)
	}
	room := &Room{
		id:         roomID,
		parentID:   parentID,
		maxMembers: maxMembers,
		members:    make(map[string]*Member),
		subs:       make(map[string]map[string]struct{}),
	}
	ro.rooms[roomID] = room
	return room, nil
}

// Room returns a room by id.
func (ro *Roster) Room(roomID string) (*Room, bool) {
	ro.mu.RLock()
	defer ro.mu.RUnlock()
	r, ok := ro.rooms[roomID]
	return r, ok
}

// DestroyRoom removes a room and clears its members from the global index.
func (ro *Roster) DestroyRoom(roomID string) error {
	ro.mu.Lock()
	defer ro.mu.Unlock()

	room, ok := ro.rooms[roomID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrRoomNotFound, roomID)
	}
	room.mu.Lock()
	for id := range room.members {
		delete(ro.memberRoom, id)
	}
	room.members = make(map[string]*Member)
	room.subs = make(map[string]map[string]struct{})
	room.mu.Unlock()

	delete(ro.rooms, roomID)
	return nil
}

// Join adds a member to a room and returns a handshake token for the
// signaling layer. The member starts in StateJoining until Activate.
func (ro *Roster) Join(roomID, memberID string, identityKey []byte, ratchetPub [32]byte) (string, error) {
	ro.mu.Lock()
	defer ro.mu.Unlock()

	room, ok := ro.rooms[roomID]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrRoomNotFound, roomID)
	}
	if current, active := ro.memberRoom[memberID]; active {
		if current == roomID {
			return "", fmt.Errorf("%w: %q in room %q", ErrDuplicateMember, memberID, roomID)
		}
		return "", fmt.Errorf("%w: %q active in %q", ErrDualMembership, memberID, current)
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	if len(room.members) >= room.maxMembers {
		return "", fmt.Errorf("%w: %q (%d/%d)", ErrRoomFull, roomID, len(room.members), room.maxMembers)
	}

	room.members[memberID] = &Member{
		ID:          memberID,
		IdentityKey: identityKey,
		RatchetPub:  ratchetPub,
		State:       StateJoining,
		CameraOn:    true,
		MicOn:       true,
		JoinedAt:    time.Now(),
	}
	ro.memberRoom[memberID] = roomID
	return xid.New().String(), nil
}

// Activate marks a joining member active once its handshake completes.
func (ro *Roster) Activate(roomID, memberID string) error {
	return ro.mutateMember(roomID, memberID, func(m *Member) {
		m.State = StateActive
	})
}

// Leave removes a member voluntarily.
func (ro *Roster) Leave(roomID, memberID string) error {
	return ro.removeMember(roomID, memberID, StateLeaving)
}

// Remove force-removes a member (moderator kick). The caller is trusted to
// have verified moderator privilege.
func (ro *Roster) Remove(roomID, memberID string) error {
	return ro.removeMember(roomID, memberID, StateRemoved)
}

func (ro *Roster) removeMember(roomID, memberID string, _ MemberState) error {
	ro.mu.Lock()
	defer ro.mu.Unlock()

	room, ok := ro.rooms[roomID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrRoomNotFound, roomID)
	}
	room.mu.Lock()
	defer room.mu.Unlock()

	if _, ok := room.members[memberID]; !ok {
		return fmt.Errorf("%w: %q in room %q", ErrMemberNotFound, memberID, roomID)
	}
	delete(room.members, memberID)
	delete(room.subs, memberID)
	for _, senders := range room.subs {
		delete(senders, memberID)
	}
	delete(ro.memberRoom, memberID)
	return nil
}

// MoveToBreakout atomically moves a member between rooms: leave(source) +
// join(target) under the roster lock, so the member is never active in both
// snapshots. If the target join fails the member stays in the source room.
func (ro *Roster) MoveToBreakout(memberID, sourceID, targetID string) error {
	ro.mu.Lock()
	defer ro.mu.Unlock()

	source, ok := ro.rooms[sourceID]
	if !ok {
		return fmt.Errorf("%w: source %q", ErrRoomNotFound, sourceID)
	}
	target, ok := ro.rooms[targetID]
	if !ok {
		return fmt.Errorf("%w: target %q", ErrRoomNotFound, targetID)
	}

	source.mu.Lock()
	member, ok := source.members[memberID]
	if !ok {
		source.mu.Unlock()
		return fmt.Errorf("%w: %q in room %q", ErrMemberNotFound, memberID, sourceID)
	}
	source.mu.Unlock()

	target.mu.Lock()
	if len(target.members) >= target.maxMembers {
		target.mu.Unlock()
		// Rollback: the member was never detached from source.
		return fmt.Errorf("%w: target %q", ErrRoomFull, targetID)
	}
	if _, dup := target.members[memberID]; dup {
		target.mu.Unlock()
		return fmt.Errorf("%w: %q in target %q", ErrDuplicateMember, memberID, targetID)
	}

	source.mu.Lock()
	delete(source.members, memberID)
	delete(source.subs, memberID)
	for _, senders := range source.subs {
		delete(senders, memberID)
	}
	source.mu.Unlock()

	target.members[memberID] = member
	target.mu.Unlock()

	ro.memberRoom[memberID] = targetID
	return nil
}

// mutateMember applies fn to one member under the room lock.
func (ro *Roster) mutateMember(roomID, memberID string, fn func(*Member)) error {
	room, ok := ro.Room(roomID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrRoomNotFound, roomID)
	}
	room.mu.Lock()
	defer room.mu.Unlock()

	m, ok := room.members[memberID]
	if !ok {
		return fmt.Errorf("%w: %q in room %q", ErrMemberNotFound, memberID, roomID)
	}
	fn(m)
	return nil
}

// SetRatchetPub stores a member's refreshed ratchet public key.
func (ro *Roster) SetRatchetPub(roomID, memberID string, pub [32]byte) error {
	return ro.mutateMember(roomID, memberID, func(m *Member) {
		m.RatchetPub = pub
	})
}

// SetMedia toggles a member's camera/mic state. Nil leaves a value unchanged.
func (ro *Roster) SetMedia(roomID, memberID string, camera, mic *bool) error {
	return ro.mutateMember(roomID, memberID, func(m *Member) {
		if camera != nil {
			m.CameraOn = *camera
		}
		if mic != nil {
			m.MicOn = *mic
		}
	})
}

// Subscribe records that receiver wants sender's media. Subscription changes
// never rotate keys; they only steer the router.
func (ro *Roster) Subscribe(roomID, receiverID, senderID string) error {
	room, ok := ro.Room(roomID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrRoomNotFound, roomID)
	}
	room.mu.Lock()
	defer room.mu.Unlock()

	if _, ok := room.members[receiverID]; !ok {
		return fmt.Errorf("%w: receiver %q", ErrMemberNotFound, receiverID)
	}
	if _, ok := room.members[senderID]; !ok {
		return fmt.Errorf("%w: sender %q", ErrMemberNotFound, senderID)
	}
	if room.subs[receiverID] == nil {
		room.subs[receiverID] = make(map[string]struct{})
	}
	room.subs[receiverID][senderID] = struct{}{}
	return nil
}

// Unsubscribe removes a subscription edge.
func (ro *Roster) Unsubscribe(roomID, receiverID, senderID string) error {
	room, ok := ro.Room(roomID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrRoomNotFound, roomID)
	}
	room.mu.Lock()
	defer room.mu.Unlock()

	if senders, ok := room.subs[receiverID]; ok {
		delete(senders, senderID)
	}
	return nil
}

// Subscribers returns all members currently subscribed to sender's media.
func (ro *Roster) Subscribers(roomID, senderID string) []string {
	room, ok := ro.Room(roomID)
	if !ok {
		return nil
	}
	room.mu.RLock()
	defer room.mu.RUnlock()

	var out []string
	for receiver, senders := range room.subs {
		if _, ok := senders[senderID]; ok {
			out = append(out, receiver)
		}
	}
	return out
}

// IsActiveMember reports whether memberID is a present member of roomID.
func (ro *Roster) IsActiveMember(roomID, memberID string) bool {
	room, ok := ro.Room(roomID)
	if !ok {
		return false
	}
	room.mu.RLock()
	defer room.mu.RUnlock()
	m, ok := room.members[memberID]
	return ok && m.State != StateRemoved
}

// Snapshot returns the membership snapshot (member id -> ratchet public key)
// used by the key engine when deriving a new epoch.
func (ro *Roster) Snapshot(roomID string) (map[string][32]byte, error) {
	room, ok := ro.Room(roomID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRoomNotFound, roomID)
	}
	room.mu.RLock()
	defer room.mu.RUnlock()

	snap := make(map[string][32]byte, len(room.members))
	for id, m := range room.members {
		snap[id] = m.RatchetPub
	}
	return snap, nil
}

// Members returns a copy of the room's member records.
func (ro *Roster) Members(roomID string) ([]Member, error) {
	room, ok := ro.Room(roomID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRoomNotFound, roomID)
	}
	room.mu.RLock()
	defer room.mu.RUnlock()

	out := make([]Member, 0, len(room.members))
	for _, m := range room.members {
		out = append(out, *m)
	}
	return out, nil
}

// MemberCount returns how many members the room currently has.
func (ro *Roster) MemberCount(roomID string) int {
	room, ok := ro.Room(roomID)
	if !ok {
		return 0
	}
	room.mu.RLock()
	defer room.mu.RUnlock()
	return len(room.members)
}

// RoomOf returns which room a member is currently active in.
func (ro *Roster) RoomOf(memberID string) (string, bool) {
	ro.mu.RLock()
	defer ro.mu.RUnlock()
	roomID, ok := ro.memberRoom[memberID]
	return roomID, ok
}
