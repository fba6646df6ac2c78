package keyring

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
)

var (
	ErrRoomExists      = errors.New("keyring: room already exists")
	ErrRoomNotFound    = errors.New("keyring: room not found")
	ErrEmptyMembership = errors.New("keyring: epoch requires at least one member")
	ErrEpochNotFound   = errors.New("keyring: epoch not retained")
	ErrMemberUnknown   = errors.New("keyring: member has no ratchet key in current snapshot")
)

// DefaultHistoryLimit is how many past epochs a room retains for
// late-arriving packets before keys are purged.
const DefaultHistoryLimit = 8

// MemberWrapError reports which member's ratchet key failed the per-member
// wrap step, so the caller can drop that member from the snapshot and retry.
type MemberWrapError struct {
	MemberID string
	Err      error
}

func (e *MemberWrapError) Error() string {
	return fmt.Sprintf("keyring: wrap for member %q: %v", e.MemberID, e.Err)
}

func (e *MemberWrapError) Unwrap() error { return e.Err }

// KeyUpdate carries one member's encrypted copy of a new epoch key. The blob
// is only decryptable with that member's ratchet private key.
type KeyUpdate struct {
	MemberID string
	Epoch    uint64
	Blob     []byte
}

// epochState is one epoch's key and membership snapshot. Immutable once
// created; superseded, never edited.
type epochState struct {
	number  uint64
	key     [MediaKeySize]byte
	members map[string]struct{}
	purged  bool
}

// roomKeys is the key store for a single room. Each room owns its state and
// lock so one room's keys are never reachable through another room's shard.
type roomKeys struct {
	mu       sync.Mutex
	id       string
	current  uint64
	epochs   map[uint64]*epochState
	snapshot map[string][32]byte // member -> ratchet public key at current epoch
}

// Keyring is the group key ratchet engine. It derives and rotates symmetric
// media keys per room and wraps them per member. Nothing outside this package
// holds epoch keys, except the recorder capsule path via EpochKey.
type Keyring struct {
	mu           sync.RWMutex
	rooms        map[string]*roomKeys
	historyLimit int
}

// New creates a Keyring retaining up to historyLimit past epochs per room.
func New(historyLimit int) *Keyring {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Keyring{
		rooms:        make(map[string]*roomKeys),
		historyLimit: historyLimit,
	}
}

// CreateRoom initialises key state for a room at epoch 0. Epoch 0 has no
// membership; the first AdvanceEpoch establishes epoch 1.
func (k *Keyring) CreateRoom(roomID string) (uint64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, exists := k.rooms[roomID]; exists {
		return 0, fmt.Errorf("%w: %q", ErrRoomExists, roomID)
	}
	k.rooms[roomID] = &roomKeys{
		id:       roomID,
		epochs:   make(map[uint64]*epochState),
		snapshot: make(map[string][32]byte),
	}
	return 0, nil
}

func (k *Keyring) room(roomID string) (*roomKeys, error) {
	k.mu.RLock()
	rk, ok := k.rooms[roomID]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRoomNotFound, roomID)
	}
	return rk, nil
}

// AdvanceEpoch generates a fresh media key for the next epoch and wraps it
// once per member of the new membership snapshot. Members absent from the
// snapshot receive nothing and so lose the ability to decrypt future frames.
// Zero-member epochs are rejected; destroy the room instead.
func (k *Keyring) AdvanceEpoch(roomID string, snapshot map[string][32]byte) (uint64, map[string]KeyUpdate, error) {
	if len(snapshot) == 0 {
		return 0, nil, fmt.Errorf("%w: room %q", ErrEmptyMembership, roomID)
	}
	rk, err := k.room(roomID)
	if err != nil {
		return 0, nil, err
	}

	rk.mu.Lock()
	defer rk.mu.Unlock()

	next := rk.current + 1

	var mediaKey [MediaKeySize]byte
	if _, err := io.ReadFull(rand.Reader, mediaKey[:]); err != nil {
		return 0, nil, fmt.Errorf("keyring: generate media key: %w", err)
	}

	updates := make(map[string]KeyUpdate, len(snapshot))
	members := make(map[string]struct{}, len(snapshot))
	for memberID, pub := range snapshot {
		blob, err := wrapMediaKey(roomID, next, mediaKey, pub)
		if err != nil {
			zeroize(mediaKey[:])
			return 0, nil, &MemberWrapError{MemberID: memberID, Err: err}
		}
		updates[memberID] = KeyUpdate{MemberID: memberID, Epoch: next, Blob: blob}
		members[memberID] = struct{}{}
	}

	es := &epochState{number: next, members: members}
	copy(es.key[:], mediaKey[:])
	zeroize(mediaKey[:])

	rk.epochs[next] = es
	rk.current = next
	rk.snapshot = make(map[string][32]byte, len(snapshot))
	for id, pub := range snapshot {
		rk.snapshot[id] = pub
	}

	rk.trimHistoryLocked(k.historyLimit)
	return next, updates, nil
}

// RotateMemberKey replaces one member's ratchet public key and advances the
// epoch with an otherwise unchanged membership snapshot. Used for periodic
// re-keying on long calls.
func (k *Keyring) RotateMemberKey(roomID, memberID string, newPub [32]byte) (uint64, map[string]KeyUpdate, error) {
	rk, err := k.room(roomID)
	if err != nil {
		return 0, nil, err
	}

	rk.mu.Lock()
	if _, ok := rk.snapshot[memberID]; !ok {
		rk.mu.Unlock()
		return 0, nil, fmt.Errorf("%w: %q in room %q", ErrMemberUnknown, memberID, roomID)
	}
	snapshot := make(map[string][32]byte, len(rk.snapshot))
	for id, pub := range rk.snapshot {
		snapshot[id] = pub
	}
	snapshot[memberID] = newPub
	rk.mu.Unlock()

	return k.AdvanceEpoch(roomID, snapshot)
}

// CurrentEpoch returns the room's current epoch number.
func (k *Keyring) CurrentEpoch(roomID string) (uint64, error) {
	rk, err := k.room(roomID)
	if err != nil {
		return 0, err
	}
	rk.mu.Lock()
	defer rk.mu.Unlock()
	return rk.current, nil
}

// EpochKey exports the symmetric key for one retained epoch. This exists
// solely for the opt-in recorder capsule; callers must log the export as a
// security-relevant event.
func (k *Keyring) EpochKey(roomID string, epoch uint64) ([MediaKeySize]byte, error) {
	var key [MediaKeySize]byte
	rk, err := k.room(roomID)
	if err != nil {
		return key, err
	}
	rk.mu.Lock()
	defer rk.mu.Unlock()

	es, ok := rk.epochs[epoch]
	if !ok || es.purged {
		return key, fmt.Errorf("%w: room %q epoch %d", ErrEpochNotFound, roomID, epoch)
	}
	copy(key[:], es.key[:])
	return key, nil
}

// EpochMembers reports whether memberID was in the membership snapshot of a
// retained epoch.
func (k *Keyring) EpochMembers(roomID string, epoch uint64) (map[string]struct{}, error) {
	rk, err := k.room(roomID)
	if err != nil {
		return nil, err
	}
	rk.mu.Lock()
	defer rk.mu.Unlock()

	es, ok := rk.epochs[epoch]
	if !ok {
		return nil, fmt.Errorf("%w: room %q epoch %d", ErrEpochNotFound, roomID, epoch)
	}
	members := make(map[string]struct{}, len(es.members))
	for id := range es.members {
		members[id] = struct{}{}
	}
	return members, nil
}

// PurgeBefore zeroizes and drops every retained epoch older than keepFrom.
// Called at grace-window expiry; keys are destroyed promptly rather than left
// for the garbage collector.
func (k *Keyring) PurgeBefore(roomID string, keepFrom uint64) error {
	rk, err := k.room(roomID)
	if err != nil {
		return err
	}
	rk.mu.Lock()
	defer rk.mu.Unlock()

	for n, es := range rk.epochs {
		if n < keepFrom {
			zeroize(es.key[:])
			es.purged = true
			delete(rk.epochs, n)
		}
	}
	return nil
}

// DestroyRoom zeroizes all retained keys and removes the room's key state.
func (k *Keyring) DestroyRoom(roomID string) error {
	k.mu.Lock()
	rk, ok := k.rooms[roomID]
	if !ok {
		k.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrRoomNotFound, roomID)
	}
	delete(k.rooms, roomID)
	k.mu.Unlock()

	rk.mu.Lock()
	defer rk.mu.Unlock()
	for n, es := range rk.epochs {
		zeroize(es.key[:])
		delete(rk.epochs, n)
	}
	return nil
}

// trimHistoryLocked enforces the bounded epoch retention window. Caller holds
// rk.mu.
func (rk *roomKeys) trimHistoryLocked(limit int) {
	for n, es := range rk.epochs {
		if rk.current >= uint64(limit) && n <= rk.current-uint64(limit) {
			zeroize(es.key[:])
			delete(rk.epochs, n)
		}
	}
}
