package events

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of event flowing through the system.
type EventType string

const (
	RoomCreated     EventType = "room.created"
	RoomClosed      EventType = "room.closed"
	MemberJoined    EventType = "member.joined"
	MemberLeft      EventType = "member.left"
	MemberRemoved   EventType = "member.removed"
	BreakoutMoved   EventType = "breakout.moved"
	EpochAdvanced   EventType = "epoch.advanced"
	MemberEvicted   EventType = "member.evicted"
	CapsuleEmitted  EventType = "recording.capsule"
	MediaToggled    EventType = "media.toggled"
	KeyUpdate       EventType = "key.update"
	WebhookTest     EventType = "webhook.test"
	SystemError     EventType = "error"
)

// Envelope is the standard event wrapper published to the event bus.
type Envelope struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Source    string            `json:"source"`
	RoomID    string            `json:"room_id"`
	Timestamp time.Time         `json:"timestamp"`
	Data      json.RawMessage   `json:"data"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// RoomCreatedData is the payload for room.created events.
type RoomCreatedData struct {
	Name       string `json:"name"`
	HostID     string `json:"host_id"`
	JoinURL    string `json:"join_url"`
	MaxMembers int    `json:"max_members"`
	ParentID   string `json:"parent_id,omitempty"`
}

// RoomClosedData is the payload for room.closed events.
type RoomClosedData struct {
	Reason       string `json:"reason"`
	RecordingURL string `json:"recording_url,omitempty"`
	DurationMs   int64  `json:"duration_ms"`
}

// MemberJoinedData is the payload for member.joined events.
type MemberJoinedData struct {
	MemberID string `json:"member_id"`
}

// MemberLeftData is the payload for member.left and member.removed events.
type MemberLeftData struct {
	MemberID string `json:"member_id"`
	Reason   string `json:"reason,omitempty"`
}

// BreakoutMovedData is the payload for breakout.moved events.
type BreakoutMovedData struct {
	MemberID   string `json:"member_id"`
	SourceRoom string `json:"source_room"`
	TargetRoom string `json:"target_room"`
}

// EpochAdvancedData is the payload for epoch.advanced events. It carries the
// epoch number and member count only, never key material.
type EpochAdvancedData struct {
	Epoch       uint64 `json:"epoch"`
	MemberCount int    `json:"member_count"`
}

// MemberEvictedData is the payload for member.evicted events, emitted when a
// member is dropped from a pending snapshot after a failed key wrap.
type MemberEvictedData struct {
	MemberID string `json:"member_id"`
	Error    string `json:"error"`
}

// CapsuleEmittedData is the payload for recording.capsule events. The capsule
// key itself goes only to the recorder; the event records that the export
// happened.
type CapsuleEmittedData struct {
	Epoch uint64 `json:"epoch"`
}

// KeyUpdateData is the payload for key.update events on the signaling queue.
// The blob is wrapped to the addressed member and opaque to the broker.
type KeyUpdateData struct {
	MemberID string `json:"member_id"`
	Epoch    uint64 `json:"epoch"`
	Blob     []byte `json:"blob"`
}

// WebhookTestData is the payload for webhook.test events.
type WebhookTestData struct {
	WebhookID string `json:"webhook_id"`
	Message   string `json:"message"`
}

// MediaToggledData is the payload for media.toggled events.
type MediaToggledData struct {
	MemberID string `json:"member_id"`
	CameraOn bool   `json:"camera_on"`
	MicOn    bool   `json:"mic_on"`
}
