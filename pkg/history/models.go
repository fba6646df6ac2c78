package history

import (
	"database/sql"

	"github.com/pitabwire/frame/data"
)

// Room statuses.
const (
	StatusActive = "active"
	StatusEnded  = "ended"
)

// RoomRecord is the persisted lifetime of one room.
type RoomRecord struct {
	data.BaseModel

	RoomID       string       `gorm:"type:varchar(50);not null;uniqueIndex:idx_rr_room" json:"room_id"`
	Name         string       `gorm:"type:varchar(255)"                                  json:"name"`
	HostID       string       `gorm:"type:varchar(50)"                                   json:"host_id"`
	MaxMembers   int          `gorm:"default:0"                                          json:"max_members"`
	Status       string       `gorm:"type:varchar(20);not null;index:idx_rr_status"      json:"status"`
	StartedAt    sql.NullTime `json:"started_at,omitempty"`
	EndedAt      sql.NullTime `json:"ended_at,omitempty"`
	RecordingURL string       `gorm:"type:varchar(2048)"                                 json:"recording_url,omitempty"`
}

func (RoomRecord) TableName() string { return "room_records" }

// ParticipantRecord is one member's presence in a room, one row per join.
type ParticipantRecord struct {
	data.BaseModel

	RoomID   string       `gorm:"type:varchar(50);not null;index:idx_pr_room"   json:"room_id"`
	MemberID string       `gorm:"type:varchar(50);not null;index:idx_pr_member" json:"member_id"`
	JoinedAt sql.NullTime `json:"joined_at,omitempty"`
	LeftAt   sql.NullTime `json:"left_at,omitempty"`
	CameraOn bool         `gorm:"default:true" json:"camera_on"`
	MicOn    bool         `gorm:"default:true" json:"mic_on"`
}

func (ParticipantRecord) TableName() string { return "participant_records" }

// CapsuleRecord holds one exported epoch key for a recording room. Access to
// this table is the recording trust boundary; rows are deleted when the
// recording's retention window lapses.
type CapsuleRecord struct {
	data.BaseModel

	RoomID    string       `gorm:"type:varchar(50);not null;index:idx_cr_room" json:"room_id"`
	Epoch     uint64       `gorm:"not null"                                    json:"epoch"`
	Key       []byte       `gorm:"type:bytea;not null"                         json:"-"`
	NotBefore sql.NullTime `json:"not_before,omitempty"`
	NotAfter  sql.NullTime `json:"not_after,omitempty"`
}

func (CapsuleRecord) TableName() string { return "capsule_records" }

// RoomStats summarizes one room's activity.
type RoomStats struct {
	RoomID           string `json:"room_id"`
	Name             string `json:"name"`
	Status           string `json:"status"`
	DurationMinutes  int64  `json:"duration_minutes"`
	JoinEvents       int64  `json:"join_events"`
	PeakParticipants int64  `json:"peak_participants"`
	RecordingURL     string `json:"recording_url,omitempty"`
}
