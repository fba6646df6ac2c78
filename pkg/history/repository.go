package history

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/pitabwire/frame/datastore/pool"
)

// Repository persists room and participant history.
type Repository struct {
	pool pool.Pool
}

// NewRepository creates a new history repository.
func NewRepository(pool pool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) db(ctx context.Context, readOnly bool) *gorm.DB {
	return r.pool.DB(ctx, readOnly)
}

// RoomStarted records a new active room.
func (r *Repository) RoomStarted(ctx context.Context, roomID, name, hostID string, maxMembers int) error {
	rec := &RoomRecord{
		RoomID:     roomID,
		Name:       name,
		HostID:     hostID,
		MaxMembers: maxMembers,
		Status:     StatusActive,
		StartedAt:  sql.NullTime{Time: time.Now(), Valid: true},
	}
	return r.db(ctx, false).Create(rec).Error
}

// RoomEnded closes out a room record and any participant rows still open.
func (r *Repository) RoomEnded(ctx context.Context, roomID, recordingURL string) error {
	now := sql.NullTime{Time: time.Now(), Valid: true}
	db := r.db(ctx, false)

	err := db.Model(&RoomRecord{}).
		Where("room_id = ? AND status = ?", roomID, StatusActive).
		Updates(map[string]interface{}{
			"status":        StatusEnded,
			"ended_at":      now,
			"recording_url": recordingURL,
		}).Error
	if err != nil {
		return err
	}
	return db.Model(&ParticipantRecord{}).
		Where("room_id = ? AND left_at IS NULL", roomID).
		Update("left_at", now).Error
}

// MemberJoined records one join as a fresh participant row.
func (r *Repository) MemberJoined(ctx context.Context, roomID, memberID string) error {
	rec := &ParticipantRecord{
		RoomID:   roomID,
		MemberID: memberID,
		JoinedAt: sql.NullTime{Time: time.Now(), Valid: true},
		CameraOn: true,
		MicOn:    true,
	}
	return r.db(ctx, false).Create(rec).Error
}

// MemberLeft stamps the member's open participant row.
func (r *Repository) MemberLeft(ctx context.Context, roomID, memberID string) error {
	return r.db(ctx, false).Model(&ParticipantRecord{}).
		Where("room_id = ? AND member_id = ? AND left_at IS NULL", roomID, memberID).
		Update("left_at", sql.NullTime{Time: time.Now(), Valid: true}).Error
}

// MediaToggled updates camera/mic state on the member's open participant row.
func (r *Repository) MediaToggled(ctx context.Context, roomID, memberID string, cameraOn, micOn bool) error {
	return r.db(ctx, false).Model(&ParticipantRecord{}).
		Where("room_id = ? AND member_id = ? AND left_at IS NULL", roomID, memberID).
		Updates(map[string]interface{}{"camera_on": cameraOn, "mic_on": micOn}).Error
}

// StoreCapsule persists one exported epoch key for a recording room.
func (r *Repository) StoreCapsule(ctx context.Context, roomID string, epoch uint64, key []byte, notBefore, notAfter time.Time) error {
	rec := &CapsuleRecord{
		RoomID:    roomID,
		Epoch:     epoch,
		Key:       append([]byte(nil), key...),
		NotBefore: sql.NullTime{Time: notBefore, Valid: !notBefore.IsZero()},
		NotAfter:  sql.NullTime{Time: notAfter, Valid: !notAfter.IsZero()},
	}
	return r.db(ctx, false).Create(rec).Error
}

// Capsules returns the epoch keys covering one room's recording, in epoch
// order.
func (r *Repository) Capsules(ctx context.Context, roomID string) ([]CapsuleRecord, error) {
	var caps []CapsuleRecord
	err := r.db(ctx, true).
		Where("room_id = ?", roomID).
		Order("epoch ASC").
		Find(&caps).Error
	return caps, err
}

// PurgeCapsules deletes all stored keys for a room, used when the recording
// itself is deleted.
func (r *Repository) PurgeCapsules(ctx context.Context, roomID string) error {
	return r.db(ctx, false).
		Where("room_id = ?", roomID).
		Delete(&CapsuleRecord{}).Error
}

// ActiveRooms lists rooms not yet ended.
func (r *Repository) ActiveRooms(ctx context.Context) ([]RoomRecord, error) {
	var rooms []RoomRecord
	err := r.db(ctx, true).
		Where("status = ?", StatusActive).
		Order("created_at DESC").
		Find(&rooms).Error
	return rooms, err
}

// UserHistory returns the rooms a member has attended, newest first.
func (r *Repository) UserHistory(ctx context.Context, memberID string, limit int) ([]RoomRecord, error) {
	var parts []ParticipantRecord
	q := r.db(ctx, true).
		Where("member_id = ?", memberID).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&parts).Error; err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, nil
	}

	seen := make(map[string]struct{}, len(parts))
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		if _, dup := seen[p.RoomID]; dup {
			continue
		}
		seen[p.RoomID] = struct{}{}
		ids = append(ids, p.RoomID)
	}

	var rooms []RoomRecord
	err := r.db(ctx, true).
		Where("room_id IN ?", ids).
		Order("created_at DESC").
		Find(&rooms).Error
	return rooms, err
}

// Stats summarizes one room: duration, join events, and peak concurrency.
func (r *Repository) Stats(ctx context.Context, roomID string) (*RoomStats, error) {
	var room RoomRecord
	if err := r.db(ctx, true).Where("room_id = ?", roomID).First(&room).Error; err != nil {
		return nil, err
	}

	var parts []ParticipantRecord
	if err := r.db(ctx, true).Where("room_id = ?", roomID).Find(&parts).Error; err != nil {
		return nil, err
	}

	stats := &RoomStats{
		RoomID:           roomID,
		Name:             room.Name,
		Status:           room.Status,
		JoinEvents:       int64(len(parts)),
		PeakParticipants: peakConcurrent(parts),
		RecordingURL:     room.RecordingURL,
	}
	if room.StartedAt.Valid {
		end := time.Now()
		if room.EndedAt.Valid {
			end = room.EndedAt.Time
		}
		stats.DurationMinutes = int64(end.Sub(room.StartedAt.Time).Minutes())
	}
	return stats, nil
}

// peakConcurrent sweeps join/leave boundaries to find the highest
// simultaneous participant count. Open rows count until now.
func peakConcurrent(parts []ParticipantRecord) int64 {
	type boundary struct {
		at    time.Time
		delta int
	}
	var bounds []boundary
	now := time.Now()
	for _, p := range parts {
		if !p.JoinedAt.Valid {
			continue
		}
		bounds = append(bounds, boundary{at: p.JoinedAt.Time, delta: 1})
		left := now
		if p.LeftAt.Valid {
			left = p.LeftAt.Time
		}
		bounds = append(bounds, boundary{at: left, delta: -1})
	}
	sort.Slice(bounds, func(i, j int) bool {
		if bounds[i].at.Equal(bounds[j].at) {
			// Leaves sort before joins at the same instant.
			return bounds[i].delta < bounds[j].delta
		}
		return bounds[i].at.Before(bounds[j].at)
	})

	var cur, peak int64
	for _, b := range bounds {
		cur += int64(b.delta)
		if cur > peak {
			peak = cur
		}
	}
	return peak
}
