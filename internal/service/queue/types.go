package queue

import (
	"fmt"
	"time"

	appErr "maidan-service/pkg/errors"
)

var sportTypes = map[string]bool{
	"FOOTBALL":   true,
	"FUTSAL":     true,
	"BASKETBALL": true,
	"BADMINTON":  true,
	"CRICKET":    true,
	"VOLLEYBALL": true,
}

var skillLevels = map[string]bool{
	"BEGINNER":     true,
	"INTERMEDIATE": true,
	"ADVANCED":     true,
	"PROFESSIONAL": true,
}

// BucketKey identifies one waiting list.
type BucketKey struct {
	SportType  string `json:"sportType"`
	SkillLevel string `json:"skillLevel"`
}

func NewBucketKey(sportType, skillLevel string) (BucketKey, error) {
	if !sportTypes[sportType] {
		return BucketKey{}, fmt.Errorf("%w: unknown sport type %q", appErr.ErrInvalidPayload, sportType)
	}
	if !skillLevels[skillLevel] {
		return BucketKey{}, fmt.Errorf("%w: unknown skill level %q", appErr.ErrInvalidPayload, skillLevel)
	}
	return BucketKey{SportType: sportType, SkillLevel: skillLevel}, nil
}

// Ticket is one waiting participant. The JSON encoding doubles as the
// Redis list element and the reverse-index value, so removal can match
// the exact payload.
type Ticket struct {
	ConnID     string    `json:"connId"`
	UserID     int64     `json:"userId"`
	GroupID    string    `json:"groupId,omitempty"`
	SportType  string    `json:"sportType"`
	SkillLevel string    `json:"skillLevel"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

func (t Ticket) Bucket() BucketKey {
	return BucketKey{SportType: t.SportType, SkillLevel: t.SkillLevel}
}

type QueueStatus string

const (
	QueueStatusIdle    QueueStatus = "idle"
	QueueStatusQueued  QueueStatus = "queued"
	QueueStatusPending QueueStatus = "pending"
)

type StatusResult struct {
	Status     QueueStatus `json:"status"`
	SportType  string      `json:"sportType,omitempty"`
	SkillLevel string      `json:"skillLevel,omitempty"`
	PendingID  string      `json:"pendingId,omitempty"`
	EnqueuedAt *time.Time  `json:"enqueuedAt,omitempty"`
}

func buildBucketRedisKey(key BucketKey) string {
	return fmt.Sprintf("bucket:%s:%s", key.SportType, key.SkillLevel)
}

func buildConnIndexKey(connID string) string {
	return fmt.Sprintf("queue:conn:%s", connID)
}

func buildPendingSlotKey(connID string) string {
	return fmt.Sprintf("queue:slot:%s", connID)
}
