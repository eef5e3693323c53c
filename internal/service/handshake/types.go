package handshake

import (
	"fmt"
	"time"
)

// Slot is one side of a proposed pairing. A slot is binary
// accepted/not-accepted; there is no draw state.
type Slot struct {
	UserID   int64  `json:"userId"`
	ConnID   string `json:"connId"`
	Accepted bool   `json:"accepted"`
}

// PendingMatch is a proposed pairing awaiting mutual confirmation.
// ExpiresAt is the logical deadline; the Redis record outlives it so
// the non-declining side can still be requeued after expiry.
type PendingMatch struct {
	ID         string    `json:"id"`
	SportType  string    `json:"sportType"`
	SkillLevel string    `json:"skillLevel"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	SlotA      Slot      `json:"slotA"`
	SlotB      Slot      `json:"slotB"`
}

func (p *PendingMatch) expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// slotFor returns the caller's slot and the opposing slot, or nil when
// the identity is in neither.
func (p *PendingMatch) slotFor(userID int64) (own, other *Slot) {
	switch userID {
	case p.SlotA.UserID:
		return &p.SlotA, &p.SlotB
	case p.SlotB.UserID:
		return &p.SlotB, &p.SlotA
	default:
		return nil, nil
	}
}

func buildPendingKey(id string) string {
	return fmt.Sprintf("match:pending:%s", id)
}

func buildLockKey(id string) string {
	return fmt.Sprintf("match:lock:%s", id)
}
