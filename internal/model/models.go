package model

import (
	"time"

	"gorm.io/datatypes"
)

type User struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	Username     string `gorm:"unique;not null"`
	PasswordHash string `gorm:"not null" json:"-"`
	DisplayName  string
	Status       string `gorm:"default:active;not null"` // active/banned
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Match is the durable record written once a pairing is confirmed by
// both sides. PlayerAID/PlayerBID are always distinct.
type Match struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	PlayerAID   int64  `gorm:"index;not null"`
	PlayerBID   int64  `gorm:"index;not null"`
	SportType   string `gorm:"not null"`
	SkillLevel  string `gorm:"not null"`
	Status      string `gorm:"default:scheduled;not null"` // scheduled/completed/cancelled
	DetailsJSON datatypes.JSON
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
