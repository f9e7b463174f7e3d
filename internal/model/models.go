package model

import (
	"time"

	"gorm.io/datatypes"
)

// 1. Identity

type User struct {
	ID               int64  `gorm:"primaryKey;autoIncrement"`
	Nickname         string `gorm:"not null"`
	Service          string // discord/twitch/jklm/guest
	ServiceID        string
	PlatformUsername string // permanent quiz-platform username, distinct from nickname
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CategoryRating holds the per-category skill value adjusted after each match.
type CategoryRating struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	UserID      int64  `gorm:"uniqueIndex:idx_user_category;not null"`
	Category    string `gorm:"uniqueIndex:idx_user_category;not null"`
	Rating      int    `gorm:"default:1000;not null"`
	GamesPlayed int    `gorm:"default:0;not null"`
	WinStreak   int    `gorm:"default:0;not null"`
	UpdatedAt   time.Time
}

// 2. Matches

// PendingMatch tracks a spawned bot until it reports completion or cancellation.
type PendingMatch struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	RoomCode    string `gorm:"unique;not null"`
	Category    string `gorm:"not null"`
	PlayersJSON datatypes.JSON
	BotPID      int
	CreatedAt   time.Time
}

type MatchRecord struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	RoomCode       string `gorm:"index;not null"`
	Category       string `gorm:"not null"`
	StartedAt      time.Time
	EndedAt        *time.Time
	Cancelled      bool
	CancelReason   string
	PlacementsJSON datatypes.JSON
	CreatedAt      time.Time
}

type MatchAnswerRecord struct {
	ID            int64 `gorm:"primaryKey;autoIncrement"`
	MatchRecordID int64 `gorm:"index;not null"`
	PeerID        int
	RoundIndex    int
	QuestionHash  string
	Answer        string
	PlayerAnswer  string
	ElapsedMs     int64
}

// 3. Question store

type Question struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	Fingerprint string `gorm:"unique;not null"`
	Prompt      string
	Answer      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
