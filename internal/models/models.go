package models

import (
	"time"

	"gorm.io/datatypes"
)

// Profile is a cross-platform person
type Profile struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	GlobalName  *string   `gorm:"column:global_name" json:"global_name"`
	Avatar      *string   `gorm:"column:avatar" json:"avatar"`
	CanonicalID *string   `gorm:"column:canonical_id" json:"canonical_id"`
	CreatedAt   time.Time `gorm:"column:created_at" json:"created_at"`

	// Relationships
	PlatformUsers []PlatformUser `gorm:"foreignKey:ProfileID" json:"platform_users,omitempty"`
}

func (Profile) TableName() string { return "profile" }

// PlatformUser is one platform account bound to exactly one profile.
// (platform, platform_user_id) is unique.
type PlatformUser struct {
	ID             uint    `gorm:"primaryKey" json:"id"`
	ProfileID      uint    `gorm:"column:profile_id;not null" json:"profile_id"`
	Platform       string  `gorm:"column:platform;not null" json:"platform"`
	PlatformUserID string  `gorm:"column:platform_user_id;not null" json:"platform_user_id"`
	Username       *string `gorm:"column:username" json:"username"`
}

func (PlatformUser) TableName() string { return "platform_user" }

// Chat is a conversation thread, keyed by a deterministic canon id
type Chat struct {
	ID      uint    `gorm:"primaryKey" json:"id"`
	CanonID string  `gorm:"column:canon_id" json:"canon_id"`
	Name    *string `gorm:"column:name" json:"name"`
	Avatar  *string `gorm:"column:avatar" json:"avatar"`
	Type    *string `gorm:"column:type" json:"type"`
}

func (Chat) TableName() string { return "chat" }

// Message is unique on (chat_id, timestamp, text)
type Message struct {
	ID         uint    `gorm:"primaryKey" json:"id"`
	PlatformID *string `gorm:"column:platform_id" json:"platform_id"`
	UserID     uint    `gorm:"column:user_id" json:"user_id"`
	ChatID     uint    `gorm:"column:chat_id" json:"chat_id"`
	Text       string  `gorm:"column:text" json:"text"`
	Emotion    *string `gorm:"column:emotion" json:"emotion"`
	Timestamp  string  `gorm:"column:timestamp" json:"timestamp"`
	ReplyTo    *uint   `gorm:"column:reply_to" json:"reply_to"`

	// Relationships
	Media []Media `gorm:"foreignKey:MessageID" json:"media,omitempty"`
}

func (Message) TableName() string { return "message" }

// Media is a cached attachment of a message; Path points into the cache
type Media struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	MessageID uint   `gorm:"column:message_id;not null" json:"message_id"`
	Type      string `gorm:"column:type;not null" json:"type"` // photo, video, animation, file
	Path      string `gorm:"column:path;not null" json:"path"`
}

func (Media) TableName() string { return "media" }

// MergeHistory is the reversal ledger row written by a merge and consumed by the matching unmerge
type MergeHistory struct {
	ID          uint                      `gorm:"primaryKey" json:"id"`
	PrimaryID   uint                      `gorm:"column:primary_id;not null" json:"primary_id"`
	SecondaryID uint                      `gorm:"column:secondary_id;not null" json:"secondary_id"`
	PlatformIDs datatypes.JSONSlice[uint] `gorm:"column:platform_ids;not null" json:"platform_ids"`
	MsgIDs      datatypes.JSONSlice[uint] `gorm:"column:msg_ids" json:"msg_ids"`
	OldName     *string                   `gorm:"column:old_name" json:"old_name"`
	OldAvatar   *string                   `gorm:"column:old_avatar" json:"old_avatar"`
	OldCanon    *string                   `gorm:"column:old_canon" json:"old_canon"`
	MergedAt    time.Time                 `gorm:"column:merged_at;autoCreateTime" json:"merged_at"`
}

func (MergeHistory) TableName() string { return "merge_history" }

// HasPlatformUser reports whether the ledger row recorded the given platform account
func (h MergeHistory) HasPlatformUser(id uint) bool {
	for _, pid := range h.PlatformIDs {
		if pid == id {
			return true
		}
	}
	return false
}

// Stats is the single derived aggregate row (id = 1)
type Stats struct {
	ID         uint    `gorm:"primaryKey" json:"-"`
	Version    string  `gorm:"column:version" json:"version"`
	Messages   int64   `gorm:"column:messages" json:"messages"`
	Uploads    int64   `gorm:"column:uploads" json:"uploads"`
	Profiles   int64   `gorm:"column:profiles" json:"profiles"`
	LastUpload *string `gorm:"column:last_upload" json:"last_upload"`
}

func (Stats) TableName() string { return "stats" }
