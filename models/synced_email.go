package models

import (
	"time"

	"gorm.io/datatypes"
)

// Canonical folders a synced message can be filed under.
const (
	FolderInbox   = "inbox"
	FolderSent    = "sent"
	FolderDrafts  = "drafts"
	FolderSpam    = "spam"
	FolderTrash   = "trash"
	FolderArchive = "archive"
)

// SyncedEmail is one provider message stored locally.
// (AccountID, ProviderMessageID) is unique; re-ingesting a message is a no-op.
type SyncedEmail struct {
	ID                uint   `gorm:"primaryKey" json:"id"`
	AccountID         string `gorm:"type:varchar(64);not null;uniqueIndex:idx_synced_account_message" json:"account_id"`
	ProviderMessageID string `gorm:"not null;uniqueIndex:idx_synced_account_message" json:"provider_message_id"`
	ThreadID          string `gorm:"index" json:"thread_id"`

	Folder  string         `gorm:"type:varchar(16);not null;index" json:"folder"`
	Folders datatypes.JSON `json:"folders"`

	FromAddress string         `gorm:"index" json:"from_address"`
	FromName    string         `json:"from_name"`
	To          datatypes.JSON `json:"to"`
	Cc          datatypes.JSON `json:"cc"`
	Bcc         datatypes.JSON `json:"bcc"`

	Subject  string `json:"subject"`
	Snippet  string `json:"snippet"`
	Body     string `gorm:"type:text" json:"body"`
	BodyHTML string `gorm:"type:text" json:"body_html"`

	ReceivedAt     time.Time      `gorm:"index" json:"received_at"`
	IsRead         bool           `gorm:"default:false" json:"is_read"`
	IsStarred      bool           `gorm:"default:false" json:"is_starred"`
	HasAttachments bool           `gorm:"default:false" json:"has_attachments"`
	Attachments    datatypes.JSON `json:"attachments"`

	CreatedAt time.Time `json:"created_at"`
}

// EmailAddress is the stored form of a sender or recipient.
type EmailAddress struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// AttachmentMeta is the fixed attachment shape stored on SyncedEmail.
type AttachmentMeta struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	ContentID   string `json:"content_id,omitempty"`
	Inline      bool   `json:"inline"`
}
