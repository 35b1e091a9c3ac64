package types

import "time"

// Provider identifies the remote mail provider kind for an account.
type Provider string

const (
	ProviderIMAP Provider = "imap"
)

// FolderRole is the functional role of a folder, distinct from its
// display name.
type FolderRole string

const (
	RoleInbox  FolderRole = "inbox"
	RoleDrafts FolderRole = "drafts"
	RoleSent   FolderRole = "sent"
	RoleOutbox FolderRole = "outbox"
	RoleTrash  FolderRole = "trash"
	RoleOther  FolderRole = "other"
)

// Account represents a signed-in mail account.
type Account struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Provider    Provider   `json:"provider"`
	AuthOK      bool       `json:"auth_ok"`
	FolderToken string     `json:"folder_token"`
	LastSyncAt  *time.Time `json:"last_sync_at,omitempty"`
	StaleWarned bool       `json:"stale_warned"`
}

// Folder represents a mail folder/label. The ID is locally generated and
// stable even if the provider renames or re-issues the remote identifier.
type Folder struct {
	ID           string     `json:"id"`
	AccountID    string     `json:"account_id"`
	RemoteID     string     `json:"remote_id"`
	Name         string     `json:"name"`
	Role         FolderRole `json:"role"`
	MessageToken string     `json:"message_token"`
	Provisional  bool       `json:"provisional"`
}

// Message represents a mail message header. Folder membership is never
// stored here; it lives exclusively in the message/folder association
// table as a many-to-many relationship.
type Message struct {
	ID              string    `json:"id"`
	AccountID       string    `json:"account_id"`
	RemoteID        string    `json:"remote_id"`
	Subject         string    `json:"subject"`
	Sender          string    `json:"sender"`
	Date            time.Time `json:"date"`
	IsRead          bool      `json:"is_read"`
	IsStarred       bool      `json:"is_starred"`
	LocallyModified bool      `json:"locally_modified"`
	IsDraft         bool      `json:"is_draft"`
	LastSyncError   string    `json:"last_sync_error,omitempty"`
}

// BlobKind distinguishes cached message bodies from cached attachments.
type BlobKind string

const (
	BlobBody       BlobKind = "body"
	BlobAttachment BlobKind = "attachment"
)

// ActionKind enumerates the user-initiated mutations the engine can
// queue and replay against the provider.
type ActionKind string

const (
	ActionSend       ActionKind = "send"
	ActionDelete     ActionKind = "delete"
	ActionMove       ActionKind = "move"
	ActionMarkRead   ActionKind = "mark_read"
	ActionMarkUnread ActionKind = "mark_unread"
	ActionStar       ActionKind = "star"
	ActionUnstar     ActionKind = "unstar"
)

// ActionStatus is the lifecycle state of a queued mutation.
type ActionStatus string

const (
	ActionPending  ActionStatus = "pending"
	ActionRetrying ActionStatus = "retrying"
	ActionFailed   ActionStatus = "failed"
)

// PendingAction is a durably recorded user mutation awaiting upload.
type PendingAction struct {
	ID             string       `json:"id"`
	AccountID      string       `json:"account_id"`
	Kind           ActionKind   `json:"kind"`
	TargetID       string       `json:"target_id"`
	Payload        string       `json:"payload,omitempty"`
	AttemptCount   int          `json:"attempt_count"`
	Status         ActionStatus `json:"status"`
	LastError      string       `json:"last_error,omitempty"`
	NextEligibleAt time.Time    `json:"next_eligible_at"`
	CreatedAt      time.Time    `json:"created_at"`
}

// FolderDTO is the provider-reported shape of a folder, as returned by
// the mail API adapter.
type FolderDTO struct {
	RemoteID string     `json:"remote_id"`
	Name     string     `json:"name"`
	Role     FolderRole `json:"role"`
}

// MessageDTO is the provider-reported shape of a message header.
// FolderRemoteIDs is the complete, authoritative label set for the
// message as of this delta.
type MessageDTO struct {
	RemoteID        string    `json:"remote_id"`
	Subject         string    `json:"subject"`
	Sender          string    `json:"sender"`
	Date            time.Time `json:"date"`
	IsRead          bool      `json:"is_read"`
	IsStarred       bool      `json:"is_starred"`
	IsDraft         bool      `json:"is_draft"`
	FolderRemoteIDs []string  `json:"folder_remote_ids"`
}

// AttachmentDTO describes one attachment of a fetched message body.
type AttachmentDTO struct {
	ID        string `json:"id"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
}

// BodyContent is the parsed content of a fully fetched message.
type BodyContent struct {
	Text        string          `json:"text"`
	HTML        string          `json:"html,omitempty"`
	Attachments []AttachmentDTO `json:"attachments,omitempty"`
}
