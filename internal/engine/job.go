package engine

import "fmt"

// Level is a strict priority partition. A job at level N is only pulled
// when no eligible job exists at any level below N.
type Level int

const (
	// LevelUserImmediate covers work the user is actively waiting on:
	// pull-to-refresh, opening a message, scrolling into the next page.
	LevelUserImmediate Level = 1
	// LevelUserIntent covers uploading queued user mutations.
	LevelUserIntent Level = 2
	// LevelProviderPriority is reserved for provider-priority work such
	// as searches. No job kind maps to it yet.
	LevelProviderPriority Level = 3
	// LevelBackground covers freshness polling, backfill and eviction.
	LevelBackground Level = 4
)

// Job is the sealed set of schedulable work units. The controller's
// dispatch switch handles every kind; a new kind must be added there.
type Job interface {
	// Key identifies the job for submission-time deduplication.
	Key() string
	// Level returns the job's priority partition.
	Level() Level
	// AccountID returns the owning account, or "" for global jobs.
	AccountID() string

	// isJob seals the interface to prevent external implementations.
	isJob()
}

// Ensure all job types implement Job.
func (RefreshFolderList) isJob()  {}
func (ForceRefreshFolder) isJob() {}
func (FetchNextPage) isJob()      {}
func (CheckForNewMail) isJob()    {}
func (FetchFullBody) isJob()      {}
func (FetchAttachment) isJob()    {}
func (UploadActions) isJob()      {}
func (RunCacheEviction) isJob()   {}

// RefreshFolderList reconciles an account's folder list.
type RefreshFolderList struct {
	Account       string
	UserInitiated bool
}

func (j RefreshFolderList) Key() string       { return "refresh-folders:" + j.Account }
func (j RefreshFolderList) AccountID() string { return j.Account }
func (j RefreshFolderList) Level() Level {
	if j.UserInitiated {
		return LevelUserImmediate
	}
	return LevelBackground
}

// ForceRefreshFolder reconciles one folder's message list on user demand
// (pull-to-refresh).
type ForceRefreshFolder struct {
	Account  string
	FolderID string
}

func (j ForceRefreshFolder) Key() string       { return "refresh-folder:" + j.FolderID }
func (j ForceRefreshFolder) AccountID() string { return j.Account }
func (j ForceRefreshFolder) Level() Level      { return LevelUserImmediate }

// FetchNextPage continues a folder's pagination, either because the user
// is scrolling (immediate) or as self-perpetuating backfill (background).
type FetchNextPage struct {
	Account       string
	FolderID      string
	UserInitiated bool
}

func (j FetchNextPage) Key() string       { return "next-page:" + j.FolderID }
func (j FetchNextPage) AccountID() string { return j.Account }
func (j FetchNextPage) Level() Level {
	if j.UserInitiated {
		return LevelUserImmediate
	}
	return LevelBackground
}

// CheckForNewMail is the periodic freshness poll for an account.
type CheckForNewMail struct {
	Account string
}

func (j CheckForNewMail) Key() string       { return "check-new:" + j.Account }
func (j CheckForNewMail) AccountID() string { return j.Account }
func (j CheckForNewMail) Level() Level      { return LevelBackground }

// FetchFullBody downloads a message's full content because the user
// opened it.
type FetchFullBody struct {
	Account   string
	MessageID string
}

func (j FetchFullBody) Key() string       { return "fetch-body:" + j.MessageID }
func (j FetchFullBody) AccountID() string { return j.Account }
func (j FetchFullBody) Level() Level      { return LevelUserImmediate }

// FetchAttachment downloads a single attachment on user demand.
type FetchAttachment struct {
	Account      string
	MessageID    string
	AttachmentID string
}

func (j FetchAttachment) Key() string {
	return fmt.Sprintf("fetch-attachment:%s:%s", j.MessageID, j.AttachmentID)
}
func (j FetchAttachment) AccountID() string { return j.Account }
func (j FetchAttachment) Level() Level      { return LevelUserImmediate }

// UploadActions drains the account's durable mutation queue.
type UploadActions struct {
	Account string
}

func (j UploadActions) Key() string       { return "upload-actions:" + j.Account }
func (j UploadActions) AccountID() string { return j.Account }
func (j UploadActions) Level() Level      { return LevelUserIntent }

// RunCacheEviction enforces the blob cache size budget.
type RunCacheEviction struct{}

func (j RunCacheEviction) Key() string       { return "cache-eviction" }
func (j RunCacheEviction) AccountID() string { return "" }
func (j RunCacheEviction) Level() Level      { return LevelBackground }
