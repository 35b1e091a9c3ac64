// Package adapter defines the provider-facing contract the sync engine
// consumes, plus the IMAP/SMTP implementation shipped with it. The engine
// never interprets tokens or provider errors beyond the sentinel values
// declared here.
package adapter

import (
	"context"
	"errors"

	"github.com/tonimelisma/mail-sub002/pkg/types"
)

// Sentinel errors the engine classifies on. Provider implementations wrap
// their own failures with these via fmt.Errorf("...: %w", Err...).
var (
	// ErrNotFound means the target resource no longer exists remotely.
	ErrNotFound = errors.New("resource not found")
	// ErrInvalidRequest means the provider rejected the request as
	// malformed; retrying cannot help.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrConflict means the mutation contradicts current server state.
	ErrConflict = errors.New("conflict")
	// ErrRateLimited means the provider asked us to slow down.
	ErrRateLimited = errors.New("rate limited")
	// ErrNeedsReauth means the account credential is expired or revoked
	// and must be refreshed outside the engine.
	ErrNeedsReauth = errors.New("account needs reauthentication")
)

// DeltaResult is the uniform change-set shape every provider returns.
// TokenWasReset signals the stored token was invalid and the result is a
// full resync; callers must not infer deletions from absence in that case.
type DeltaResult[T any] struct {
	Upserts       []T
	DeletedIDs    []string
	NextToken     string
	TokenWasReset bool
	HasMore       bool
}

// MailAPI is the capability set the engine requires from a provider.
// All mutations must be idempotent: a crash between a successful call and
// the local bookkeeping may replay the same call with the same payload.
type MailAPI interface {
	// ListFolders returns the folder list, or the changes since token.
	ListFolders(ctx context.Context, account *types.Account, token string) (*DeltaResult[types.FolderDTO], error)

	// ListMessages returns one page of a folder's message list, or the
	// changes since token.
	ListMessages(ctx context.Context, account *types.Account, folderRemoteID, token string) (*DeltaResult[types.MessageDTO], error)

	// HasChangesSince is a cheap existence check used before paying for a
	// full delta fetch.
	HasChangesSince(ctx context.Context, account *types.Account, token string) (bool, error)

	// ApplyMutation replays one queued user mutation against the provider.
	// ref locates the target message remotely; it is nil for ActionSend.
	ApplyMutation(ctx context.Context, account *types.Account, action *types.PendingAction, ref *MessageRef) error

	// FetchFullBody downloads and parses a message's full content.
	FetchFullBody(ctx context.Context, account *types.Account, messageRemoteID string) (*types.BodyContent, []byte, error)

	// FetchAttachment downloads a single attachment's bytes.
	FetchAttachment(ctx context.Context, account *types.Account, messageRemoteID, attachmentID string) ([]byte, error)
}

// CredentialSupplier delivers a fresh credential for an account. The
// engine never inspects the token; on ErrNeedsReauth it parks the account
// until cleared externally. Implementations must be safe under concurrent
// calls for the same account.
type CredentialSupplier interface {
	ValidToken(ctx context.Context, accountID string) (string, error)
}

// StaticCredentials is a CredentialSupplier backed by configured
// passwords, for providers without a token-refresh flow.
type StaticCredentials struct {
	tokens map[string]string
}

// NewStaticCredentials builds a supplier from accountID -> secret
func NewStaticCredentials(tokens map[string]string) *StaticCredentials {
	return &StaticCredentials{tokens: tokens}
}

// ValidToken returns the configured secret for the account
func (s *StaticCredentials) ValidToken(_ context.Context, accountID string) (string, error) {
	token, ok := s.tokens[accountID]
	if !ok || token == "" {
		return "", ErrNeedsReauth
	}
	return token, nil
}
