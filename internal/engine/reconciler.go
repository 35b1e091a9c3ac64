package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/tonimelisma/mail-sub002/internal/adapter"
	"github.com/tonimelisma/mail-sub002/internal/store"
	"github.com/tonimelisma/mail-sub002/pkg/types"
)

// reconciler turns delta results from the adapter into atomic local
// patches. Tokens are opaque: they are stored and replayed, never
// inspected or compared.
type reconciler struct {
	store  *store.Store
	api    adapter.MailAPI
	logger *logrus.Logger
}

// refreshFolderList reconciles the account's folder list against the
// provider. Deletion by absence is only inferred from a trusted full
// enumeration: a stored token means the result is a partial delta, and a
// reset token means absence proves nothing.
func (r *reconciler) refreshFolderList(ctx context.Context, account *types.Account) error {
	res, err := r.api.ListFolders(ctx, account, account.FolderToken)
	if err != nil {
		return fmt.Errorf("list folders: %w", err)
	}

	delta := &store.FolderDelta{
		Upserts:       res.Upserts,
		DeletedIDs:    res.DeletedIDs,
		NewToken:      res.NextToken,
		DeleteMissing: account.FolderToken == "" && !res.TokenWasReset,
	}
	if err := r.store.ApplyFolderDelta(account.ID, delta); err != nil {
		return fmt.Errorf("apply folder delta: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"account":     account.Name,
		"folders":     len(res.Upserts),
		"token_reset": res.TokenWasReset,
	}).Info("Reconciled folder list")
	return nil
}

// refreshMessages reconciles one page of a folder's message list and
// reports whether more pages remain. The token is persisted in the same
// transaction as the patch, so a pagination sequence survives a restart.
func (r *reconciler) refreshMessages(ctx context.Context, account *types.Account, folder *types.Folder) (bool, error) {
	res, err := r.api.ListMessages(ctx, account, folder.RemoteID, folder.MessageToken)
	if err != nil {
		return false, fmt.Errorf("list messages: %w", err)
	}

	// Absence inference needs a complete snapshot: no stored token, no
	// token reset, and no further pages outstanding.
	delta := &store.MessageDelta{
		Upserts:       res.Upserts,
		DeletedIDs:    res.DeletedIDs,
		NewToken:      res.NextToken,
		DeleteMissing: folder.MessageToken == "" && !res.TokenWasReset && !res.HasMore,
	}
	if err := r.store.ApplyMessageDelta(account.ID, folder.ID, delta); err != nil {
		return false, fmt.Errorf("apply message delta: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"account":     account.Name,
		"folder":      folder.RemoteID,
		"upserts":     len(res.Upserts),
		"deleted":     len(res.DeletedIDs),
		"has_more":    res.HasMore,
		"token_reset": res.TokenWasReset,
	}).Info("Reconciled folder")
	return res.HasMore, nil
}

// checkForNewMail is the cheap freshness poll: ask the provider whether
// anything changed since the inbox token before paying for a delta fetch.
// Returns whether more pages remain to backfill.
func (r *reconciler) checkForNewMail(ctx context.Context, account *types.Account) (bool, error) {
	inbox, err := r.store.FolderByRole(account.ID, types.RoleInbox)
	if errors.Is(err, sql.ErrNoRows) {
		// Folder list has never synced; do that first.
		if err := r.refreshFolderList(ctx, account); err != nil {
			return false, err
		}
		inbox, err = r.store.FolderByRole(account.ID, types.RoleInbox)
		if errors.Is(err, sql.ErrNoRows) {
			r.logger.WithField("account", account.Name).Warn("Account has no inbox folder")
			return false, nil
		}
	}
	if err != nil {
		return false, err
	}

	if inbox.MessageToken != "" {
		changed, err := r.api.HasChangesSince(ctx, account, inbox.MessageToken)
		if err != nil {
			return false, fmt.Errorf("check for changes: %w", err)
		}
		if !changed {
			r.logger.WithField("account", account.Name).Debug("No new mail")
			return false, nil
		}
	}

	return r.refreshMessages(ctx, account, inbox)
}
