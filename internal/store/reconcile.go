package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tonimelisma/mail-sub002/pkg/types"
)

// FolderDelta is one reconciliation result for an account's folder list,
// applied as a single transaction together with the new token.
type FolderDelta struct {
	Upserts    []types.FolderDTO
	DeletedIDs []string
	NewToken   string
	// DeleteMissing is set when the result was a trusted full enumeration,
	// so local rows absent from it can be deleted by inference.
	DeleteMissing bool
}

// MessageDelta is one reconciliation result for a folder's message list.
type MessageDelta struct {
	Upserts       []types.MessageDTO
	DeletedIDs    []string
	NewToken      string
	DeleteMissing bool
}

// ApplyFolderDelta applies a folder-list reconciliation atomically:
// upserts, deletions and the token update commit together or not at all.
func (s *Store) ApplyFolderDelta(accountID string, delta *FolderDelta) error {
	tx, err := s.db.DB().Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	seen := make([]interface{}, 0, len(delta.Upserts))
	for _, dto := range delta.Upserts {
		if err := upsertFolderTx(tx, accountID, &dto); err != nil {
			return err
		}
		seen = append(seen, dto.RemoteID)
	}

	for _, remoteID := range delta.DeletedIDs {
		if _, err := tx.Exec(
			"DELETE FROM folders WHERE account_id = ? AND remote_id = ?",
			accountID, remoteID); err != nil {
			return fmt.Errorf("failed to delete folder: %w", err)
		}
	}

	// Stale folders are deleted outright, not soft-marked: they are cheap
	// to re-derive and leaving them behind causes duplicate-entry bugs.
	if delta.DeleteMissing {
		query := "DELETE FROM folders WHERE account_id = ?"
		args := []interface{}{accountID}
		if len(seen) > 0 {
			query += " AND remote_id NOT IN (" + placeholders(len(seen)) + ")"
			args = append(args, seen...)
		}
		if _, err := tx.Exec(query, args...); err != nil {
			return fmt.Errorf("failed to delete stale folders: %w", err)
		}
	}

	if _, err := tx.Exec(
		"UPDATE accounts SET folder_token = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		delta.NewToken, accountID); err != nil {
		return fmt.Errorf("failed to update folder token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit folder delta: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"account":  accountID,
		"upserts":  len(delta.Upserts),
		"deleted":  len(delta.DeletedIDs),
		"full":     delta.DeleteMissing,
	}).Debug("Applied folder delta")
	return nil
}

// upsertFolderTx upserts one folder keeping the local id stable and
// clearing the provisional flag now that real metadata has arrived.
func upsertFolderTx(tx *sql.Tx, accountID string, dto *types.FolderDTO) error {
	var id string
	err := tx.QueryRow(
		"SELECT id FROM folders WHERE account_id = ? AND remote_id = ?",
		accountID, dto.RemoteID).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.Exec(`
			INSERT INTO folders (id, account_id, remote_id, name, role, provisional)
			VALUES (?, ?, ?, ?, ?, 0)`,
			uuid.NewString(), accountID, dto.RemoteID, dto.Name, string(dto.Role))
		if err != nil {
			return fmt.Errorf("failed to insert folder: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to look up folder: %w", err)
	default:
		_, err = tx.Exec(
			"UPDATE folders SET name = ?, role = ?, provisional = 0 WHERE id = ?",
			dto.Name, string(dto.Role), id)
		if err != nil {
			return fmt.Errorf("failed to update folder: %w", err)
		}
	}
	return nil
}

// ApplyMessageDelta applies a message-list reconciliation for one folder
// atomically. For every upserted message the folder-association set is
// replaced wholesale with the server-reported label set.
func (s *Store) ApplyMessageDelta(accountID, folderID string, delta *MessageDelta) error {
	tx, err := s.db.DB().Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	seen := make([]interface{}, 0, len(delta.Upserts))
	for _, dto := range delta.Upserts {
		if err := s.upsertMessageTx(tx, accountID, &dto); err != nil {
			return err
		}
		seen = append(seen, dto.RemoteID)
	}

	for _, remoteID := range delta.DeletedIDs {
		if err := s.removeRemoteMessageTx(tx, accountID, remoteID); err != nil {
			return err
		}
	}

	// Full enumeration: messages locally associated with this folder but
	// absent from the server set have left this folder. Absence here only
	// proves the label was removed; the message row itself goes only when
	// no other folder still claims it.
	if delta.DeleteMissing {
		query := `
			SELECT m.id, m.remote_id FROM messages m
			JOIN message_folders mf ON mf.message_id = m.id
			WHERE mf.folder_id = ? AND m.account_id = ?`
		args := []interface{}{folderID, accountID}
		if len(seen) > 0 {
			query += " AND m.remote_id NOT IN (" + placeholders(len(seen)) + ")"
			args = append(args, seen...)
		}
		rows, err := tx.Query(query, args...)
		if err != nil {
			return fmt.Errorf("failed to query stale messages: %w", err)
		}
		type staleMessage struct {
			id       string
			remoteID string
		}
		var stale []staleMessage
		for rows.Next() {
			var m staleMessage
			if err := rows.Scan(&m.id, &m.remoteID); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan stale message: %w", err)
			}
			stale = append(stale, m)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to iterate stale messages: %w", err)
		}
		for _, m := range stale {
			if _, err := tx.Exec(
				"DELETE FROM message_folders WHERE message_id = ? AND folder_id = ?",
				m.id, folderID); err != nil {
				return fmt.Errorf("failed to remove association: %w", err)
			}
			var remaining int
			if err := tx.QueryRow(
				"SELECT COUNT(*) FROM message_folders WHERE message_id = ?",
				m.id).Scan(&remaining); err != nil {
				return fmt.Errorf("failed to count associations: %w", err)
			}
			if remaining == 0 {
				if err := s.removeRemoteMessageTx(tx, accountID, m.remoteID); err != nil {
					return err
				}
			}
		}
	}

	if _, err := tx.Exec(
		"UPDATE folders SET message_token = ? WHERE id = ?",
		delta.NewToken, folderID); err != nil {
		return fmt.Errorf("failed to update message token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message delta: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"account": accountID,
		"folder":  folderID,
		"upserts": len(delta.Upserts),
		"deleted": len(delta.DeletedIDs),
		"full":    delta.DeleteMissing,
	}).Debug("Applied message delta")
	return nil
}

// upsertMessageTx upserts a message and replaces its association set with
// the server-reported label set. Folders referenced before their own
// metadata has synced are created as provisional placeholder rows.
func (s *Store) upsertMessageTx(tx *sql.Tx, accountID string, dto *types.MessageDTO) error {
	var msgID string
	var locallyModified int
	err := tx.QueryRow(
		"SELECT id, locally_modified FROM messages WHERE account_id = ? AND remote_id = ?",
		accountID, dto.RemoteID).Scan(&msgID, &locallyModified)
	switch {
	case err == sql.ErrNoRows:
		msgID = uuid.NewString()
		_, err = tx.Exec(`
			INSERT INTO messages (id, account_id, remote_id, subject, sender, date, is_read, is_starred, is_draft)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msgID, accountID, dto.RemoteID, dto.Subject, dto.Sender, dto.Date.Unix(),
			boolInt(dto.IsRead), boolInt(dto.IsStarred), boolInt(dto.IsDraft))
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to look up message: %w", err)
	case locallyModified != 0:
		// An optimistic local mutation is still awaiting upload; keep the
		// local flags until the server confirms or the action fails.
		_, err = tx.Exec(
			"UPDATE messages SET subject = ?, sender = ?, date = ?, is_draft = ? WHERE id = ?",
			dto.Subject, dto.Sender, dto.Date.Unix(), boolInt(dto.IsDraft), msgID)
		if err != nil {
			return fmt.Errorf("failed to update message: %w", err)
		}
	default:
		_, err = tx.Exec(`
			UPDATE messages SET subject = ?, sender = ?, date = ?, is_read = ?, is_starred = ?, is_draft = ?, last_sync_error = NULL
			WHERE id = ?`,
			dto.Subject, dto.Sender, dto.Date.Unix(),
			boolInt(dto.IsRead), boolInt(dto.IsStarred), boolInt(dto.IsDraft), msgID)
		if err != nil {
			return fmt.Errorf("failed to update message: %w", err)
		}
	}

	// Full replace of the association set, never an incremental patch.
	if _, err := tx.Exec("DELETE FROM message_folders WHERE message_id = ?", msgID); err != nil {
		return fmt.Errorf("failed to clear associations: %w", err)
	}
	for _, folderRemoteID := range dto.FolderRemoteIDs {
		folderID, err := ensureFolderTx(tx, accountID, folderRemoteID)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO message_folders (message_id, folder_id) VALUES (?, ?)",
			msgID, folderID); err != nil {
			return fmt.Errorf("failed to insert association: %w", err)
		}
	}
	return nil
}

// ensureFolderTx resolves a folder remote id to a local id, creating a
// provisional placeholder row when the folder has not been synced yet.
func ensureFolderTx(tx *sql.Tx, accountID, remoteID string) (string, error) {
	var id string
	err := tx.QueryRow(
		"SELECT id FROM folders WHERE account_id = ? AND remote_id = ?",
		accountID, remoteID).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		id = uuid.NewString()
		_, err = tx.Exec(`
			INSERT INTO folders (id, account_id, remote_id, name, role, provisional)
			VALUES (?, ?, ?, ?, 'other', 1)`,
			id, accountID, remoteID, remoteID)
		if err != nil {
			return "", fmt.Errorf("failed to insert provisional folder: %w", err)
		}
	case err != nil:
		return "", fmt.Errorf("failed to look up folder: %w", err)
	}
	return id, nil
}

// removeRemoteMessageTx removes a server-deleted message. If the message
// is still referenced by an unsynced local mutation, the mutation is
// invalidated with a conflict error and the message row is kept so the
// failure stays visible and actionable.
func (s *Store) removeRemoteMessageTx(tx *sql.Tx, accountID, remoteID string) error {
	var msgID string
	var locallyModified int
	err := tx.QueryRow(
		"SELECT id, locally_modified FROM messages WHERE account_id = ? AND remote_id = ?",
		accountID, remoteID).Scan(&msgID, &locallyModified)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up message: %w", err)
	}

	var pending int
	err = tx.QueryRow(
		"SELECT COUNT(*) FROM pending_actions WHERE target_id = ? AND status != ?",
		msgID, string(types.ActionFailed)).Scan(&pending)
	if err != nil {
		return fmt.Errorf("failed to count pending actions: %w", err)
	}

	if pending > 0 || locallyModified != 0 {
		if _, err := tx.Exec(`
			UPDATE pending_actions SET status = ?, last_error = 'conflict: message deleted on server', updated_at = CURRENT_TIMESTAMP
			WHERE target_id = ? AND status != ?`,
			string(types.ActionFailed), msgID, string(types.ActionFailed)); err != nil {
			return fmt.Errorf("failed to invalidate pending actions: %w", err)
		}
		if _, err := tx.Exec(
			"UPDATE messages SET last_sync_error = 'deleted on server' WHERE id = ?", msgID); err != nil {
			return fmt.Errorf("failed to mark conflict: %w", err)
		}
		return nil
	}

	if _, err := tx.Exec("DELETE FROM messages WHERE id = ?", msgID); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}
