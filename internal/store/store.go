package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tonimelisma/mail-sub002/pkg/types"
)

// Store provides methods for reading and writing durable sync state
type Store struct {
	db     *DB
	logger *logrus.Logger
}

// NewStore creates a new store instance
func NewStore(db *DB, logger *logrus.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}

// UpsertAccount upserts an account row
func (s *Store) UpsertAccount(acc *types.Account) error {
	if acc.ID == "" {
		acc.ID = uuid.NewString()
	}
	query := `
		INSERT INTO accounts (id, name, provider, auth_ok, folder_token, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET
			provider = excluded.provider,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := s.db.DB().Exec(query, acc.ID, acc.Name, string(acc.Provider), boolInt(acc.AuthOK), acc.FolderToken); err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	// The conflict path keeps the existing id; read it back so callers
	// always hold the stable one.
	var id string
	if err := s.db.DB().QueryRow("SELECT id FROM accounts WHERE name = ?", acc.Name).Scan(&id); err != nil {
		return fmt.Errorf("failed to get account ID: %w", err)
	}
	acc.ID = id
	return nil
}

// GetAccount retrieves an account by id
func (s *Store) GetAccount(id string) (*types.Account, error) {
	row := s.db.DB().QueryRow(`
		SELECT id, name, provider, auth_ok, folder_token, last_sync_at, stale_warned
		FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// GetAccountByName retrieves an account by its configured name
func (s *Store) GetAccountByName(name string) (*types.Account, error) {
	row := s.db.DB().QueryRow(`
		SELECT id, name, provider, auth_ok, folder_token, last_sync_at, stale_warned
		FROM accounts WHERE name = ?`, name)
	return scanAccount(row)
}

// ListAccounts returns all accounts
func (s *Store) ListAccounts() ([]types.Account, error) {
	rows, err := s.db.DB().Query(`
		SELECT id, name, provider, auth_ok, folder_token, last_sync_at, stale_warned
		FROM accounts ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []types.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *acc)
	}
	return accounts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*types.Account, error) {
	var acc types.Account
	var provider string
	var authOK, staleWarned int
	var lastSync sql.NullInt64

	err := row.Scan(&acc.ID, &acc.Name, &provider, &authOK, &acc.FolderToken, &lastSync, &staleWarned)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("account not found")
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	acc.Provider = types.Provider(provider)
	acc.AuthOK = authOK != 0
	acc.StaleWarned = staleWarned != 0
	if lastSync.Valid {
		t := time.Unix(lastSync.Int64, 0).UTC()
		acc.LastSyncAt = &t
	}
	return &acc, nil
}

// SetAccountAuthOK records whether the account's credentials are usable
func (s *Store) SetAccountAuthOK(accountID string, ok bool) error {
	_, err := s.db.DB().Exec(
		"UPDATE accounts SET auth_ok = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		boolInt(ok), accountID)
	if err != nil {
		return fmt.Errorf("failed to set auth flag: %w", err)
	}
	return nil
}

// SetAccountLastSync records a successful sync and clears any stale warning
func (s *Store) SetAccountLastSync(accountID string, t time.Time) error {
	_, err := s.db.DB().Exec(
		"UPDATE accounts SET last_sync_at = ?, stale_warned = 0, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		t.Unix(), accountID)
	if err != nil {
		return fmt.Errorf("failed to set last sync: %w", err)
	}
	return nil
}

// SetStaleWarned marks an account as carrying a standing stale-sync warning
func (s *Store) SetStaleWarned(accountID string, warned bool) error {
	_, err := s.db.DB().Exec(
		"UPDATE accounts SET stale_warned = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		boolInt(warned), accountID)
	if err != nil {
		return fmt.Errorf("failed to set stale warning: %w", err)
	}
	return nil
}

// StaleAccounts returns accounts whose last successful sync is older than
// the cutoff (or that have never synced) and that are not yet warned.
func (s *Store) StaleAccounts(cutoff time.Time) ([]types.Account, error) {
	rows, err := s.db.DB().Query(`
		SELECT id, name, provider, auth_ok, folder_token, last_sync_at, stale_warned
		FROM accounts
		WHERE stale_warned = 0 AND (last_sync_at IS NULL OR last_sync_at < ?)`,
		cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query stale accounts: %w", err)
	}
	defer rows.Close()

	var accounts []types.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *acc)
	}
	return accounts, rows.Err()
}

// GetFolder retrieves a folder by local id
func (s *Store) GetFolder(id string) (*types.Folder, error) {
	row := s.db.DB().QueryRow(`
		SELECT id, account_id, remote_id, name, role, message_token, provisional
		FROM folders WHERE id = ?`, id)
	return scanFolder(row)
}

// FolderByRemoteID retrieves a folder by its provider identifier
func (s *Store) FolderByRemoteID(accountID, remoteID string) (*types.Folder, error) {
	row := s.db.DB().QueryRow(`
		SELECT id, account_id, remote_id, name, role, message_token, provisional
		FROM folders WHERE account_id = ? AND remote_id = ?`, accountID, remoteID)
	return scanFolder(row)
}

// FolderByRole retrieves the first folder with the given functional role
func (s *Store) FolderByRole(accountID string, role types.FolderRole) (*types.Folder, error) {
	row := s.db.DB().QueryRow(`
		SELECT id, account_id, remote_id, name, role, message_token, provisional
		FROM folders WHERE account_id = ? AND role = ? ORDER BY remote_id LIMIT 1`,
		accountID, string(role))
	return scanFolder(row)
}

// ListFolders lists folders for an account
func (s *Store) ListFolders(accountID string) ([]types.Folder, error) {
	rows, err := s.db.DB().Query(`
		SELECT id, account_id, remote_id, name, role, message_token, provisional
		FROM folders WHERE account_id = ? ORDER BY remote_id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query folders: %w", err)
	}
	defer rows.Close()

	var folders []types.Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		folders = append(folders, *f)
	}
	return folders, rows.Err()
}

func scanFolder(row rowScanner) (*types.Folder, error) {
	var f types.Folder
	var role string
	var provisional int
	err := row.Scan(&f.ID, &f.AccountID, &f.RemoteID, &f.Name, &role, &f.MessageToken, &provisional)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to scan folder: %w", err)
	}
	f.Role = types.FolderRole(role)
	f.Provisional = provisional != 0
	return &f, nil
}

// GetMessage retrieves a message by local id
func (s *Store) GetMessage(id string) (*types.Message, error) {
	row := s.db.DB().QueryRow(`
		SELECT id, account_id, remote_id, subject, sender, date, is_read, is_starred,
		       locally_modified, is_draft, last_sync_error
		FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// MessageByRemoteID retrieves a message by its provider identifier
func (s *Store) MessageByRemoteID(accountID, remoteID string) (*types.Message, error) {
	row := s.db.DB().QueryRow(`
		SELECT id, account_id, remote_id, subject, sender, date, is_read, is_starred,
		       locally_modified, is_draft, last_sync_error
		FROM messages WHERE account_id = ? AND remote_id = ?`, accountID, remoteID)
	return scanMessage(row)
}

func scanMessage(row rowScanner) (*types.Message, error) {
	var m types.Message
	var date int64
	var isRead, isStarred, locallyModified, isDraft int
	var syncErr sql.NullString
	err := row.Scan(&m.ID, &m.AccountID, &m.RemoteID, &m.Subject, &m.Sender, &date,
		&isRead, &isStarred, &locallyModified, &isDraft, &syncErr)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	m.Date = time.Unix(date, 0).UTC()
	m.IsRead = isRead != 0
	m.IsStarred = isStarred != 0
	m.LocallyModified = locallyModified != 0
	m.IsDraft = isDraft != 0
	if syncErr.Valid {
		m.LastSyncError = syncErr.String
	}
	return &m, nil
}

// MessageFolderIDs returns the local folder ids a message is associated with
func (s *Store) MessageFolderIDs(messageID string) ([]string, error) {
	rows, err := s.db.DB().Query(
		"SELECT folder_id FROM message_folders WHERE message_id = ? ORDER BY folder_id", messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query associations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan association: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClearLocallyModified clears the unconfirmed-mutation flag on a message
func (s *Store) ClearLocallyModified(messageID string) error {
	_, err := s.db.DB().Exec(
		"UPDATE messages SET locally_modified = 0, last_sync_error = NULL WHERE id = ?", messageID)
	if err != nil {
		return fmt.Errorf("failed to clear modified flag: %w", err)
	}
	return nil
}

// ApplyOptimisticMutation applies the local side of a user mutation so the
// UI-facing database reflects the intent before the upload completes. The
// message is marked locally modified until the server confirms.
func (s *Store) ApplyOptimisticMutation(action *types.PendingAction) error {
	switch action.Kind {
	case types.ActionMarkRead, types.ActionMarkUnread:
		read := action.Kind == types.ActionMarkRead
		_, err := s.db.DB().Exec(
			"UPDATE messages SET is_read = ?, locally_modified = 1 WHERE id = ?",
			boolInt(read), action.TargetID)
		if err != nil {
			return fmt.Errorf("failed to apply read flag: %w", err)
		}
	case types.ActionStar, types.ActionUnstar:
		starred := action.Kind == types.ActionStar
		_, err := s.db.DB().Exec(
			"UPDATE messages SET is_starred = ?, locally_modified = 1 WHERE id = ?",
			boolInt(starred), action.TargetID)
		if err != nil {
			return fmt.Errorf("failed to apply star flag: %w", err)
		}
	case types.ActionMove:
		folder, err := s.FolderByRemoteID(action.AccountID, action.Payload)
		if err != nil {
			return fmt.Errorf("move destination not found: %w", err)
		}
		tx, err := s.db.DB().Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()
		if _, err := tx.Exec("DELETE FROM message_folders WHERE message_id = ?", action.TargetID); err != nil {
			return fmt.Errorf("failed to clear associations: %w", err)
		}
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO message_folders (message_id, folder_id) VALUES (?, ?)",
			action.TargetID, folder.ID); err != nil {
			return fmt.Errorf("failed to insert association: %w", err)
		}
		if _, err := tx.Exec(
			"UPDATE messages SET locally_modified = 1 WHERE id = ?", action.TargetID); err != nil {
			return fmt.Errorf("failed to mark modified: %w", err)
		}
		return tx.Commit()
	case types.ActionDelete:
		_, err := s.db.DB().Exec(
			"UPDATE messages SET locally_modified = 1 WHERE id = ?", action.TargetID)
		if err != nil {
			return fmt.Errorf("failed to mark modified: %w", err)
		}
	case types.ActionSend:
		// Outbox item; nothing to patch locally beyond the draft row.
	default:
		return fmt.Errorf("unknown action kind: %s", action.Kind)
	}
	return nil
}

// SetMessageSyncError records a sync failure on a message so the UI can
// surface it.
func (s *Store) SetMessageSyncError(messageID, cause string) error {
	_, err := s.db.DB().Exec(
		"UPDATE messages SET last_sync_error = ? WHERE id = ?", cause, messageID)
	if err != nil {
		return fmt.Errorf("failed to set sync error: %w", err)
	}
	return nil
}

// DeleteMessage removes a message, its associations and cached blobs
func (s *Store) DeleteMessage(messageID string) error {
	_, err := s.db.DB().Exec("DELETE FROM messages WHERE id = ?", messageID)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
