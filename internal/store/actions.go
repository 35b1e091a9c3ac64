package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/mail-sub002/pkg/types"
)

// InsertPendingAction durably records a user mutation. Enqueue never
// touches the network; the row is the source of truth for the upload
// queue across restarts.
func (s *Store) InsertPendingAction(action *types.PendingAction) error {
	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	if action.Status == "" {
		action.Status = types.ActionPending
	}
	_, err := s.db.DB().Exec(`
		INSERT INTO pending_actions (id, account_id, kind, target_id, payload, attempt_count, status, next_eligible_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		action.ID, action.AccountID, string(action.Kind), action.TargetID, action.Payload,
		action.AttemptCount, string(action.Status), action.NextEligibleAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert pending action: %w", err)
	}
	return nil
}

// NextEligibleAction returns the oldest pending or retrying action for an
// account whose backoff has elapsed, or nil when none is ready.
func (s *Store) NextEligibleAction(accountID string, now time.Time) (*types.PendingAction, error) {
	row := s.db.DB().QueryRow(`
		SELECT id, account_id, kind, target_id, payload, attempt_count, status, last_error, next_eligible_at, created_at
		FROM pending_actions
		WHERE account_id = ? AND status != ? AND next_eligible_at <= ?
		ORDER BY created_at, rowid
		LIMIT 1`,
		accountID, string(types.ActionFailed), now.Unix())
	action, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return action, err
}

// GetPendingAction retrieves an action by id
func (s *Store) GetPendingAction(id string) (*types.PendingAction, error) {
	row := s.db.DB().QueryRow(`
		SELECT id, account_id, kind, target_id, payload, attempt_count, status, last_error, next_eligible_at, created_at
		FROM pending_actions WHERE id = ?`, id)
	return scanAction(row)
}

// ListPendingActions lists actions for an account filtered by status
// (empty status means all).
func (s *Store) ListPendingActions(accountID string, status types.ActionStatus) ([]types.PendingAction, error) {
	query := `
		SELECT id, account_id, kind, target_id, payload, attempt_count, status, last_error, next_eligible_at, created_at
		FROM pending_actions WHERE account_id = ?`
	args := []interface{}{accountID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at, rowid"

	rows, err := s.db.DB().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending actions: %w", err)
	}
	defer rows.Close()

	var actions []types.PendingAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, *a)
	}
	return actions, rows.Err()
}

func scanAction(row rowScanner) (*types.PendingAction, error) {
	var a types.PendingAction
	var kind, status string
	var lastErr sql.NullString
	var nextEligible int64
	var createdAt string
	err := row.Scan(&a.ID, &a.AccountID, &kind, &a.TargetID, &a.Payload,
		&a.AttemptCount, &status, &lastErr, &nextEligible, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to scan pending action: %w", err)
	}
	a.Kind = types.ActionKind(kind)
	a.Status = types.ActionStatus(status)
	if lastErr.Valid {
		a.LastError = lastErr.String
	}
	a.NextEligibleAt = time.Unix(nextEligible, 0).UTC()
	if t, err := time.Parse("2006-01-02 15:04:05", createdAt); err == nil {
		a.CreatedAt = t
	}
	return &a, nil
}

// DeleteAction removes an action after confirmed success (or user discard)
func (s *Store) DeleteAction(id string) error {
	_, err := s.db.DB().Exec("DELETE FROM pending_actions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete pending action: %w", err)
	}
	return nil
}

// BumpActionRetry records a transient failure: attempt count up, status
// retrying, next attempt at the given time.
func (s *Store) BumpActionRetry(id string, nextAt time.Time, cause string) error {
	_, err := s.db.DB().Exec(`
		UPDATE pending_actions
		SET attempt_count = attempt_count + 1, status = ?, last_error = ?, next_eligible_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		string(types.ActionRetrying), cause, nextAt.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to bump action retry: %w", err)
	}
	return nil
}

// MarkActionFailed parks an action as permanently failed. It stays
// visible until the user retries or discards it.
func (s *Store) MarkActionFailed(id string, cause string) error {
	_, err := s.db.DB().Exec(`
		UPDATE pending_actions SET status = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		string(types.ActionFailed), cause, id)
	if err != nil {
		return fmt.Errorf("failed to mark action failed: %w", err)
	}
	return nil
}

// ResetAction re-arms a failed action for a manual user retry
func (s *Store) ResetAction(id string, now time.Time) error {
	res, err := s.db.DB().Exec(`
		UPDATE pending_actions
		SET status = ?, attempt_count = 0, last_error = NULL, next_eligible_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		string(types.ActionPending), now.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to reset action: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pending action not found: %s", id)
	}
	return nil
}

// AccountsWithEligibleActions returns account ids holding at least one
// action ready for upload. Used to prime upload jobs at startup.
func (s *Store) AccountsWithEligibleActions(now time.Time) ([]string, error) {
	rows, err := s.db.DB().Query(`
		SELECT DISTINCT account_id FROM pending_actions
		WHERE status != ? AND next_eligible_at <= ?`,
		string(types.ActionFailed), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query eligible accounts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
