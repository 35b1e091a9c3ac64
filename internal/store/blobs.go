package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/tonimelisma/mail-sub002/pkg/types"
)

// PutBlob stores downloaded content for a message, recording its size at
// creation time.
func (s *Store) PutBlob(messageID string, kind types.BlobKind, attachmentID string, content []byte, now time.Time) error {
	_, err := s.db.DB().Exec(`
		INSERT INTO message_blobs (message_id, kind, attachment_id, size_bytes, content, fetched_at, accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id, kind, attachment_id) DO UPDATE SET
			size_bytes = excluded.size_bytes,
			content = excluded.content,
			fetched_at = excluded.fetched_at,
			accessed_at = excluded.accessed_at`,
		messageID, string(kind), attachmentID, int64(len(content)), content, now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to store blob: %w", err)
	}
	return nil
}

// GetBlob returns cached content and bumps its last-accessed timestamp
func (s *Store) GetBlob(messageID string, kind types.BlobKind, attachmentID string, now time.Time) ([]byte, error) {
	var content []byte
	err := s.db.DB().QueryRow(`
		SELECT content FROM message_blobs
		WHERE message_id = ? AND kind = ? AND attachment_id = ?`,
		messageID, string(kind), attachmentID).Scan(&content)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get blob: %w", err)
	}
	if _, err := s.db.DB().Exec(`
		UPDATE message_blobs SET accessed_at = ?
		WHERE message_id = ? AND kind = ? AND attachment_id = ?`,
		now.Unix(), messageID, string(kind), attachmentID); err != nil {
		return nil, fmt.Errorf("failed to touch blob: %w", err)
	}
	return content, nil
}

// HasBlob reports whether cached content exists without touching the
// access timestamp.
func (s *Store) HasBlob(messageID string, kind types.BlobKind, attachmentID string) (bool, error) {
	var n int
	err := s.db.DB().QueryRow(`
		SELECT COUNT(*) FROM message_blobs
		WHERE message_id = ? AND kind = ? AND attachment_id = ?`,
		messageID, string(kind), attachmentID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check blob: %w", err)
	}
	return n > 0, nil
}

// TotalBlobBytes returns the total size of all cached content
func (s *Store) TotalBlobBytes() (int64, error) {
	var total sql.NullInt64
	err := s.db.DB().QueryRow("SELECT SUM(size_bytes) FROM message_blobs").Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum blob sizes: %w", err)
	}
	return total.Int64, nil
}

// EvictionBlob is one evictable cached item, in eviction order
type EvictionBlob struct {
	BlobID       int64
	MessageID    string
	Kind         types.BlobKind
	AttachmentID string
	SizeBytes    int64
	MessageDate  time.Time
}

// EvictionCandidates returns evictable blobs in policy order. Two tiers:
// first blobs of messages older than the cutoff (oldest message first),
// then blobs of newer messages not accessed since the cutoff (least
// recently used message first). Within a message, attachments come
// before the body. Items accessed after the cutoff, messages with
// unsynced local mutations and messages referenced by a live pending
// action are never returned.
func (s *Store) EvictionCandidates(cutoff time.Time) ([]EvictionBlob, error) {
	const base = `
		SELECT b.id, b.message_id, b.kind, b.attachment_id, b.size_bytes, m.date
		FROM message_blobs b
		JOIN messages m ON m.id = b.message_id
		WHERE b.accessed_at < ?
		  AND m.locally_modified = 0
		  AND NOT EXISTS (
			SELECT 1 FROM pending_actions pa
			WHERE pa.target_id = m.id AND pa.status != 'failed'
		  )`

	tier1 := base + ` AND m.date < ?
		ORDER BY m.date ASC, m.id,
			CASE b.kind WHEN 'attachment' THEN 0 ELSE 1 END, b.accessed_at ASC`
	// A message's recency is its most recently touched blob, so a stale
	// body never jumps ahead of its own attachments.
	tier2 := base + ` AND m.date >= ?
		ORDER BY (SELECT MAX(b2.accessed_at) FROM message_blobs b2 WHERE b2.message_id = b.message_id) ASC,
			m.date ASC, m.id,
			CASE b.kind WHEN 'attachment' THEN 0 ELSE 1 END`

	var out []EvictionBlob
	for _, query := range []string{tier1, tier2} {
		rows, err := s.db.DB().Query(query, cutoff.Unix(), cutoff.Unix())
		if err != nil {
			return nil, fmt.Errorf("failed to query eviction candidates: %w", err)
		}
		for rows.Next() {
			var b EvictionBlob
			var kind string
			var date int64
			if err := rows.Scan(&b.BlobID, &b.MessageID, &kind, &b.AttachmentID, &b.SizeBytes, &date); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan eviction candidate: %w", err)
			}
			b.Kind = types.BlobKind(kind)
			b.MessageDate = time.Unix(date, 0).UTC()
			out = append(out, b)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to iterate eviction candidates: %w", err)
		}
	}
	return out, nil
}

// DeleteBlob removes one cached item by row id
func (s *Store) DeleteBlob(blobID int64) error {
	_, err := s.db.DB().Exec("DELETE FROM message_blobs WHERE id = ?", blobID)
	if err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// MessageBlobCount returns how many cached items remain for a message
func (s *Store) MessageBlobCount(messageID string) (int, error) {
	var n int
	err := s.db.DB().QueryRow(
		"SELECT COUNT(*) FROM message_blobs WHERE message_id = ?", messageID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count blobs: %w", err)
	}
	return n, nil
}
