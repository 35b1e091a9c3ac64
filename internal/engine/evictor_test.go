package engine

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/mail-sub002/internal/store"
	"github.com/tonimelisma/mail-sub002/pkg/types"
)

func newTestEvictor(t *testing.T) (*evictor, *store.Store, *types.Account, *types.Folder) {
	t.Helper()
	st := newTestStore(t)
	acc := newTestAccount(t, st)
	inbox := seedFolder(t, st, acc.ID, "INBOX", types.RoleInbox)
	ev := &evictor{store: st, logger: testLogger(), now: time.Now}
	return ev, st, acc, inbox
}

// oldBlob caches content with an access timestamp outside the retention
// window so it is eligible for eviction.
func oldBlob(t *testing.T, st *store.Store, msgID string, kind types.BlobKind, attachmentID string, size int) {
	t.Helper()
	stale := time.Now().Add(-120 * 24 * time.Hour)
	require.NoError(t, st.PutBlob(msgID, kind, attachmentID, bytes.Repeat([]byte("x"), size), stale))
}

func TestEvictionNoopUnderBudget(t *testing.T) {
	ev, st, acc, inbox := newTestEvictor(t)
	msg := seedMessage(t, st, acc.ID, inbox, "INBOX:1", time.Now())
	oldBlob(t, st, msg.ID, types.BlobBody, "", 50)

	reclaimed, err := ev.run(context.Background(), 1000, nil)
	require.NoError(t, err)
	assert.Zero(t, reclaimed)

	total, err := st.TotalBlobBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(50), total)
}

func TestEvictionConvergesBelowTarget(t *testing.T) {
	ev, st, acc, inbox := newTestEvictor(t)
	old := time.Now().Add(-120 * 24 * time.Hour)

	for i, remoteID := range []string{"INBOX:1", "INBOX:2", "INBOX:3"} {
		msg := seedMessage(t, st, acc.ID, inbox, remoteID, old.Add(time.Duration(i)*time.Hour))
		oldBlob(t, st, msg.ID, types.BlobBody, "", 60)
	}

	// 180 bytes cached against a 100-byte budget; the pass must reduce
	// to at most 80 so the next fetch does not immediately re-trigger it.
	reclaimed, err := ev.run(context.Background(), 100, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(120), reclaimed)

	total, err := st.TotalBlobBytes()
	require.NoError(t, err)
	assert.LessOrEqual(t, total, int64(80))
	assert.Equal(t, int64(60), total, "eviction stops as soon as the target is met")
}

func TestEvictionOldestMessagesGoFirst(t *testing.T) {
	ev, st, acc, inbox := newTestEvictor(t)
	old := time.Now().Add(-120 * 24 * time.Hour)

	oldest := seedMessage(t, st, acc.ID, inbox, "INBOX:1", old)
	newer := seedMessage(t, st, acc.ID, inbox, "INBOX:2", old.Add(24*time.Hour))
	oldBlob(t, st, oldest.ID, types.BlobBody, "", 60)
	oldBlob(t, st, newer.ID, types.BlobBody, "", 60)

	// Budget forces exactly one eviction.
	_, err := ev.run(context.Background(), 100, nil)
	require.NoError(t, err)

	ok, err := st.HasBlob(oldest.ID, types.BlobBody, "")
	require.NoError(t, err)
	assert.False(t, ok, "oldest message's content goes first")

	ok, err = st.HasBlob(newer.ID, types.BlobBody, "")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvictionAttachmentsBeforeBody(t *testing.T) {
	ev, st, acc, inbox := newTestEvictor(t)
	old := time.Now().Add(-120 * 24 * time.Hour)

	msg := seedMessage(t, st, acc.ID, inbox, "INBOX:1", old)
	oldBlob(t, st, msg.ID, types.BlobBody, "", 60)
	oldBlob(t, st, msg.ID, types.BlobAttachment, "report.pdf", 60)

	_, err := ev.run(context.Background(), 100, nil)
	require.NoError(t, err)

	ok, err := st.HasBlob(msg.ID, types.BlobAttachment, "report.pdf")
	require.NoError(t, err)
	assert.False(t, ok, "attachments are reclaimed before the body")

	ok, err = st.HasBlob(msg.ID, types.BlobBody, "")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvictionSkipsInFlightMessages(t *testing.T) {
	ev, st, acc, inbox := newTestEvictor(t)
	old := time.Now().Add(-120 * 24 * time.Hour)

	busy := seedMessage(t, st, acc.ID, inbox, "INBOX:1", old)
	idle := seedMessage(t, st, acc.ID, inbox, "INBOX:2", old.Add(24*time.Hour))
	oldBlob(t, st, busy.ID, types.BlobBody, "", 60)
	oldBlob(t, st, idle.ID, types.BlobBody, "", 60)

	_, err := ev.run(context.Background(), 100, map[string]bool{busy.ID: true})
	require.NoError(t, err)

	ok, err := st.HasBlob(busy.ID, types.BlobBody, "")
	require.NoError(t, err)
	assert.True(t, ok, "in-flight content is never touched")

	ok, err = st.HasBlob(idle.ID, types.BlobBody, "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvictionSkipsRecentlyAccessedContent(t *testing.T) {
	ev, st, acc, inbox := newTestEvictor(t)
	old := time.Now().Add(-120 * 24 * time.Hour)

	stale := seedMessage(t, st, acc.ID, inbox, "INBOX:1", old)
	fresh := seedMessage(t, st, acc.ID, inbox, "INBOX:2", old.Add(24*time.Hour))
	oldBlob(t, st, stale.ID, types.BlobBody, "", 60)
	oldBlob(t, st, fresh.ID, types.BlobBody, "", 60)

	// The user just opened the second message.
	_, err := st.GetBlob(fresh.ID, types.BlobBody, "", time.Now())
	require.NoError(t, err)

	_, err = ev.run(context.Background(), 50, nil)
	require.NoError(t, err)

	ok, err := st.HasBlob(fresh.ID, types.BlobBody, "")
	require.NoError(t, err)
	assert.True(t, ok, "recently used content is retained even over budget")

	ok, err = st.HasBlob(stale.ID, types.BlobBody, "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvictionSkipsPendingActionTargets(t *testing.T) {
	ev, st, acc, inbox := newTestEvictor(t)
	old := time.Now().Add(-120 * 24 * time.Hour)

	held := seedMessage(t, st, acc.ID, inbox, "INBOX:1", old)
	free := seedMessage(t, st, acc.ID, inbox, "INBOX:2", old.Add(24*time.Hour))
	oldBlob(t, st, held.ID, types.BlobBody, "", 60)
	oldBlob(t, st, free.ID, types.BlobBody, "", 60)

	action := &types.PendingAction{
		AccountID:      acc.ID,
		Kind:           types.ActionStar,
		TargetID:       held.ID,
		NextEligibleAt: time.Now(),
	}
	require.NoError(t, st.InsertPendingAction(action))

	_, err := ev.run(context.Background(), 50, nil)
	require.NoError(t, err)

	ok, err := st.HasBlob(held.ID, types.BlobBody, "")
	require.NoError(t, err)
	assert.True(t, ok, "content referenced by a queued mutation is retained")
}

func TestEvictionDropsMetadataOfFullyEvictedOldMessages(t *testing.T) {
	ev, st, acc, inbox := newTestEvictor(t)
	old := time.Now().Add(-120 * 24 * time.Hour)

	msg := seedMessage(t, st, acc.ID, inbox, "INBOX:1", old)
	oldBlob(t, st, msg.ID, types.BlobBody, "", 60)

	_, err := ev.run(context.Background(), 10, nil)
	require.NoError(t, err)

	// Past the retention window with no content left, the header row
	// goes too.
	_, err = st.GetMessage(msg.ID)
	assert.Error(t, err)
}
