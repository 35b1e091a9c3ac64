package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/mail-sub002/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db, logger)
}

func newTestAccount(t *testing.T, s *Store) *types.Account {
	t.Helper()
	acc := &types.Account{Name: "test", Provider: types.ProviderIMAP, AuthOK: true}
	require.NoError(t, s.UpsertAccount(acc))
	return acc
}

func TestUpsertAccountKeepsStableID(t *testing.T) {
	s := newTestStore(t)
	acc := newTestAccount(t, s)

	again := &types.Account{Name: "test", Provider: types.ProviderIMAP}
	require.NoError(t, s.UpsertAccount(again))
	assert.Equal(t, acc.ID, again.ID)

	accounts, err := s.ListAccounts()
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
}

func TestFolderUniquenessAcrossReconciliations(t *testing.T) {
	s := newTestStore(t)
	acc := newTestAccount(t, s)

	delta := &FolderDelta{
		Upserts: []types.FolderDTO{
			{RemoteID: "INBOX", Name: "INBOX", Role: types.RoleInbox},
			{RemoteID: "Archive", Name: "Archive", Role: types.RoleOther},
		},
		NewToken:      "t1",
		DeleteMissing: true,
	}
	require.NoError(t, s.ApplyFolderDelta(acc.ID, delta))
	require.NoError(t, s.ApplyFolderDelta(acc.ID, delta))

	folders, err := s.ListFolders(acc.ID)
	require.NoError(t, err)
	assert.Len(t, folders, 2)
}

func TestFolderLocalIDStableAcrossUpdates(t *testing.T) {
	s := newTestStore(t)
	acc := newTestAccount(t, s)

	require.NoError(t, s.ApplyFolderDelta(acc.ID, &FolderDelta{
		Upserts: []types.FolderDTO{{RemoteID: "INBOX", Name: "INBOX", Role: types.RoleInbox}},
	}))
	before, err := s.FolderByRemoteID(acc.ID, "INBOX")
	require.NoError(t, err)

	require.NoError(t, s.ApplyFolderDelta(acc.ID, &FolderDelta{
		Upserts: []types.FolderDTO{{RemoteID: "INBOX", Name: "Inbox (renamed)", Role: types.RoleInbox}},
	}))
	after, err := s.FolderByRemoteID(acc.ID, "INBOX")
	require.NoError(t, err)

	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, "Inbox (renamed)", after.Name)
}

func TestFullFolderListDeletesStaleRows(t *testing.T) {
	s := newTestStore(t)
	acc := newTestAccount(t, s)

	require.NoError(t, s.ApplyFolderDelta(acc.ID, &FolderDelta{
		Upserts: []types.FolderDTO{
			{RemoteID: "INBOX", Role: types.RoleInbox},
			{RemoteID: "Old", Role: types.RoleOther},
		},
		DeleteMissing: true,
	}))

	require.NoError(t, s.ApplyFolderDelta(acc.ID, &FolderDelta{
		Upserts:       []types.FolderDTO{{RemoteID: "INBOX", Role: types.RoleInbox}},
		DeleteMissing: true,
	}))

	folders, err := s.ListFolders(acc.ID)
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, "INBOX", folders[0].RemoteID)
}

func TestProvisionalFolderUpgradedByFolderList(t *testing.T) {
	s := newTestStore(t)
	acc := newTestAccount(t, s)

	// A message references a folder before the folder list has synced.
	require.NoError(t, s.ApplyMessageDelta(acc.ID, mustFolder(t, s, acc.ID, "INBOX").ID, &MessageDelta{
		Upserts: []types.MessageDTO{{
			RemoteID:        "INBOX:1",
			Subject:         "hello",
			Date:            time.Now(),
			FolderRemoteIDs: []string{"INBOX", "Newsletters"},
		}},
	}))

	placeholder, err := s.FolderByRemoteID(acc.ID, "Newsletters")
	require.NoError(t, err)
	assert.True(t, placeholder.Provisional)

	// The folder list arrives with real metadata.
	require.NoError(t, s.ApplyFolderDelta(acc.ID, &FolderDelta{
		Upserts: []types.FolderDTO{
			{RemoteID: "INBOX", Role: types.RoleInbox},
			{RemoteID: "Newsletters", Name: "Newsletters", Role: types.RoleOther},
		},
		DeleteMissing: true,
	}))

	upgraded, err := s.FolderByRemoteID(acc.ID, "Newsletters")
	require.NoError(t, err)
	assert.False(t, upgraded.Provisional)
	assert.Equal(t, placeholder.ID, upgraded.ID)

	folders, err := s.ListFolders(acc.ID)
	require.NoError(t, err)
	assert.Len(t, folders, 2)
}

// mustFolder ensures a folder row exists and returns it
func mustFolder(t *testing.T, s *Store, accountID, remoteID string) *types.Folder {
	t.Helper()
	require.NoError(t, s.ApplyFolderDelta(accountID, &FolderDelta{
		Upserts: []types.FolderDTO{{RemoteID: remoteID, Name: remoteID, Role: types.RoleOther}},
	}))
	f, err := s.FolderByRemoteID(accountID, remoteID)
	require.NoError(t, err)
	return f
}

func TestAssociationSetFullyReplaced(t *testing.T) {
	s := newTestStore(t)
	acc := newTestAccount(t, s)
	inbox := mustFolder(t, s, acc.ID, "INBOX")

	dto := types.MessageDTO{
		RemoteID:        "m1",
		Subject:         "labels",
		Date:            time.Now(),
		FolderRemoteIDs: []string{"A", "B"},
	}
	require.NoError(t, s.ApplyMessageDelta(acc.ID, inbox.ID, &MessageDelta{Upserts: []types.MessageDTO{dto}}))

	dto.FolderRemoteIDs = []string{"B", "C"}
	require.NoError(t, s.ApplyMessageDelta(acc.ID, inbox.ID, &MessageDelta{Upserts: []types.MessageDTO{dto}}))

	msg, err := s.MessageByRemoteID(acc.ID, "m1")
	require.NoError(t, err)
	folderIDs, err := s.MessageFolderIDs(msg.ID)
	require.NoError(t, err)

	var remoteIDs []string
	for _, id := range folderIDs {
		f, err := s.GetFolder(id)
		require.NoError(t, err)
		remoteIDs = append(remoteIDs, f.RemoteID)
	}
	assert.ElementsMatch(t, []string{"B", "C"}, remoteIDs)
}

func TestFolderAbsenceOnlyRemovesThatLabel(t *testing.T) {
	s := newTestStore(t)
	acc := newTestAccount(t, s)
	inbox := mustFolder(t, s, acc.ID, "INBOX")
	archive := mustFolder(t, s, acc.ID, "Archive")

	require.NoError(t, s.ApplyMessageDelta(acc.ID, inbox.ID, &MessageDelta{
		Upserts: []types.MessageDTO{{
			RemoteID: "m1", Date: time.Now(),
			FolderRemoteIDs: []string{"INBOX", "Archive"},
		}},
	}))
	msg, err := s.MessageByRemoteID(acc.ID, "m1")
	require.NoError(t, err)

	// A full enumeration of the inbox without the message only proves it
	// left the inbox; the archive label still claims it.
	require.NoError(t, s.ApplyMessageDelta(acc.ID, inbox.ID, &MessageDelta{DeleteMissing: true}))

	folderIDs, err := s.MessageFolderIDs(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{archive.ID}, folderIDs)

	_, err = s.GetMessage(msg.ID)
	assert.NoError(t, err)

	// Once the last label drops it, the message itself goes.
	require.NoError(t, s.ApplyMessageDelta(acc.ID, archive.ID, &MessageDelta{DeleteMissing: true}))
	_, err = s.GetMessage(msg.ID)
	assert.Error(t, err)
}

func TestServerDeletionRemovesMessage(t *testing.T) {
	s := newTestStore(t)
	acc := newTestAccount(t, s)
	inbox := mustFolder(t, s, acc.ID, "INBOX")

	require.NoError(t, s.ApplyMessageDelta(acc.ID, inbox.ID, &MessageDelta{
		Upserts: []types.MessageDTO{{RemoteID: "m1", Date: time.Now(), FolderRemoteIDs: []string{"INBOX"}}},
	}))
	require.NoError(t, s.ApplyMessageDelta(acc.ID, inbox.ID, &MessageDelta{
		DeletedIDs: []string{"m1"},
	}))

	_, err := s.MessageByRemoteID(acc.ID, "m1")
	assert.Error(t, err)
}

func TestServerDeletionConflictsWithPendingAction(t *testing.T) {
	s := newTestStore(t)
	acc := newTestAccount(t, s)
	inbox := mustFolder(t, s, acc.ID, "INBOX")

	require.NoError(t, s.ApplyMessageDelta(acc.ID, inbox.ID, &MessageDelta{
		Upserts: []types.MessageDTO{{RemoteID: "m1", Date: time.Now(), FolderRemoteIDs: []string{"INBOX"}}},
	}))
	msg, err := s.MessageByRemoteID(acc.ID, "m1")
	require.NoError(t, err)

	action := &types.PendingAction{
		AccountID:      acc.ID,
		Kind:           types.ActionMarkRead,
		TargetID:       msg.ID,
		NextEligibleAt: time.Now(),
	}
	require.NoError(t, s.InsertPendingAction(action))

	require.NoError(t, s.ApplyMessageDelta(acc.ID, inbox.ID, &MessageDelta{
		DeletedIDs: []string{"m1"},
	}))

	// The mutation is invalidated with a conflict, not silently dropped,
	// and the message stays visible with the error.
	got, err := s.GetPendingAction(action.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ActionFailed, got.Status)
	assert.Contains(t, got.LastError, "conflict")

	kept, err := s.GetMessage(msg.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, kept.LastSyncError)
}

func TestMessageTokenPersistedWithDelta(t *testing.T) {
	s := newTestStore(t)
	acc := newTestAccount(t, s)
	inbox := mustFolder(t, s, acc.ID, "INBOX")

	require.NoError(t, s.ApplyMessageDelta(acc.ID, inbox.ID, &MessageDelta{
		Upserts:  []types.MessageDTO{{RemoteID: "m1", Date: time.Now(), FolderRemoteIDs: []string{"INBOX"}}},
		NewToken: "page-2",
	}))

	folder, err := s.GetFolder(inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, "page-2", folder.MessageToken)
}

func TestLocallyModifiedFlagsSurviveDelta(t *testing.T) {
	s := newTestStore(t)
	acc := newTestAccount(t, s)
	inbox := mustFolder(t, s, acc.ID, "INBOX")

	require.NoError(t, s.ApplyMessageDelta(acc.ID, inbox.ID, &MessageDelta{
		Upserts: []types.MessageDTO{{RemoteID: "m1", Date: time.Now(), FolderRemoteIDs: []string{"INBOX"}}},
	}))
	msg, err := s.MessageByRemoteID(acc.ID, "m1")
	require.NoError(t, err)

	// User marks it read offline.
	action := &types.PendingAction{AccountID: acc.ID, Kind: types.ActionMarkRead, TargetID: msg.ID, NextEligibleAt: time.Now()}
	require.NoError(t, s.InsertPendingAction(action))
	require.NoError(t, s.ApplyOptimisticMutation(action))

	// A delta still reporting it unread must not clobber the optimistic
	// flag while the upload is outstanding.
	require.NoError(t, s.ApplyMessageDelta(acc.ID, inbox.ID, &MessageDelta{
		Upserts: []types.MessageDTO{{RemoteID: "m1", Date: time.Now(), IsRead: false, FolderRemoteIDs: []string{"INBOX"}}},
	}))

	got, err := s.GetMessage(msg.ID)
	require.NoError(t, err)
	assert.True(t, got.IsRead)
	assert.True(t, got.LocallyModified)
}
