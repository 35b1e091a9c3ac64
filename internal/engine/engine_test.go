package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/mail-sub002/internal/adapter"
	"github.com/tonimelisma/mail-sub002/internal/config"
	"github.com/tonimelisma/mail-sub002/internal/health"
	"github.com/tonimelisma/mail-sub002/internal/store"
	"github.com/tonimelisma/mail-sub002/pkg/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testConfig() *config.Config {
	return &config.Config{
		LogLevel:         "error",
		CacheBudgetBytes: 256 << 20,
		PollInterval:     5 * time.Minute,
		WorkerPoolSize:   2,
		AdapterTimeout:   10 * time.Second,
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	logger := testLogger()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store.NewStore(db, logger)
}

func newTestAccount(t *testing.T, st *store.Store) *types.Account {
	t.Helper()
	acc := &types.Account{Name: "test", Provider: types.ProviderIMAP, AuthOK: true}
	require.NoError(t, st.UpsertAccount(acc))
	return acc
}

func seedFolder(t *testing.T, st *store.Store, accountID, remoteID string, role types.FolderRole) *types.Folder {
	t.Helper()
	require.NoError(t, st.ApplyFolderDelta(accountID, &store.FolderDelta{
		Upserts: []types.FolderDTO{{RemoteID: remoteID, Name: remoteID, Role: role}},
	}))
	f, err := st.FolderByRemoteID(accountID, remoteID)
	require.NoError(t, err)
	return f
}

func seedMessage(t *testing.T, st *store.Store, accountID string, folder *types.Folder, remoteID string, date time.Time) *types.Message {
	t.Helper()
	require.NoError(t, st.ApplyMessageDelta(accountID, folder.ID, &store.MessageDelta{
		Upserts: []types.MessageDTO{{
			RemoteID:        remoteID,
			Subject:         "seed",
			Date:            date,
			FolderRemoteIDs: []string{folder.RemoteID},
		}},
		NewToken: folder.MessageToken,
	}))
	msg, err := st.MessageByRemoteID(accountID, remoteID)
	require.NoError(t, err)
	return msg
}

// fakeAPI is a scriptable adapter.MailAPI. Unset hooks return empty
// success results.
type fakeAPI struct {
	mu            sync.Mutex
	mutationCalls []types.ActionKind

	listFolders   func(token string) (*adapter.DeltaResult[types.FolderDTO], error)
	listMessages  func(folderRemoteID, token string) (*adapter.DeltaResult[types.MessageDTO], error)
	hasChanges    func(token string) (bool, error)
	applyMutation func(action *types.PendingAction, ref *adapter.MessageRef) error
	fetchBody     func(remoteID string) (*types.BodyContent, []byte, error)
	fetchAttach   func(remoteID, attachmentID string) ([]byte, error)
}

func (f *fakeAPI) ListFolders(_ context.Context, _ *types.Account, token string) (*adapter.DeltaResult[types.FolderDTO], error) {
	if f.listFolders != nil {
		return f.listFolders(token)
	}
	return &adapter.DeltaResult[types.FolderDTO]{}, nil
}

func (f *fakeAPI) ListMessages(_ context.Context, _ *types.Account, folderRemoteID, token string) (*adapter.DeltaResult[types.MessageDTO], error) {
	if f.listMessages != nil {
		return f.listMessages(folderRemoteID, token)
	}
	return &adapter.DeltaResult[types.MessageDTO]{}, nil
}

func (f *fakeAPI) HasChangesSince(_ context.Context, _ *types.Account, token string) (bool, error) {
	if f.hasChanges != nil {
		return f.hasChanges(token)
	}
	return true, nil
}

func (f *fakeAPI) ApplyMutation(_ context.Context, _ *types.Account, action *types.PendingAction, ref *adapter.MessageRef) error {
	f.mu.Lock()
	f.mutationCalls = append(f.mutationCalls, action.Kind)
	f.mu.Unlock()
	if f.applyMutation != nil {
		return f.applyMutation(action, ref)
	}
	return nil
}

func (f *fakeAPI) FetchFullBody(_ context.Context, _ *types.Account, remoteID string) (*types.BodyContent, []byte, error) {
	if f.fetchBody != nil {
		return f.fetchBody(remoteID)
	}
	return &types.BodyContent{}, []byte("body"), nil
}

func (f *fakeAPI) FetchAttachment(_ context.Context, _ *types.Account, remoteID, attachmentID string) ([]byte, error) {
	if f.fetchAttach != nil {
		return f.fetchAttach(remoteID, attachmentID)
	}
	return []byte("attachment"), nil
}

func (f *fakeAPI) mutations() []types.ActionKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.ActionKind, len(f.mutationCalls))
	copy(out, f.mutationCalls)
	return out
}

func blockedTracker() *health.Tracker {
	tracker := health.NewTracker(testLogger())
	for i := 0; i < 8; i++ {
		tracker.RecordFailure()
	}
	return tracker
}
