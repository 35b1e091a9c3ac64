package adapter

import (
	"context"
	"errors"
	"testing"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/mail-sub002/pkg/types"
)

func TestMessageTokenRoundTrip(t *testing.T) {
	token := messageToken{
		folder:      "INBOX",
		uidValidity: 123456,
		highestUID:  9000,
		backfillLow: 4000,
	}
	parsed, err := parseMessageToken(token.String())
	require.NoError(t, err)
	assert.Equal(t, token, parsed)
}

func TestParseMessageTokenRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "INBOX", "INBOX|1|2", "INBOX|x|2|3", "INBOX|1|2|3|4"} {
		_, err := parseMessageToken(s)
		assert.Error(t, err, s)
	}
}

func TestRemoteIDRoundTrip(t *testing.T) {
	id := remoteID("Archive/2024", 42)
	folder, uid, err := parseRemoteID(id)
	require.NoError(t, err)
	assert.Equal(t, "Archive/2024", folder)
	assert.Equal(t, uint32(42), uid)
}

func TestParseRemoteIDRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "INBOX", "INBOX:abc"} {
		_, _, err := parseRemoteID(s)
		require.Error(t, err, s)
		assert.True(t, errors.Is(err, ErrInvalidRequest))
	}
}

func TestFolderRolePrefersSpecialUseAttributes(t *testing.T) {
	m := &imap.MailboxInfo{Name: "Weird Name", Attributes: []string{"\\HasNoChildren", "\\Sent"}}
	assert.Equal(t, types.RoleSent, folderRole(m))
}

func TestFolderRoleFallsBackToWellKnownNames(t *testing.T) {
	tests := []struct {
		name string
		want types.FolderRole
	}{
		{"INBOX", types.RoleInbox},
		{"inbox", types.RoleInbox},
		{"Drafts", types.RoleDrafts},
		{"Sent Messages", types.RoleSent},
		{"Deleted Messages", types.RoleTrash},
		{"Outbox", types.RoleOutbox},
		{"Receipts", types.RoleOther},
	}
	for _, tt := range tests {
		m := &imap.MailboxInfo{Name: tt.name}
		assert.Equal(t, tt.want, folderRole(m), tt.name)
	}
}

func TestBuildMessagePlainText(t *testing.T) {
	raw := string(buildMessage("me@example.com", &SendPayload{
		To:      []string{"a@example.com", "b@example.com"},
		Subject: "greetings",
		Text:    "hello there",
	}))
	assert.Contains(t, raw, "From: me@example.com\r\n")
	assert.Contains(t, raw, "To: a@example.com, b@example.com\r\n")
	assert.Contains(t, raw, "Subject: greetings\r\n")
	assert.Contains(t, raw, "Content-Type: text/plain")
	assert.Contains(t, raw, "hello there")
	assert.NotContains(t, raw, "Cc:")
}

func TestBuildMessagePrefersHTMLBody(t *testing.T) {
	raw := string(buildMessage("me@example.com", &SendPayload{
		To:      []string{"a@example.com"},
		Cc:      []string{"c@example.com"},
		Subject: "report",
		Text:    "plain fallback",
		HTML:    "<p>rich</p>",
	}))
	assert.Contains(t, raw, "Cc: c@example.com\r\n")
	assert.Contains(t, raw, "Content-Type: text/html")
	assert.Contains(t, raw, "<p>rich</p>")
}

func TestStaticCredentials(t *testing.T) {
	creds := NewStaticCredentials(map[string]string{"acc-1": "secret"})

	token, err := creds.ValidToken(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "secret", token)

	_, err = creds.ValidToken(context.Background(), "acc-2")
	assert.True(t, errors.Is(err, ErrNeedsReauth))
}
