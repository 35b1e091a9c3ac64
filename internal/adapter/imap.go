package adapter

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/jhillyerd/enmime"
	"github.com/sirupsen/logrus"

	"github.com/tonimelisma/mail-sub002/internal/config"
	"github.com/tonimelisma/mail-sub002/pkg/types"
)

// MessageRef locates a message at the provider for a mutation
type MessageRef struct {
	RemoteID       string
	FolderRemoteID string
}

// SendPayload is the JSON payload carried by an ActionSend pending action
type SendPayload struct {
	To      []string `json:"to"`
	Cc      []string `json:"cc,omitempty"`
	Bcc     []string `json:"bcc,omitempty"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
	HTML    string   `json:"html,omitempty"`
}

// IMAPAdapter implements MailAPI for plain IMAP/SMTP providers.
//
// IMAP has no server-side change log, so tokens encode
// "folder|uidvalidity|highestSeenUID|backfillLowUID" and deltas are
// derived from UID ranges: new mail above the high-water mark, backfill
// below the low-water mark. Folder lists are always full enumerations and
// carry no token. Message remote ids are "folder:uid"; a move re-issues
// the id and the next delta reconciles it.
type IMAPAdapter struct {
	cfg      *config.Config
	creds    CredentialSupplier
	logger   *logrus.Logger
	pageSize uint32

	mu      sync.Mutex
	clients map[string]*client.Client // account name -> live connection
}

// NewIMAPAdapter creates the adapter; connections are dialed lazily
func NewIMAPAdapter(cfg *config.Config, creds CredentialSupplier, logger *logrus.Logger) *IMAPAdapter {
	return &IMAPAdapter{
		cfg:      cfg,
		creds:    creds,
		logger:   logger,
		pageSize: 100,
		clients:  make(map[string]*client.Client),
	}
}

// Close logs out all live connections
func (a *IMAPAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for name, c := range a.clients {
		c.Logout() //nolint:errcheck
		delete(a.clients, name)
	}
	return nil
}

// connect returns a logged-in client for the account, dialing if needed
func (a *IMAPAdapter) connect(ctx context.Context, account *types.Account) (*client.Client, *config.AccountConfig, error) {
	accCfg, err := a.cfg.GetAccountByName(account.Name)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrInvalidRequest, account.Name)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if c, ok := a.clients[account.Name]; ok {
		return c, accCfg, nil
	}

	password, err := a.creds.ValidToken(ctx, account.ID)
	if err != nil {
		return nil, nil, err
	}

	addr := fmt.Sprintf("%s:%d", accCfg.IMAPHost, accCfg.IMAPPort)
	c, err := client.DialTLS(addr, &tls.Config{
		ServerName: accCfg.IMAPHost,
		MinVersion: tls.VersionTLS12,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	c.Timeout = a.cfg.AdapterTimeout

	if err := c.Login(accCfg.IMAPUsername, password); err != nil {
		c.Logout() //nolint:errcheck
		a.logger.WithError(err).WithField("account", account.Name).Warn("IMAP login failed")
		return nil, nil, fmt.Errorf("imap login: %w", ErrNeedsReauth)
	}

	a.clients[account.Name] = c
	a.logger.WithField("account", account.Name).Info("Connected to IMAP server")
	return c, accCfg, nil
}

// drop discards a connection after a failed operation so the next call
// redials.
func (a *IMAPAdapter) drop(accountName string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.clients[accountName]; ok {
		c.Logout() //nolint:errcheck
		delete(a.clients, accountName)
	}
}

// ListFolders returns the full mailbox list. IMAP has no folder change
// log, so no token is ever issued and every pass is a complete snapshot.
func (a *IMAPAdapter) ListFolders(ctx context.Context, account *types.Account, _ string) (*DeltaResult[types.FolderDTO], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, _, err := a.connect(ctx, account)
	if err != nil {
		return nil, err
	}

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.List("", "*", mailboxes)
	}()

	var result DeltaResult[types.FolderDTO]
	for m := range mailboxes {
		result.Upserts = append(result.Upserts, types.FolderDTO{
			RemoteID: m.Name,
			Name:     m.Name,
			Role:     folderRole(m),
		})
	}
	if err := <-done; err != nil {
		a.drop(account.Name)
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	return &result, nil
}

// folderRole maps a mailbox to its functional role using special-use
// attributes when present and well-known names otherwise.
func folderRole(m *imap.MailboxInfo) types.FolderRole {
	for _, attr := range m.Attributes {
		switch attr {
		case "\\Drafts":
			return types.RoleDrafts
		case "\\Sent":
			return types.RoleSent
		case "\\Trash":
			return types.RoleTrash
		}
	}
	switch strings.ToUpper(m.Name) {
	case "INBOX":
		return types.RoleInbox
	case "DRAFTS":
		return types.RoleDrafts
	case "SENT", "SENT MAIL", "SENT MESSAGES":
		return types.RoleSent
	case "TRASH", "DELETED", "DELETED MESSAGES":
		return types.RoleTrash
	case "OUTBOX":
		return types.RoleOutbox
	}
	return types.RoleOther
}

// messageToken is the parsed form of an opaque message-list token
type messageToken struct {
	folder      string
	uidValidity uint32
	highestUID  uint32
	backfillLow uint32
}

func (t messageToken) String() string {
	return fmt.Sprintf("%s|%d|%d|%d", t.folder, t.uidValidity, t.highestUID, t.backfillLow)
}

func parseMessageToken(s string) (messageToken, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 4 {
		return messageToken{}, fmt.Errorf("malformed token")
	}
	validity, err1 := strconv.ParseUint(parts[1], 10, 32)
	highest, err2 := strconv.ParseUint(parts[2], 10, 32)
	low, err3 := strconv.ParseUint(parts[3], 10, 32)
	if err1 != nil || err2 != nil || err3 != nil {
		return messageToken{}, fmt.Errorf("malformed token")
	}
	return messageToken{
		folder:      parts[0],
		uidValidity: uint32(validity),
		highestUID:  uint32(highest),
		backfillLow: uint32(low),
	}, nil
}

// ListMessages returns one page of changes for a folder. With no token a
// fresh enumeration starts from the newest messages; with a token, new
// mail above the high-water mark is fetched first, then the next backfill
// page below the low-water mark.
func (a *IMAPAdapter) ListMessages(ctx context.Context, account *types.Account, folderRemoteID, token string) (*DeltaResult[types.MessageDTO], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, _, err := a.connect(ctx, account)
	if err != nil {
		return nil, err
	}

	mbox, err := c.Select(folderRemoteID, true)
	if err != nil {
		a.drop(account.Name)
		if strings.Contains(strings.ToLower(err.Error()), "no such") ||
			strings.Contains(strings.ToLower(err.Error()), "nonexistent") {
			return nil, fmt.Errorf("select %s: %w", folderRemoteID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to select folder: %w", err)
	}

	result := &DeltaResult[types.MessageDTO]{}
	tok := messageToken{
		folder:      folderRemoteID,
		uidValidity: mbox.UidValidity,
	}

	if token != "" {
		parsed, perr := parseMessageToken(token)
		if perr != nil || parsed.uidValidity != mbox.UidValidity || parsed.folder != folderRemoteID {
			// Stored token is unusable; full resync. Deletion inference
			// from absence is unsafe for this pass.
			result.TokenWasReset = true
		} else {
			tok = parsed
		}
	}

	var maxUID uint32
	if mbox.UidNext > 1 {
		maxUID = mbox.UidNext - 1
	}
	if mbox.Messages == 0 || maxUID == 0 {
		tok.highestUID = 0
		tok.backfillLow = 1
		result.NextToken = tok.String()
		return result, nil
	}

	var from, to uint32
	switch {
	case token == "" || result.TokenWasReset || tok.highestUID == 0:
		// First page of a fresh enumeration: newest pageSize messages.
		to = maxUID
		from = 1
		if maxUID > a.pageSize {
			from = maxUID - a.pageSize + 1
		}
		tok.highestUID = maxUID
		tok.backfillLow = from
	case maxUID > tok.highestUID:
		// New mail since the last sync.
		from = tok.highestUID + 1
		to = maxUID
		if to-from+1 > a.pageSize {
			to = from + a.pageSize - 1
		}
		tok.highestUID = to
	case tok.backfillLow > 1:
		// Continue backfilling older messages.
		to = tok.backfillLow - 1
		from = 1
		if to > a.pageSize {
			from = to - a.pageSize + 1
		}
		tok.backfillLow = from
	default:
		// Nothing changed.
		result.NextToken = tok.String()
		return result, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(from, to)
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchInternalDate, imap.FetchUid}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqSet, items, messages)
	}()

	for msg := range messages {
		result.Upserts = append(result.Upserts, parseHeader(msg, folderRemoteID))
	}
	if err := <-done; err != nil {
		a.drop(account.Name)
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	result.NextToken = tok.String()
	result.HasMore = tok.backfillLow > 1 || maxUID > tok.highestUID
	return result, nil
}

// parseHeader maps an IMAP envelope fetch to a MessageDTO. IMAP messages
// live in exactly one mailbox, so the label set is the containing folder.
func parseHeader(msg *imap.Message, folderRemoteID string) types.MessageDTO {
	dto := types.MessageDTO{
		RemoteID:        remoteID(folderRemoteID, msg.Uid),
		FolderRemoteIDs: []string{folderRemoteID},
		Date:            msg.InternalDate,
	}
	if msg.Envelope != nil {
		dto.Subject = msg.Envelope.Subject
		if !msg.Envelope.Date.IsZero() {
			dto.Date = msg.Envelope.Date
		}
		if len(msg.Envelope.From) > 0 {
			dto.Sender = msg.Envelope.From[0].Address()
		}
	}
	for _, flag := range msg.Flags {
		switch flag {
		case imap.SeenFlag:
			dto.IsRead = true
		case imap.FlaggedFlag:
			dto.IsStarred = true
		case imap.DraftFlag:
			dto.IsDraft = true
		}
	}
	return dto
}

func remoteID(folderRemoteID string, uid uint32) string {
	return fmt.Sprintf("%s:%d", folderRemoteID, uid)
}

func parseRemoteID(id string) (folder string, uid uint32, err error) {
	idx := strings.LastIndex(id, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("%w: malformed message id %q", ErrInvalidRequest, id)
	}
	n, err := strconv.ParseUint(id[idx+1:], 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("%w: malformed message id %q", ErrInvalidRequest, id)
	}
	return id[:idx], uint32(n), nil
}

// HasChangesSince reports whether a folder has new mail beyond the token's
// high-water mark, without fetching anything.
func (a *IMAPAdapter) HasChangesSince(ctx context.Context, account *types.Account, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	tok, err := parseMessageToken(token)
	if err != nil {
		return true, nil
	}
	c, _, err := a.connect(ctx, account)
	if err != nil {
		return false, err
	}
	status, err := c.Status(tok.folder, []imap.StatusItem{imap.StatusUidNext, imap.StatusUidValidity})
	if err != nil {
		a.drop(account.Name)
		return false, fmt.Errorf("failed to get folder status: %w", err)
	}
	if status.UidValidity != tok.uidValidity {
		return true, nil
	}
	return status.UidNext-1 > tok.highestUID, nil
}

// ApplyMutation replays one queued mutation. Mutations are idempotent: a
// UID that no longer exists in the source folder is treated as already
// applied, so a crash-and-replay does not double-apply or fail.
func (a *IMAPAdapter) ApplyMutation(ctx context.Context, account *types.Account, action *types.PendingAction, ref *MessageRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if action.Kind == types.ActionSend {
		return a.sendMessage(ctx, account, action.Payload)
	}

	if ref == nil {
		return fmt.Errorf("%w: mutation %s requires a message reference", ErrInvalidRequest, action.Kind)
	}
	folder, uid, err := parseRemoteID(ref.RemoteID)
	if err != nil {
		return err
	}
	if ref.FolderRemoteID != "" {
		folder = ref.FolderRemoteID
	}

	c, _, err := a.connect(ctx, account)
	if err != nil {
		return err
	}
	if _, err := c.Select(folder, false); err != nil {
		a.drop(account.Name)
		return fmt.Errorf("failed to select folder: %w", err)
	}

	// Existence probe for idempotency.
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	criteria := imap.NewSearchCriteria()
	criteria.Uid = seqSet
	uids, err := c.UidSearch(criteria)
	if err != nil {
		a.drop(account.Name)
		return fmt.Errorf("failed to search message: %w", err)
	}
	if len(uids) == 0 {
		a.logger.WithFields(logrus.Fields{
			"account": account.Name,
			"action":  string(action.Kind),
			"target":  ref.RemoteID,
		}).Debug("Mutation target absent; treating as already applied")
		return nil
	}

	switch action.Kind {
	case types.ActionMarkRead:
		return a.storeFlags(c, account.Name, seqSet, imap.AddFlags, imap.SeenFlag)
	case types.ActionMarkUnread:
		return a.storeFlags(c, account.Name, seqSet, imap.RemoveFlags, imap.SeenFlag)
	case types.ActionStar:
		return a.storeFlags(c, account.Name, seqSet, imap.AddFlags, imap.FlaggedFlag)
	case types.ActionUnstar:
		return a.storeFlags(c, account.Name, seqSet, imap.RemoveFlags, imap.FlaggedFlag)
	case types.ActionDelete:
		if err := a.storeFlags(c, account.Name, seqSet, imap.AddFlags, imap.DeletedFlag); err != nil {
			return err
		}
		return a.expunge(c, account.Name)
	case types.ActionMove:
		if action.Payload == "" {
			return fmt.Errorf("%w: move requires a destination folder", ErrInvalidRequest)
		}
		if err := c.UidCopy(seqSet, action.Payload); err != nil {
			a.drop(account.Name)
			return fmt.Errorf("failed to copy message: %w", err)
		}
		if err := a.storeFlags(c, account.Name, seqSet, imap.AddFlags, imap.DeletedFlag); err != nil {
			return err
		}
		return a.expunge(c, account.Name)
	default:
		return fmt.Errorf("%w: unknown mutation kind %s", ErrInvalidRequest, action.Kind)
	}
}

func (a *IMAPAdapter) storeFlags(c *client.Client, accountName string, seqSet *imap.SeqSet, op imap.FlagsOp, flag string) error {
	item := imap.FormatFlagsOp(op, true)
	if err := c.UidStore(seqSet, item, []interface{}{flag}, nil); err != nil {
		a.drop(accountName)
		return fmt.Errorf("failed to store flags: %w", err)
	}
	return nil
}

func (a *IMAPAdapter) expunge(c *client.Client, accountName string) error {
	if err := c.Expunge(nil); err != nil {
		a.drop(accountName)
		return fmt.Errorf("failed to expunge: %w", err)
	}
	return nil
}

// FetchFullBody downloads a message's full RFC822 content and parses it.
// The raw bytes are returned alongside so the caller can cache them.
func (a *IMAPAdapter) FetchFullBody(ctx context.Context, account *types.Account, messageRemoteID string) (*types.BodyContent, []byte, error) {
	raw, err := a.fetchRaw(ctx, account, messageRemoteID)
	if err != nil {
		return nil, nil, err
	}

	content := &types.BodyContent{}
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		// Unparseable MIME still has value as plain text.
		a.logger.WithError(err).Debug("Failed to parse MIME, using raw body")
		content.Text = string(raw)
		return content, raw, nil
	}
	content.Text = env.Text
	content.HTML = env.HTML
	for i, part := range env.Attachments {
		id := part.FileName
		if id == "" {
			id = fmt.Sprintf("part-%d", i)
		}
		content.Attachments = append(content.Attachments, types.AttachmentDTO{
			ID:        id,
			Filename:  part.FileName,
			MimeType:  part.ContentType,
			SizeBytes: int64(len(part.Content)),
		})
	}
	return content, raw, nil
}

// FetchAttachment downloads a single attachment's bytes
func (a *IMAPAdapter) FetchAttachment(ctx context.Context, account *types.Account, messageRemoteID, attachmentID string) ([]byte, error) {
	raw, err := a.fetchRaw(ctx, account, messageRemoteID)
	if err != nil {
		return nil, err
	}
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	for i, part := range env.Attachments {
		id := part.FileName
		if id == "" {
			id = fmt.Sprintf("part-%d", i)
		}
		if id == attachmentID {
			return part.Content, nil
		}
	}
	return nil, fmt.Errorf("attachment %s: %w", attachmentID, ErrNotFound)
}

// fetchRaw fetches the full RFC822 bytes of one message by remote id
func (a *IMAPAdapter) fetchRaw(ctx context.Context, account *types.Account, messageRemoteID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	folder, uid, err := parseRemoteID(messageRemoteID)
	if err != nil {
		return nil, err
	}
	c, _, err := a.connect(ctx, account)
	if err != nil {
		return nil, err
	}
	if _, err := c.Select(folder, true); err != nil {
		a.drop(account.Name)
		return nil, fmt.Errorf("failed to select folder: %w", err)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	items := []imap.FetchItem{imap.FetchRFC822, imap.FetchUid}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqSet, items, messages)
	}()

	var raw []byte
	for msg := range messages {
		for _, literal := range msg.Body {
			raw = readLiteral(literal)
			if len(raw) > 0 {
				break
			}
		}
	}
	if err := <-done; err != nil {
		a.drop(account.Name)
		return nil, fmt.Errorf("failed to fetch message: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("message %s: %w", messageRemoteID, ErrNotFound)
	}
	return raw, nil
}

// readLiteral reads content from an IMAP literal and returns bytes
func readLiteral(literal imap.Literal) []byte {
	body := make([]byte, 0, 8192)
	buf := make([]byte, 1024)
	for {
		n, err := literal.Read(buf)
		if n > 0 {
			body = append(body, buf[:n]...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
	}
	return body
}
