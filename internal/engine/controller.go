package engine

import (
	"container/heap"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tonimelisma/mail-sub002/internal/adapter"
	"github.com/tonimelisma/mail-sub002/internal/config"
	"github.com/tonimelisma/mail-sub002/internal/health"
	"github.com/tonimelisma/mail-sub002/internal/store"
	"github.com/tonimelisma/mail-sub002/pkg/types"
)

// staleSyncWindow is how long an account may go without a successful sync
// before a standing warning is raised.
const staleSyncWindow = 24 * time.Hour

// transientBackoffBase is the initial requeue delay for a transiently
// failed job; it doubles per attempt up to transientBackoffMax.
const (
	transientBackoffBase = 30 * time.Second
	transientBackoffMax  = 30 * time.Minute
	// unknownBackoff is the single extra-long delay for unclassified
	// failures.
	unknownBackoff = 10 * time.Minute
	// blockedDeferral is how long background jobs are pushed out while
	// connectivity is blocked.
	blockedDeferral = 30 * time.Second
)

// Engine is the controller: the single owner of the priority queue and
// the only component that invokes the reconciler, drains the action
// queue, or triggers eviction. There is exactly one per process, injected
// into callers rather than reached through a global.
type Engine struct {
	cfg    *config.Config
	store  *store.Store
	api    adapter.MailAPI
	health *health.Tracker
	logger *logrus.Logger

	mu           sync.Mutex
	queue        jobQueue
	keys         map[string]bool // queued or in-flight, for dedup
	busyAccounts map[string]bool // at most one network job per account
	inFlightMsgs map[string]bool // messages with an active fetch/upload
	seq          uint64

	wake chan struct{}
	sem  chan struct{}

	reconciler *reconciler
	actions    *actionRunner
	evictor    *evictor
	now        func() time.Time
}

// New creates the engine. Nothing runs until Run is called.
func New(cfg *config.Config, st *store.Store, api adapter.MailAPI, tracker *health.Tracker, logger *logrus.Logger) *Engine {
	e := &Engine{
		cfg:          cfg,
		store:        st,
		api:          api,
		health:       tracker,
		logger:       logger,
		keys:         make(map[string]bool),
		busyAccounts: make(map[string]bool),
		inFlightMsgs: make(map[string]bool),
		wake:         make(chan struct{}, 1),
		sem:          make(chan struct{}, cfg.WorkerPoolSize),
		now:          time.Now,
	}
	e.reconciler = &reconciler{store: st, api: api, logger: logger}
	e.actions = &actionRunner{store: st, api: api, health: tracker, logger: logger, now: e.now}
	e.evictor = &evictor{store: st, logger: logger, now: e.now}
	heap.Init(&e.queue)
	return e
}

// Submit enqueues a job. Submitting a job whose (kind, target) key is
// already queued or in flight is a no-op, so superseding work is
// deduplicated rather than cancelled mid-flight.
func (e *Engine) Submit(job Job) {
	e.mu.Lock()
	if e.keys[job.Key()] {
		e.mu.Unlock()
		e.logger.WithField("job", job.Key()).Debug("Duplicate job ignored")
		return
	}
	e.keys[job.Key()] = true
	e.seq++
	heap.Push(&e.queue, &queuedJob{job: job, seq: e.seq})
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// EnqueueAction durably records a user mutation, applies its optimistic
// local effect, and schedules an upload. It never touches the network and
// always returns immediately.
func (e *Engine) EnqueueAction(accountID string, kind types.ActionKind, targetID, payload string) (*types.PendingAction, error) {
	action := &types.PendingAction{
		AccountID:      accountID,
		Kind:           kind,
		TargetID:       targetID,
		Payload:        payload,
		Status:         types.ActionPending,
		NextEligibleAt: e.now(),
	}
	if err := e.store.InsertPendingAction(action); err != nil {
		return nil, err
	}
	if err := e.store.ApplyOptimisticMutation(action); err != nil {
		e.logger.WithError(err).WithField("action", action.ID).Warn("Failed to apply optimistic mutation")
	}
	e.Submit(UploadActions{Account: accountID})
	return action, nil
}

// RetryAction re-arms a permanently failed action on user request
func (e *Engine) RetryAction(actionID string) error {
	action, err := e.store.GetPendingAction(actionID)
	if err != nil {
		return err
	}
	if err := e.store.ResetAction(actionID, e.now()); err != nil {
		return err
	}
	e.Submit(UploadActions{Account: action.AccountID})
	return nil
}

// DiscardAction drops a failed action on user request
func (e *Engine) DiscardAction(actionID string) error {
	return e.store.DeleteAction(actionID)
}

// Run is the controller loop. It drains the queue until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.prime()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		qj := e.popEligible()
		if qj == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				e.submitPeriodic()
			case <-e.wake:
			case <-time.After(time.Second):
				// Deferred jobs become eligible on their own clock.
			}
			continue
		}

		select {
		case <-ctx.Done():
			e.requeue(qj, 0)
			return ctx.Err()
		case e.sem <- struct{}{}:
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-e.sem }()
			e.execute(ctx, qj)
			select {
			case e.wake <- struct{}{}:
			default:
			}
		}()
	}
}

// prime enqueues startup work: the durable action queue is the source of
// truth, so accounts with eligible pending actions get upload jobs, and
// every account gets a freshness check.
func (e *Engine) prime() {
	accountIDs, err := e.store.AccountsWithEligibleActions(e.now())
	if err != nil {
		e.logger.WithError(err).Warn("Failed to prime upload jobs")
	}
	for _, id := range accountIDs {
		e.Submit(UploadActions{Account: id})
	}

	accounts, err := e.store.ListAccounts()
	if err != nil {
		e.logger.WithError(err).Warn("Failed to list accounts for priming")
		return
	}
	for _, acc := range accounts {
		e.Submit(CheckForNewMail{Account: acc.ID})
	}
}

// submitPeriodic enqueues the recurring background jobs and raises
// stale-sync warnings.
func (e *Engine) submitPeriodic() {
	accounts, err := e.store.ListAccounts()
	if err != nil {
		e.logger.WithError(err).Warn("Failed to list accounts")
		return
	}
	for _, acc := range accounts {
		e.Submit(CheckForNewMail{Account: acc.ID})
		e.Submit(UploadActions{Account: acc.ID})
	}
	e.Submit(RunCacheEviction{})

	stale, err := e.store.StaleAccounts(e.now().Add(-staleSyncWindow))
	if err != nil {
		e.logger.WithError(err).Warn("Failed to check for stale accounts")
		return
	}
	for _, acc := range stale {
		e.logger.WithField("account", acc.Name).Warn("No successful sync within warning window")
		if err := e.store.SetStaleWarned(acc.ID, true); err != nil {
			e.logger.WithError(err).Warn("Failed to record stale warning")
		}
	}
}

// popEligible pulls the highest-priority runnable job. A job is skipped
// (left queued) when its deferral has not elapsed, its account already
// has a network operation in flight, or it is background work while
// connectivity is blocked.
func (e *Engine) popEligible() *queuedJob {
	e.mu.Lock()
	defer e.mu.Unlock()

	blocked := e.health.State() == health.Blocked
	now := e.now()

	qj := popEligible(&e.queue, now, func(item *queuedJob) bool {
		if acc := item.job.AccountID(); acc != "" && e.busyAccounts[acc] {
			return false
		}
		if blocked && item.job.Level() == LevelBackground {
			// Push out instead of spinning on it.
			item.notBefore = now.Add(blockedDeferral)
			return false
		}
		return true
	})
	if qj == nil {
		return nil
	}

	if acc := qj.job.AccountID(); acc != "" {
		e.busyAccounts[acc] = true
	}
	if msgID := jobMessageID(qj.job); msgID != "" {
		e.inFlightMsgs[msgID] = true
	}
	return qj
}

// jobMessageID returns the message a job holds in flight, if any
func jobMessageID(job Job) string {
	switch j := job.(type) {
	case FetchFullBody:
		return j.MessageID
	case FetchAttachment:
		return j.MessageID
	}
	return ""
}

// finish releases a job's account and dedup reservations
func (e *Engine) finish(qj *queuedJob) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if acc := qj.job.AccountID(); acc != "" {
		delete(e.busyAccounts, acc)
	}
	if msgID := jobMessageID(qj.job); msgID != "" {
		delete(e.inFlightMsgs, msgID)
	}
	delete(e.keys, qj.job.Key())
}

// requeue puts a job back with a deferral, keeping its dedup key
// reserved so a duplicate cannot slip in between.
func (e *Engine) requeue(qj *queuedJob, delay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if acc := qj.job.AccountID(); acc != "" {
		delete(e.busyAccounts, acc)
	}
	if msgID := jobMessageID(qj.job); msgID != "" {
		delete(e.inFlightMsgs, msgID)
	}
	qj.attempts++
	qj.notBefore = e.now().Add(delay)
	heap.Push(&e.queue, qj)
}

// transientDelay is the exponential requeue backoff for a job, extended
// while connectivity is degraded.
func (e *Engine) transientDelay(attempts int) time.Duration {
	delay := transientBackoffBase
	for i := 0; i < attempts && delay < transientBackoffMax; i++ {
		delay *= 2
	}
	if delay > transientBackoffMax {
		delay = transientBackoffMax
	}
	if e.health.State() == health.Degraded {
		delay *= 2
	}
	return delay
}

// execute runs one job to completion and classifies its outcome. No error
// escapes this boundary.
func (e *Engine) execute(ctx context.Context, qj *queuedJob) {
	job := qj.job
	log := e.logger.WithFields(logrus.Fields{
		"job":   job.Key(),
		"level": int(job.Level()),
	})
	log.Debug("Dispatching job")

	var account *types.Account
	if id := job.AccountID(); id != "" {
		var err error
		account, err = e.store.GetAccount(id)
		if err != nil {
			log.WithError(err).Warn("Dropping job for unknown account")
			e.finish(qj)
			return
		}
		if !account.AuthOK {
			log.Debug("Account needs reauthentication; dropping job")
			e.finish(qj)
			return
		}
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.AdapterTimeout)
	defer cancel()

	followUp, err := e.dispatch(ctx, job, account)
	if err == nil {
		if account != nil {
			e.health.RecordSuccess()
			if isSyncJob(job) {
				if serr := e.store.SetAccountLastSync(account.ID, e.now()); serr != nil {
					log.WithError(serr).Warn("Failed to record sync time")
				}
			}
		}
		// Release the dedup key before submitting the follow-up: a
		// successor sharing the key (the next backfill page) would
		// otherwise be dropped as a duplicate of the job that spawned it.
		e.finish(qj)
		if followUp != nil {
			e.Submit(followUp)
		}
		if _, ok := job.(UploadActions); ok && account != nil {
			e.resubmitPendingUploads(account.ID)
		}
		return
	}

	switch Classify(err) {
	case ClassAuth:
		log.WithError(err).Warn("Account needs reauthentication; pausing its jobs")
		if account != nil {
			if serr := e.store.SetAccountAuthOK(account.ID, false); serr != nil {
				log.WithError(serr).Warn("Failed to record auth state")
			}
		}
		e.finish(qj)
	case ClassPermanent:
		log.WithError(err).Warn("Job failed permanently; dropping")
		e.recordPermanentFailure(job, err)
		e.finish(qj)
	case ClassTransient:
		e.health.RecordFailure()
		delay := e.transientDelay(qj.attempts)
		log.WithError(err).WithField("delay", delay).Info("Job failed transiently; requeueing")
		e.requeue(qj, delay)
	default:
		// Fail safe: treat as transient with one extra-long backoff.
		e.health.RecordFailure()
		log.WithError(err).WithField("delay", unknownBackoff).Warn("Unclassified job failure; requeueing")
		e.requeue(qj, unknownBackoff)
	}
}

// isSyncJob reports whether a successful run counts as "synced" for the
// stale-sync warning.
func isSyncJob(job Job) bool {
	switch job.(type) {
	case RefreshFolderList, ForceRefreshFolder, FetchNextPage, CheckForNewMail:
		return true
	}
	return false
}

// recordPermanentFailure surfaces a dropped job as a status update on the
// affected entity. Only message fetches carry an entity to annotate today.
func (e *Engine) recordPermanentFailure(job Job, cause error) {
	switch j := job.(type) {
	case FetchFullBody:
		e.markMessageError(j.MessageID, cause)
	case FetchAttachment:
		e.markMessageError(j.MessageID, cause)
	}
}

func (e *Engine) markMessageError(messageID string, cause error) {
	msg, err := e.store.GetMessage(messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return
	}
	if err != nil {
		e.logger.WithError(err).Warn("Failed to load message for error status")
		return
	}
	if err := e.store.SetMessageSyncError(msg.ID, cause.Error()); err != nil {
		e.logger.WithError(err).Warn("Failed to record message sync error")
	}
}

// resubmitPendingUploads closes the race between a finishing drain pass
// and a mutation enqueued while it ran: the new upload job is deduped
// against the in-flight one, so eligible rows left after the key is
// released need a fresh job.
func (e *Engine) resubmitPendingUploads(accountID string) {
	action, err := e.store.NextEligibleAction(accountID, e.now())
	if err != nil {
		e.logger.WithError(err).Warn("Failed to check for remaining actions")
		return
	}
	if action != nil {
		e.Submit(UploadActions{Account: accountID})
	}
}

// dispatch is the exhaustive switch over every job kind. The returned
// follow-up job, if any, is submitted only after the current job's
// reservations are released.
func (e *Engine) dispatch(ctx context.Context, job Job, account *types.Account) (Job, error) {
	switch j := job.(type) {
	case RefreshFolderList:
		return nil, e.reconciler.refreshFolderList(ctx, account)

	case ForceRefreshFolder:
		folder, err := e.store.GetFolder(j.FolderID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("folder %s: %w", j.FolderID, adapter.ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
		hasMore, err := e.reconciler.refreshMessages(ctx, account, folder)
		if err != nil {
			return nil, err
		}
		if hasMore {
			return FetchNextPage{Account: j.Account, FolderID: j.FolderID, UserInitiated: true}, nil
		}
		return nil, nil

	case FetchNextPage:
		folder, err := e.store.GetFolder(j.FolderID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("folder %s: %w", j.FolderID, adapter.ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
		hasMore, err := e.reconciler.refreshMessages(ctx, account, folder)
		if err != nil {
			return nil, err
		}
		if hasMore {
			// The token was persisted with the patch, so the sequence
			// survives a restart from here.
			return FetchNextPage{Account: j.Account, FolderID: j.FolderID, UserInitiated: j.UserInitiated}, nil
		}
		return nil, nil

	case CheckForNewMail:
		hasMore, err := e.reconciler.checkForNewMail(ctx, account)
		if err != nil {
			return nil, err
		}
		if hasMore {
			inbox, ierr := e.store.FolderByRole(account.ID, types.RoleInbox)
			if ierr == nil {
				return FetchNextPage{Account: j.Account, FolderID: inbox.ID}, nil
			}
		}
		return nil, nil

	case FetchFullBody:
		return nil, e.fetchBody(ctx, account, j.MessageID)

	case FetchAttachment:
		return nil, e.fetchAttachment(ctx, account, j.MessageID, j.AttachmentID)

	case UploadActions:
		return nil, e.actions.drain(ctx, account)

	case RunCacheEviction:
		e.mu.Lock()
		inFlight := make(map[string]bool, len(e.inFlightMsgs))
		for id := range e.inFlightMsgs {
			inFlight[id] = true
		}
		e.mu.Unlock()
		_, err := e.evictor.run(ctx, e.cfg.CacheBudgetBytes, inFlight)
		return nil, err

	default:
		return nil, fmt.Errorf("%w: unhandled job kind %T", adapter.ErrInvalidRequest, job)
	}
}

// fetchBody downloads and caches a message's full content, skipping the
// network when the cache already has it.
func (e *Engine) fetchBody(ctx context.Context, account *types.Account, messageID string) error {
	msg, err := e.store.GetMessage(messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("message %s: %w", messageID, adapter.ErrNotFound)
	}
	if err != nil {
		return err
	}

	if ok, err := e.store.HasBlob(msg.ID, types.BlobBody, ""); err == nil && ok {
		// Bump the access timestamp so the evictor sees the use.
		_, _ = e.store.GetBlob(msg.ID, types.BlobBody, "", e.now())
		return nil
	}

	_, raw, err := e.api.FetchFullBody(ctx, account, msg.RemoteID)
	if err != nil {
		return err
	}
	return e.store.PutBlob(msg.ID, types.BlobBody, "", raw, e.now())
}

// fetchAttachment downloads and caches one attachment
func (e *Engine) fetchAttachment(ctx context.Context, account *types.Account, messageID, attachmentID string) error {
	msg, err := e.store.GetMessage(messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("message %s: %w", messageID, adapter.ErrNotFound)
	}
	if err != nil {
		return err
	}

	if ok, err := e.store.HasBlob(msg.ID, types.BlobAttachment, attachmentID); err == nil && ok {
		_, _ = e.store.GetBlob(msg.ID, types.BlobAttachment, attachmentID, e.now())
		return nil
	}

	content, err := e.api.FetchAttachment(ctx, account, msg.RemoteID, attachmentID)
	if err != nil {
		return err
	}
	return e.store.PutBlob(msg.ID, types.BlobAttachment, attachmentID, content, e.now())
}
