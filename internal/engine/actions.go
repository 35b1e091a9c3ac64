package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tonimelisma/mail-sub002/internal/adapter"
	"github.com/tonimelisma/mail-sub002/internal/health"
	"github.com/tonimelisma/mail-sub002/internal/store"
	"github.com/tonimelisma/mail-sub002/pkg/types"
)

// retrySchedule is the backoff ladder for transiently failed uploads,
// capping at the last interval.
var retrySchedule = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
	60 * time.Minute,
}

// retryDelay returns the backoff after the given number of prior attempts
func retryDelay(attempts int) time.Duration {
	if attempts >= len(retrySchedule) {
		return retrySchedule[len(retrySchedule)-1]
	}
	return retrySchedule[attempts]
}

// actionRunner drains the durable mutation queue for one account at a
// time. It is only ever invoked through the controller, as a level-2 job.
type actionRunner struct {
	store  *store.Store
	api    adapter.MailAPI
	health *health.Tracker
	logger *logrus.Logger
	now    func() time.Time
}

// drain uploads eligible pending actions oldest-first until the queue is
// empty, connectivity blocks, or a transient failure stops the pass.
func (w *actionRunner) drain(ctx context.Context, account *types.Account) error {
	for {
		if w.health.State() == health.Blocked {
			w.logger.WithField("account", account.Name).Debug("Connectivity blocked; skipping action drain")
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		action, err := w.store.NextEligibleAction(account.ID, w.now())
		if err != nil {
			return fmt.Errorf("next eligible action: %w", err)
		}
		if action == nil {
			return nil
		}

		ref, err := w.resolveRef(action)
		if err != nil {
			// The target is gone locally; nothing sensible to upload.
			w.logger.WithError(err).WithField("action", action.ID).Warn("Action target unresolvable")
			if err := w.store.MarkActionFailed(action.ID, err.Error()); err != nil {
				return err
			}
			continue
		}

		err = w.api.ApplyMutation(ctx, account, action, ref)
		if err == nil {
			w.health.RecordSuccess()
			if err := w.store.DeleteAction(action.ID); err != nil {
				return err
			}
			if action.Kind != types.ActionSend {
				if err := w.store.ClearLocallyModified(action.TargetID); err != nil {
					return err
				}
			}
			w.logger.WithFields(logrus.Fields{
				"account": account.Name,
				"action":  string(action.Kind),
				"target":  action.TargetID,
			}).Info("Uploaded action")
			continue
		}

		switch Classify(err) {
		case ClassAuth:
			return err
		case ClassPermanent:
			w.logger.WithError(err).WithFields(logrus.Fields{
				"account": account.Name,
				"action":  string(action.Kind),
			}).Warn("Action failed permanently")
			if err := w.store.MarkActionFailed(action.ID, err.Error()); err != nil {
				return err
			}
			continue
		default:
			// Transient (or unclassified): schedule the retry and stop
			// this pass; the rest of the queue would hit the same wall.
			w.health.RecordFailure()
			nextAt := w.now().Add(retryDelay(action.AttemptCount))
			if err := w.store.BumpActionRetry(action.ID, nextAt, err.Error()); err != nil {
				return err
			}
			w.logger.WithError(err).WithFields(logrus.Fields{
				"account":  account.Name,
				"action":   string(action.Kind),
				"attempts": action.AttemptCount + 1,
				"next_at":  nextAt,
			}).Warn("Action failed transiently")
			return err
		}
	}
}

// resolveRef maps a pending action's local target to its remote location.
// Send actions carry everything in the payload and need no reference.
func (w *actionRunner) resolveRef(action *types.PendingAction) (*adapter.MessageRef, error) {
	if action.Kind == types.ActionSend {
		return nil, nil
	}

	msg, err := w.store.GetMessage(action.TargetID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s no longer exists locally", action.TargetID)
	}
	if err != nil {
		return nil, err
	}

	ref := &adapter.MessageRef{RemoteID: msg.RemoteID}
	folderIDs, err := w.store.MessageFolderIDs(msg.ID)
	if err != nil {
		return nil, err
	}
	if len(folderIDs) > 0 {
		folder, err := w.store.GetFolder(folderIDs[0])
		if err == nil {
			ref.FolderRemoteID = folder.RemoteID
		}
	}
	return ref, nil
}
