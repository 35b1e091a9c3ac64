package engine

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tonimelisma/mail-sub002/internal/store"
)

// evictionTarget is the fraction of the budget eviction reduces to,
// leaving hysteresis so the cache does not thrash at the boundary.
const evictionTargetPct = 80

// retentionWindow protects recently used or recently received content
// from eviction.
const retentionWindow = 90 * 24 * time.Hour

// evictor enforces the byte budget over cached bodies and attachments.
// It runs as a periodic level-4 job through the controller.
type evictor struct {
	store  *store.Store
	logger *logrus.Logger
	now    func() time.Time
}

// run reduces total cached bytes to the eviction target when the budget
// is exceeded. inFlight lists message ids with an active upload or
// download; their content is never touched.
func (e *evictor) run(ctx context.Context, budget int64, inFlight map[string]bool) (int64, error) {
	total, err := e.store.TotalBlobBytes()
	if err != nil {
		return 0, err
	}
	if total <= budget {
		return 0, nil
	}

	target := budget * evictionTargetPct / 100
	cutoff := e.now().Add(-retentionWindow)

	candidates, err := e.store.EvictionCandidates(cutoff)
	if err != nil {
		return 0, err
	}

	var reclaimed int64
	for _, c := range candidates {
		if total <= target {
			break
		}
		if err := ctx.Err(); err != nil {
			return reclaimed, err
		}
		if inFlight[c.MessageID] {
			continue
		}

		if err := e.store.DeleteBlob(c.BlobID); err != nil {
			return reclaimed, err
		}
		total -= c.SizeBytes
		reclaimed += c.SizeBytes

		// Once an old message has neither attachments nor body left, its
		// header metadata goes too.
		if c.MessageDate.Before(cutoff) {
			n, err := e.store.MessageBlobCount(c.MessageID)
			if err != nil {
				return reclaimed, err
			}
			if n == 0 {
				if err := e.store.DeleteMessage(c.MessageID); err != nil {
					return reclaimed, err
				}
			}
		}
	}

	e.logger.WithFields(logrus.Fields{
		"reclaimed": reclaimed,
		"total":     total,
		"target":    target,
	}).Info("Cache eviction pass complete")
	return reclaimed, nil
}
