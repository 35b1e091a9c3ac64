// Package health tracks connectivity quality so the engine can throttle
// work without hard-stopping: "network present but provider unreachable"
// is handled differently from a healthy link.
package health

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the current connectivity assessment
type State int

const (
	Normal State = iota
	Degraded
	Blocked
)

func (s State) String() string {
	switch s {
	case Normal:
		return "normal"
	case Degraded:
		return "degraded"
	case Blocked:
		return "blocked"
	}
	return "unknown"
}

// Tracker is a sliding-window failure counter. Failures within the window
// push the state toward Degraded and then Blocked; a single success resets
// to Normal immediately, since one success is strong evidence of recovery.
type Tracker struct {
	mu       sync.Mutex
	failures []time.Time

	window            time.Duration
	degradedThreshold int
	blockedThreshold  int

	logger *logrus.Logger
	now    func() time.Time
}

// NewTracker creates a tracker with the default thresholds: 4 failures in
// 60s degrades, 8 blocks.
func NewTracker(logger *logrus.Logger) *Tracker {
	return &Tracker{
		window:            60 * time.Second,
		degradedThreshold: 4,
		blockedThreshold:  8,
		logger:            logger,
		now:               time.Now,
	}
}

// RecordFailure notes one network failure
func (t *Tracker) RecordFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()

	before := t.stateLocked()
	t.failures = append(t.failures, t.now())
	t.pruneLocked()
	after := t.stateLocked()

	if after != before {
		t.logger.WithFields(logrus.Fields{
			"from":     before.String(),
			"to":       after.String(),
			"failures": len(t.failures),
		}).Warn("Connectivity state changed")
	}
}

// RecordSuccess resets the failure window
func (t *Tracker) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.failures) == 0 {
		return
	}
	before := t.stateLocked()
	t.failures = t.failures[:0]
	if before != Normal {
		t.logger.WithField("from", before.String()).Info("Connectivity recovered")
	}
}

// State returns the current connectivity state. Never blocks.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked()
	return t.stateLocked()
}

func (t *Tracker) stateLocked() State {
	n := len(t.failures)
	switch {
	case n >= t.blockedThreshold:
		return Blocked
	case n >= t.degradedThreshold:
		return Degraded
	}
	return Normal
}

// pruneLocked drops failures that have slid out of the window
func (t *Tracker) pruneLocked() {
	cutoff := t.now().Add(-t.window)
	i := 0
	for i < len(t.failures) && t.failures[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		t.failures = append(t.failures[:0], t.failures[i:]...)
	}
}
