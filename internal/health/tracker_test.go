package health

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func newTestTracker() (*Tracker, *time.Time) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	t := NewTracker(logger)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	t.now = func() time.Time { return now }
	return t, &now
}

func TestTrackerStartsNormal(t *testing.T) {
	tracker, _ := newTestTracker()
	assert.Equal(t, Normal, tracker.State())
}

func TestTrackerDegradesAndBlocks(t *testing.T) {
	tracker, _ := newTestTracker()

	for i := 0; i < 3; i++ {
		tracker.RecordFailure()
	}
	assert.Equal(t, Normal, tracker.State())

	tracker.RecordFailure()
	assert.Equal(t, Degraded, tracker.State())

	for i := 0; i < 4; i++ {
		tracker.RecordFailure()
	}
	assert.Equal(t, Blocked, tracker.State())
}

func TestTrackerSingleSuccessResets(t *testing.T) {
	tracker, _ := newTestTracker()

	for i := 0; i < 10; i++ {
		tracker.RecordFailure()
	}
	assert.Equal(t, Blocked, tracker.State())

	tracker.RecordSuccess()
	assert.Equal(t, Normal, tracker.State())
}

func TestTrackerWindowSlides(t *testing.T) {
	tracker, now := newTestTracker()

	for i := 0; i < 4; i++ {
		tracker.RecordFailure()
	}
	assert.Equal(t, Degraded, tracker.State())

	// All failures slide out of the 60s window.
	*now = now.Add(2 * time.Minute)
	assert.Equal(t, Normal, tracker.State())
}

func TestTrackerOldFailuresDoNotAccumulate(t *testing.T) {
	tracker, now := newTestTracker()

	tracker.RecordFailure()
	tracker.RecordFailure()
	*now = now.Add(90 * time.Second)
	tracker.RecordFailure()
	tracker.RecordFailure()

	// Only the two recent failures count.
	assert.Equal(t, Normal, tracker.State())
}
