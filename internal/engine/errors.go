package engine

import (
	"context"
	"errors"
	"net"

	"github.com/tonimelisma/mail-sub002/internal/adapter"
)

// Class is the failure taxonomy every adapter error is sorted into at the
// job-execution boundary. Nothing propagates out of the controller loop
// unclassified.
type Class int

const (
	// ClassTransient failures are retried with backoff and feed the
	// connectivity tracker.
	ClassTransient Class = iota
	// ClassPermanent failures are never retried automatically.
	ClassPermanent
	// ClassAuth failures pause all work for the account until the
	// credential is refreshed externally.
	ClassAuth
	// ClassUnknown is treated as transient with an extra-long backoff,
	// failing safe rather than crashing the loop.
	ClassUnknown
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassAuth:
		return "auth"
	}
	return "unknown"
}

// Classify sorts an adapter error into the taxonomy
func Classify(err error) Class {
	switch {
	case errors.Is(err, adapter.ErrNeedsReauth):
		return ClassAuth
	case errors.Is(err, adapter.ErrNotFound),
		errors.Is(err, adapter.ErrInvalidRequest),
		errors.Is(err, adapter.ErrConflict):
		return ClassPermanent
	case errors.Is(err, adapter.ErrRateLimited),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	return ClassUnknown
}
