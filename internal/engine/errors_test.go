package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tonimelisma/mail-sub002/internal/adapter"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"reauth", adapter.ErrNeedsReauth, ClassAuth},
		{"wrapped reauth", fmt.Errorf("login: %w", adapter.ErrNeedsReauth), ClassAuth},
		{"not found", fmt.Errorf("message gone: %w", adapter.ErrNotFound), ClassPermanent},
		{"invalid request", adapter.ErrInvalidRequest, ClassPermanent},
		{"conflict", adapter.ErrConflict, ClassPermanent},
		{"rate limited", fmt.Errorf("throttled: %w", adapter.ErrRateLimited), ClassTransient},
		{"timeout", context.DeadlineExceeded, ClassTransient},
		{"cancelled", context.Canceled, ClassTransient},
		{"network", &net.DNSError{Err: "no such host", IsTimeout: true}, ClassTransient},
		{"unrecognized", errors.New("something strange"), ClassUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassString(t *testing.T) {
	assert.Equal(t, "transient", ClassTransient.String())
	assert.Equal(t, "permanent", ClassPermanent.String())
	assert.Equal(t, "auth", ClassAuth.String())
	assert.Equal(t, "unknown", ClassUnknown.String())
}
