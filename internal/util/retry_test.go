package util

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsBusy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"errno", syscall.EBUSY, true},
		{"wrapped errno", fmt.Errorf("umount: %w", syscall.EBUSY), true},
		{"fusermount output", errors.New("fusermount: failed to unmount /mnt/x: Device or resource busy"), true},
		{"other", errors.New("permission denied"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsBusy(tt.err))
		})
	}
}

func TestRetryStopsOnNonBusyError(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		return errors.New("not mounted")
	}, BusyRetryOptions(context.Background(), 5)...)
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryUntilNotBusy(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return syscall.EBUSY
		}
		return nil
	}, BusyRetryOptions(context.Background(), 5)...)
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}
