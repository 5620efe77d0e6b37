package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorDefinitions(t *testing.T) {
	t.Parallel()

	errs := []error{
		ErrNotFound,
		ErrExists,
		ErrNotDir,
		ErrIsDir,
		ErrInvalidPath,
		ErrInvalidHandle,
		ErrReadOnly,
		ErrNotSupported,
	}

	seen := make(map[string]bool)
	for i, err := range errs {
		require.NotNil(t, err, "error at index %d should not be nil", i)
		msg := err.Error()
		assert.False(t, seen[msg], "duplicate error message: %s", msg)
		seen[msg] = true
	}
}
