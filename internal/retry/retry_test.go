package retry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartop/internal/domain"
)

func TestOnConflictRetriesUntilSuccess(t *testing.T) {
	calls := 0
	v, err := OnConflict(context.Background(), 3, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, domain.ConcurrencyConflict{ID: "cl", Version: calls}
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, calls)
}

func TestOnConflictGivesUpAfterAttempts(t *testing.T) {
	calls := 0
	_, err := OnConflict(context.Background(), 2, func(context.Context) (string, error) {
		calls++
		return "", domain.ConcurrencyConflict{ID: "cl"}
	})
	assert.True(t, domain.IsConflict(err))
	assert.Equal(t, 2, calls)
}

func TestOnConflictStopsOnOtherErrors(t *testing.T) {
	calls := 0
	_, err := OnConflict(context.Background(), 5, func(context.Context) (string, error) {
		calls++
		return "", domain.StateError{Op: "approve", Status: domain.StatusApproved}
	})
	var se domain.StateError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 1, calls)
}
