package db

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestIsRetriable(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"no rows", pgx.ErrNoRows, false},
		{"canceled", context.Canceled, false},
		{"connection failure", &pgconn.PgError{Code: "08006"}, true},
		{"serialization failure", fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40001"}), true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"plain error", errors.New("boom"), false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetriable(tc.err))
		})
	}
}

func TestCalculateBackoff(t *testing.T) {
	t.Parallel()

	config := RetryConfig{MaxAttempts: 5, InitialBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond, BackoffMultiplier: 2}

	first := calculateBackoff(config, 1)
	assert.InDelta(t, float64(100*time.Millisecond), float64(first), float64(25*time.Millisecond))

	capped := calculateBackoff(config, 5)
	assert.LessOrEqual(t, capped, 375*time.Millisecond)
	assert.GreaterOrEqual(t, capped, 225*time.Millisecond)
}
