package loader

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kiltia/invoiceloader/config"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
)

func failing() (struct{}, error) { return struct{}{}, errors.New("store down") }

func TestStoreBreakerTrips(t *testing.T) {
	cb := newStoreBreaker("test", config.CircuitBreakerConfig{
		Enabled:                 true,
		MaxRequests:             1,
		ConsecutiveFailure:      2,
		TotalFailurePerInterval: 100,
		Timeout:                 time.Minute,
	})

	for range 3 {
		_, err := cb.Execute(failing)
		assert.EqualError(t, err, "store down")
	}
	_, err := cb.Execute(failing)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestStoreBreakerDisabled(t *testing.T) {
	cb := newStoreBreaker("test", config.CircuitBreakerConfig{})
	for range 10 {
		_, err := cb.Execute(failing)
		assert.EqualError(t, err, "store down")
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestStoreBreakerIgnoresAlreadyApplied(t *testing.T) {
	cb := newStoreBreaker("test", config.CircuitBreakerConfig{Enabled: true, Timeout: time.Minute})
	for range 5 {
		_, _ = cb.Execute(func() (struct{}, error) {
			return struct{}{}, fmt.Errorf("%w: dup", ErrAlreadyApplied)
		})
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestIgnoreUnacknowledged(t *testing.T) {
	assert.NoError(t, ignoreUnacknowledged(mongo.ErrUnacknowledgedWrite))
	assert.NoError(t, ignoreUnacknowledged(nil))
	assert.Error(t, ignoreUnacknowledged(errors.New("boom")))
}

func TestBreakerRefusal(t *testing.T) {
	for _, err := range []error{gobreaker.ErrOpenState, gobreaker.ErrTooManyRequests} {
		refused := breakerRefusal(err)
		assert.ErrorIs(t, refused, ErrStoreUnavailable)
		assert.ErrorIs(t, refused, err)
	}
	assert.NoError(t, breakerRefusal(errors.New("store down")))
	assert.NoError(t, breakerRefusal(nil))
}

func TestMongoStoreBehindOpenBreaker(t *testing.T) {
	cb := newStoreBreaker("test", config.CircuitBreakerConfig{Enabled: true, Timeout: time.Minute})
	_, _ = cb.Execute(failing)
	require.Equal(t, gobreaker.StateOpen, cb.State())

	store := &MongoStore{breaker: cb}
	assert.ErrorIs(t, store.InsertOne(context.Background(), Document{"n": 1}), ErrStoreUnavailable)

	err := store.InsertMany(context.Background(), []Document{{"n": 1}})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	var bulkErr *BulkWriteError
	require.ErrorAs(t, err, &bulkErr)
	assert.False(t, bulkErr.Partial())
}
