package sequence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/utility-billing/billing"
)

// fakeRedis counts per key like INCR.
type fakeRedis struct {
	counts map[string]int64
	keys   []string
	err    error
}

func (f *fakeRedis) Incr(_ context.Context, key string) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	if f.counts == nil {
		f.counts = make(map[string]int64)
	}
	f.counts[key]++
	f.keys = append(f.keys, key)
	return redis.NewIntResult(f.counts[key], nil)
}

func TestRedisSequence_Next(t *testing.T) {
	fake := &fakeRedis{}
	seq := NewRedisSequenceWithClient(fake, "")

	for want := int64(1); want <= 2; want++ {
		got, err := seq.Next(context.Background(), "202507")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, "utilbill:invoice-seq:202507", fake.keys[0])
}

func TestRedisSequence_Error(t *testing.T) {
	seq := NewRedisSequenceWithClient(&fakeRedis{err: errors.New("connection refused")}, "test:")
	_, err := seq.Next(context.Background(), "202507")
	assert.ErrorContains(t, err, "connection refused")
}

func TestRedisSequence_DrivesInvoiceNumbers(t *testing.T) {
	// GIVEN: Two numberers sharing one counter, as two instances would
	// WHEN: Each numbers an invoice in the same month
	// THEN: Numbers do not collide

	fake := &fakeRedis{}
	a := billing.SequenceNumberer{Sequence: NewRedisSequenceWithClient(fake, "")}
	b := billing.SequenceNumberer{Sequence: NewRedisSequenceWithClient(fake, "")}
	at := time.Date(2025, time.July, 2, 0, 0, 0, 0, time.UTC)

	n1, err := a.Next(context.Background(), at)
	require.NoError(t, err)
	n2, err := b.Next(context.Background(), at)
	require.NoError(t, err)

	assert.Equal(t, "INV-202507-000001", n1)
	assert.Equal(t, "INV-202507-000002", n2)
}
