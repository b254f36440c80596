package util

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatRetryKey(t *testing.T) {
	assert.Equal(t, "retry:syncctl.watch:0190f3a2-7c1e", FormatRetryKey("syncctl.watch", "0190f3a2-7c1e"))
}

func TestRetryCounterReportsRedisErrors(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()
	c := NewRetryCounter(rdb, time.Hour)
	ctx := context.Background()

	_, err := c.IncrementAndGet(ctx, FormatRetryKey("h", "1"))
	require.Error(t, err)
	_, err = c.Get(ctx, FormatRetryKey("h", "1"))
	assert.Error(t, err)
	assert.Error(t, c.Reset(ctx, FormatRetryKey("h", "1")))
}
