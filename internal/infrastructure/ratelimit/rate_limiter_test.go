package ratelimit

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestAllowConsumesBurstThenWaits(t *testing.T) {
	mock := clock.NewMock()
	rl := NewRateLimiter(mock)
	rl.SetPolicy("test", Policy{Burst: 3, Every: time.Second})

	for i := 0; i < 3; i++ {
		ok, _ := rl.Allow("u1", "test")
		assert.True(t, ok)
	}

	ok, wait := rl.Allow("u1", "test")
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, time.Second)

	mock.Add(time.Second)
	ok, _ = rl.Allow("u1", "test")
	assert.True(t, ok)
}

func TestBucketsArePerUserAndAction(t *testing.T) {
	rl := NewRateLimiter(clock.NewMock())
	rl.SetPolicy("test", Policy{Burst: 1, Every: time.Minute})

	ok, _ := rl.Allow("u1", "test")
	assert.True(t, ok)
	ok, _ = rl.Allow("u1", "test")
	assert.False(t, ok)

	ok, _ = rl.Allow("u2", "test")
	assert.True(t, ok)
	ok, _ = rl.Allow("u1", ActionSendMessage)
	assert.True(t, ok)
}

func TestCleanupDropsIdleBuckets(t *testing.T) {
	mock := clock.NewMock()
	rl := NewRateLimiter(mock)

	rl.Allow("u1", ActionTyping)
	mock.Add(2 * time.Hour)
	rl.Allow("u2", ActionTyping)

	rl.Cleanup(time.Hour)
	assert.Equal(t, 1, rl.Len())
}
