package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindowLimit(t *testing.T) {
	now := time.Now()
	sw := NewSlidingWindow(30, 60*time.Second)
	sw.now = func() time.Time { return now }

	for i := range 30 {
		allowed, _ := sw.Allow("tenant:mcp")
		assert.True(t, allowed, "request %d should pass", i+1)
	}

	allowed, retryAfter := sw.Allow("tenant:mcp")
	assert.False(t, allowed, "31st request must be limited")
	assert.Greater(t, retryAfter, time.Duration(0))
	assert.LessOrEqual(t, retryAfter, 60*time.Second)
}

func TestWindowSlides(t *testing.T) {
	now := time.Now()
	sw := NewSlidingWindow(2, 60*time.Second)
	sw.now = func() time.Time { return now }

	allowed, _ := sw.Allow("k")
	assert.True(t, allowed)
	allowed, _ = sw.Allow("k")
	assert.True(t, allowed)
	allowed, _ = sw.Allow("k")
	assert.False(t, allowed)

	// Half the window: first arrival is still counted
	now = now.Add(30 * time.Second)
	allowed, _ = sw.Allow("k")
	assert.False(t, allowed)

	// Past the window: both original arrivals have slid out
	now = now.Add(31 * time.Second)
	allowed, _ = sw.Allow("k")
	assert.True(t, allowed)
}

func TestKeysAreIndependent(t *testing.T) {
	sw := NewSlidingWindow(1, time.Minute)

	allowed, _ := sw.Allow("tenant-a:mcp")
	assert.True(t, allowed)
	allowed, _ = sw.Allow("tenant-a:mcp")
	assert.False(t, allowed)

	allowed, _ = sw.Allow("tenant-b:mcp")
	assert.True(t, allowed, "another tenant has its own window")
	allowed, _ = sw.Allow("tenant-a:auth")
	assert.True(t, allowed, "another route family has its own window")
}
