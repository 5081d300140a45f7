package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicyDelay(t *testing.T) {
	p := DefaultPolicy

	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(3))

	// Out-of-range attempts clamp to the first retry delay.
	assert.Equal(t, 2*time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(-5))
}

func TestPolicyDelayCustomMultiplier(t *testing.T) {
	p := Policy{MaxRetries: 5, BaseDelay: time.Second, Multiplier: 3.0}
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 3*time.Second, p.Delay(2))
	assert.Equal(t, 9*time.Second, p.Delay(3))
	assert.Equal(t, 27*time.Second, p.Delay(4))
}
