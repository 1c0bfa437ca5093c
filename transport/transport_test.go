package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubsystemName(t *testing.T) {
	payload := append([]byte{0, 0, 0, 4}, []byte("sftp")...)
	assert.Equal(t, "sftp", subsystemName(payload))

	assert.Equal(t, "", subsystemName(nil))
	assert.Equal(t, "", subsystemName([]byte{0, 0, 0, 99}))
}

func TestRateLimitAllowsUpToMax(t *testing.T) {
	s := New(Config{}, nil, nil)
	for i := 0; i < rateLimitMax; i++ {
		assert.True(t, s.checkRateLimit("1.2.3.4"))
	}
	assert.False(t, s.checkRateLimit("1.2.3.4"))
}

func TestRateLimitResetOnSuccess(t *testing.T) {
	s := New(Config{}, nil, nil)
	for i := 0; i < rateLimitMax; i++ {
		assert.True(t, s.checkRateLimit("5.6.7.8"))
	}
	s.resetRateLimit("5.6.7.8")
	assert.True(t, s.checkRateLimit("5.6.7.8"))
}

func TestRateLimitIsolatedPerIP(t *testing.T) {
	s := New(Config{}, nil, nil)
	for i := 0; i < rateLimitMax; i++ {
		assert.True(t, s.checkRateLimit("9.9.9.9"))
	}
	assert.True(t, s.checkRateLimit("9.9.9.10"))
}
