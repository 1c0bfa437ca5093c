package ldapdir

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewPoolAppliesDefaults(t *testing.T) {
	p := NewPool(Config{URL: "ldap://example.invalid"})
	assert.Equal(t, 8, p.cfg.PoolMaxSize)
	assert.Equal(t, 120*time.Second, p.cfg.ConnTimeout)
	assert.Equal(t, 8, cap(p.free))
}

func TestNewPoolPreservesExplicitSettings(t *testing.T) {
	p := NewPool(Config{URL: "ldap://example.invalid", PoolMaxSize: 2, ConnTimeout: 5 * time.Second})
	assert.Equal(t, 2, p.cfg.PoolMaxSize)
	assert.Equal(t, 5*time.Second, p.cfg.ConnTimeout)
}
