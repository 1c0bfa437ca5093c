package auth

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schlep/schlep/credcache"
)

type fakeDirectory struct {
	keys       map[string][]string
	passwords  map[string]string
	keyLookups int32
	pwLookups  int32
}

func (f *fakeDirectory) FetchSSHKeys(ctx context.Context, username string) ([]string, error) {
	atomic.AddInt32(&f.keyLookups, 1)
	return f.keys[username], nil
}

func (f *fakeDirectory) VerifyPassword(ctx context.Context, username, password string) (bool, error) {
	atomic.AddInt32(&f.pwLookups, 1)
	return f.passwords[username] == password, nil
}

func genKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	// A fixed, syntactically valid ed25519 authorized_keys line is enough
	// to exercise parsing; the exact key material is irrelevant to the
	// verifier's comparison logic.
	const line = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIBp0FicFPlVTOgAnkVrI9O/zm4zJOjKNsCOBkuqTQZ0c test"
	pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	require.NoError(t, err)
	return pk
}

func TestVerifyPublicKeyAccepted(t *testing.T) {
	key := genKey(t)
	line := string(ssh.MarshalAuthorizedKey(key))
	dir := &fakeDirectory{keys: map[string][]string{"alice": {line}}}
	v := New(credcache.New(nil, time.Minute, 30*time.Second), dir, time.Second)

	assert.True(t, v.VerifyPublicKey("alice", key))
}

func TestVerifyPublicKeyRejectedForUnknownKey(t *testing.T) {
	key := genKey(t)
	dir := &fakeDirectory{keys: map[string][]string{"alice": {}}}
	v := New(credcache.New(nil, time.Minute, 30*time.Second), dir, time.Second)

	assert.False(t, v.VerifyPublicKey("alice", key))
}

// TestPublicKeyAuthCachesLookup covers end-to-end scenario 4 of spec.md
// §8: a second login within the TTL window must not requery LDAP.
func TestPublicKeyAuthCachesLookup(t *testing.T) {
	key := genKey(t)
	line := string(ssh.MarshalAuthorizedKey(key))
	dir := &fakeDirectory{keys: map[string][]string{"alice": {line}}}
	v := New(credcache.New(nil, time.Minute, 30*time.Second), dir, time.Second)

	assert.True(t, v.VerifyPublicKey("alice", key))
	assert.True(t, v.VerifyPublicKey("alice", key))
	assert.EqualValues(t, 1, dir.keyLookups)
}

func TestVerifyPasswordCachedBySameCredential(t *testing.T) {
	dir := &fakeDirectory{passwords: map[string]string{"bob": "hunter2"}}
	v := New(credcache.New(nil, time.Minute, 30*time.Second), dir, time.Second)

	assert.True(t, v.VerifyPassword("bob", "hunter2"))
	assert.True(t, v.VerifyPassword("bob", "hunter2"))
	assert.EqualValues(t, 1, dir.pwLookups)
}

func TestVerifyPasswordDifferentCredentialNotCachedTogether(t *testing.T) {
	dir := &fakeDirectory{passwords: map[string]string{"bob": "hunter2"}}
	v := New(credcache.New(nil, time.Minute, 30*time.Second), dir, time.Second)

	assert.True(t, v.VerifyPassword("bob", "hunter2"))
	assert.False(t, v.VerifyPassword("bob", "wrong-password"))
	assert.EqualValues(t, 2, dir.pwLookups)
}
