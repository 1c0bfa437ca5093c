// Package auth implements the auth verifier from spec.md §4.6: public-key
// and password verification against the credential cache, falling back
// to the LDAP client pool, with both callbacks bounded by a timeout.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/schlep/schlep/credcache"
	"github.com/schlep/schlep/errs"
	"github.com/schlep/schlep/ldapdir"
	"github.com/schlep/schlep/logging"
)

var log = logging.For("auth")

// Directory is the subset of the LDAP pool the verifier needs.
type Directory interface {
	FetchSSHKeys(ctx context.Context, username string) ([]string, error)
	VerifyPassword(ctx context.Context, username, password string) (bool, error)
}

var _ Directory = (*ldapdir.Pool)(nil)

// Verifier implements the two SSH auth callbacks described in spec.md
// §4.6. Both callbacks must complete within Budget; a timeout is
// reported as authentication failure, never as a protocol error.
type Verifier struct {
	Cache     *credcache.Cache
	Directory Directory
	Budget    time.Duration
}

// New builds a Verifier with a default per-callback budget of 10s if
// budget is zero.
func New(cache *credcache.Cache, dir Directory, budget time.Duration) *Verifier {
	if budget <= 0 {
		budget = 10 * time.Second
	}
	return &Verifier{Cache: cache, Directory: dir, Budget: budget}
}

// VerifyPublicKey implements spec.md §4.6's public-key callback: look up
// the user's key set via the credential cache, accept iff offered is a
// member, comparing canonical SSH wire form (not PEM text).
func (v *Verifier) VerifyPublicKey(username string, offered ssh.PublicKey) bool {
	ctx, cancel := context.WithTimeout(context.Background(), v.Budget)
	defer cancel()

	key := "pubkeys:" + username
	offeredWire := base64.StdEncoding.EncodeToString(offered.Marshal())

	outcome, err := v.Cache.Get(ctx, key, func(ctx context.Context) (credcache.Outcome, time.Duration, error) {
		raw, ferr := v.Directory.FetchSSHKeys(ctx, username)
		if ferr != nil {
			if errs.KindOf(ferr) == errs.NotFound {
				return credcache.Outcome{Allowed: false}, 0, nil
			}
			return credcache.Outcome{}, 0, ferr
		}
		wireForms := make([]string, 0, len(raw))
		for _, line := range raw {
			pk, _, _, _, perr := ssh.ParseAuthorizedKey([]byte(line))
			if perr != nil {
				log.WithError(perr).WithField("user", username).Debug("ignoring unparseable ssh key attribute value")
				continue
			}
			wireForms = append(wireForms, base64.StdEncoding.EncodeToString(pk.Marshal()))
		}
		return credcache.Outcome{Allowed: len(wireForms) > 0, Detail: joinKeys(wireForms)}, 0, nil
	})
	if err != nil {
		log.WithError(err).WithField("user", username).Warn("public key lookup failed")
		return false
	}
	if !outcome.Allowed {
		return false
	}
	for _, wire := range splitKeys(outcome.Detail) {
		if wire == offeredWire {
			return true
		}
	}
	return false
}

// VerifyPassword implements spec.md §4.6's password callback: a cached
// positive outcome is honored only if it was produced for the same
// password (the cache key folds in a salted hash of the password, per
// spec.md §4.6); otherwise an LDAP bind is attempted and the outcome —
// positive or negative — is cached.
func (v *Verifier) VerifyPassword(username, password string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), v.Budget)
	defer cancel()

	key := fmt.Sprintf("password:%s:%s", username, hashPassword(username, password))
	outcome, err := v.Cache.Get(ctx, key, func(ctx context.Context) (credcache.Outcome, time.Duration, error) {
		ok, verr := v.Directory.VerifyPassword(ctx, username, password)
		if verr != nil {
			return credcache.Outcome{}, 0, verr
		}
		return credcache.Outcome{Allowed: ok}, 0, nil
	})
	if err != nil {
		log.WithError(err).WithField("user", username).Warn("password verification failed")
		return false
	}
	return outcome.Allowed
}

// hashPassword salts with the username so two users who happen to share
// a password don't collide on the same cache entry.
func hashPassword(username, password string) string {
	sum := sha256.Sum256([]byte(username + "\x00" + password))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

const keySep = "\x1f"

func joinKeys(keys []string) string {
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += keySep
		}
		out += k
	}
	return out
}

func splitKeys(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i+len(keySep) <= len(s); i++ {
		if s[i:i+len(keySep)] == keySep {
			out = append(out, s[start:i])
			start = i + len(keySep)
		}
	}
	out = append(out, s[start:])
	return out
}
