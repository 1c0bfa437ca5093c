// Package ldapdir implements the LDAP client pool from spec.md §4.5: a
// bounded pool of bind-as-service connections used to fetch SSH keys and
// resolve a user's DN, plus one-shot bind-as-user connections used to
// verify a password (discarded afterward, never pooled). The pool shape
// (channel-based free list, factory, Get/Put, bounded size) is grounded
// on the connection pool style also used for the scttfrdmn-objectfs
// backend's storage client pool, trimmed of its background health
// checker, which spec.md does not call for.
package ldapdir

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/schlep/schlep/errs"
	"github.com/schlep/schlep/logging"
	"github.com/schlep/schlep/metrics"
)

var log = logging.For("ldapdir")

// Config is the auth.ldap configuration surface from spec.md §6.
type Config struct {
	URL             string
	BaseDN          string
	BindDN          string
	BindPassword    string
	UserAttribute   string
	SSHKeyAttribute string
	ConnTimeout     time.Duration
	PoolMaxSize     int
	StartTLS        bool
	TLSNoVerify     bool
}

// Pool is a bounded pool of authenticated LDAP connections.
type Pool struct {
	cfg     Config
	free    chan *ldap.Conn
	mu      sync.Mutex
	current int

	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Collector
}

// NewPool builds a Pool. It does not eagerly connect; connections are
// created lazily up to cfg.PoolMaxSize.
func NewPool(cfg Config) *Pool {
	if cfg.PoolMaxSize <= 0 {
		cfg.PoolMaxSize = 8
	}
	if cfg.ConnTimeout <= 0 {
		cfg.ConnTimeout = 120 * time.Second
	}
	return &Pool{
		cfg:  cfg,
		free: make(chan *ldap.Conn, cfg.PoolMaxSize),
	}
}

func (p *Pool) dial(ctx context.Context) (*ldap.Conn, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: p.cfg.TLSNoVerify} //nolint:gosec // explicit opt-in, spec.md §4.5
	dialOpts := []ldap.DialOpt{
		ldap.DialWithDialer(&net.Dialer{Timeout: p.cfg.ConnTimeout}),
		ldap.DialWithTLSConfig(tlsConfig),
	}
	conn, err := ldap.DialURL(p.cfg.URL, dialOpts...)
	if err != nil {
		return nil, errs.IoFailuref("ldapdir.dial", "dial %s: %v", p.cfg.URL, err)
	}
	if p.cfg.StartTLS {
		if err := conn.StartTLS(tlsConfig); err != nil {
			conn.Close()
			return nil, errs.IoFailuref("ldapdir.dial", "starttls: %v", err)
		}
	}
	if err := conn.Bind(p.cfg.BindDN, p.cfg.BindPassword); err != nil {
		conn.Close()
		return nil, errs.AuthFailuref("ldapdir.dial", "service bind: %v", err)
	}
	return conn, nil
}

// get returns a pooled connection, creating one if the pool has room and
// none is free, or waiting on the free list otherwise.
func (p *Pool) get(ctx context.Context) (*ldap.Conn, error) {
	select {
	case c := <-p.free:
		p.setInUseGauge()
		return c, nil
	default:
	}

	p.mu.Lock()
	if p.current < p.cfg.PoolMaxSize {
		p.current++
		p.mu.Unlock()
		if p.Metrics != nil {
			p.Metrics.LDAPPoolWaits.Inc()
		}
		conn, err := p.dial(ctx)
		if err != nil {
			p.mu.Lock()
			p.current--
			p.mu.Unlock()
			return nil, err
		}
		p.setInUseGauge()
		return conn, nil
	}
	p.mu.Unlock()

	select {
	case c := <-p.free:
		p.setInUseGauge()
		return c, nil
	case <-ctx.Done():
		return nil, errs.IoFailuref("ldapdir.get", "pool exhausted: %v", ctx.Err())
	}
}

// setInUseGauge reports current minus whatever is sitting idle in free as
// the number of connections checked out right now. It is a best-effort
// snapshot, not synchronized with free's length under p.mu, which is fine
// for a gauge.
func (p *Pool) setInUseGauge() {
	if p.Metrics == nil {
		return
	}
	p.mu.Lock()
	current := p.current
	p.mu.Unlock()
	p.Metrics.LDAPPoolInUse.Set(float64(current - len(p.free)))
}

// put returns a connection to the pool, or closes it if the pool is full
// or the connection is known-bad.
func (p *Pool) put(c *ldap.Conn, bad bool) {
	if bad {
		c.Close()
		p.mu.Lock()
		p.current--
		p.mu.Unlock()
		return
	}
	select {
	case p.free <- c:
	default:
		c.Close()
		p.mu.Lock()
		p.current--
		p.mu.Unlock()
	}
	p.setInUseGauge()
}

// FetchSSHKeys binds as the configured service identity (via the pool)
// and searches base_dn for user_attribute=username, returning the
// parsed OpenSSH public keys from ssh_key_attribute, per spec.md §4.5.
func (p *Pool) FetchSSHKeys(ctx context.Context, username string) ([]string, error) {
	conn, err := p.get(ctx)
	if err != nil {
		return nil, err
	}
	entry, err := p.searchUser(conn, username)
	if err != nil {
		p.put(conn, isConnErr(err))
		return nil, err
	}
	p.put(conn, false)
	return entry.GetAttributeValues(p.cfg.SSHKeyAttribute), nil
}

// VerifyPassword resolves username's DN via a pooled search connection,
// then attempts a bind as that DN with password on a fresh connection
// that is discarded regardless of outcome (spec.md §4.5: "Binds used for
// password probing are never returned to the pool").
func (p *Pool) VerifyPassword(ctx context.Context, username, password string) (bool, error) {
	conn, err := p.get(ctx)
	if err != nil {
		return false, err
	}
	entry, err := p.searchUser(conn, username)
	if err != nil {
		p.put(conn, isConnErr(err))
		return false, err
	}
	p.put(conn, false)

	probe, err := p.dial(ctxWithoutBind(ctx))
	if err != nil {
		return false, err
	}
	defer probe.Close() // never pooled, per spec.md §4.5

	if err := probe.Bind(entry.DN, password); err != nil {
		var ldapErr *ldap.Error
		if errors.As(err, &ldapErr) && ldapErr.ResultCode == ldap.LDAPResultInvalidCredentials {
			return false, nil
		}
		return false, errs.AuthFailuref("ldapdir.VerifyPassword", "bind as %s: %v", entry.DN, err)
	}
	return true, nil
}

func (p *Pool) searchUser(conn *ldap.Conn, username string) (*ldap.Entry, error) {
	filter := fmt.Sprintf("(%s=%s)", p.cfg.UserAttribute, ldap.EscapeFilter(username))
	req := ldap.NewSearchRequest(
		p.cfg.BaseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		1, 0, false, filter,
		[]string{p.cfg.SSHKeyAttribute}, nil,
	)
	result, err := conn.Search(req)
	if err != nil {
		return nil, errs.IoFailuref("ldapdir.searchUser", "search %s: %v", filter, err)
	}
	if len(result.Entries) == 0 {
		return nil, errs.NotFoundf("ldapdir.searchUser", "no entry for %s=%s", p.cfg.UserAttribute, username)
	}
	return result.Entries[0], nil
}

// ctxWithoutBind exists purely for readability at the password-probe dial
// site; dial itself does not currently branch on context beyond the
// dialer timeout, but keeping the call shape symmetric with get() makes
// a future per-request deadline a one-line change.
func ctxWithoutBind(ctx context.Context) context.Context { return ctx }

func isConnErr(err error) bool {
	return errs.KindOf(err) == errs.IoFailure
}

// Close releases all pooled connections, called during server shutdown.
func (p *Pool) Close() {
	for {
		select {
		case c := <-p.free:
			c.Close()
		default:
			return
		}
	}
}
