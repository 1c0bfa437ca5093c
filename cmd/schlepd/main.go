// Command schlepd runs the SFTP server described by spec.md: it loads
// configuration, builds the mount table and sandboxed capabilities, wires
// the LDAP-backed credential cache and auth verifier, and serves SFTP
// subsystem requests until interrupted. The cobra command tree (root
// command, PersistentFlags, subcommands registered via AddCommand) is the
// standard github.com/spf13/cobra shape; the pack's own cobra-based repo
// (rclone) ships only its command tests, not the root command wiring
// itself, so this file follows cobra's own documented usage rather than a
// specific teacher file.
package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/schlep/schlep/auth"
	"github.com/schlep/schlep/config"
	"github.com/schlep/schlep/credcache"
	"github.com/schlep/schlep/ldapdir"
	"github.com/schlep/schlep/logging"
	"github.com/schlep/schlep/metrics"
	"github.com/schlep/schlep/mount"
	"github.com/schlep/schlep/sandbox"
	"github.com/schlep/schlep/sftpd"
	"github.com/schlep/schlep/transport"
	"github.com/schlep/schlep/vfs"

	"github.com/redis/go-redis/v9"
)

var log = logging.For("main")

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schlepd",
		Short: "Multi-tenant SFTP server backed by LDAP and a composed virtual filesystem",
	}
	cmd.AddCommand(serveCmd(), genKeysCmd(), configCheckCmd())
	return cmd
}

func configCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration file commands",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <path>",
		Short: "Validate a configuration file without starting the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cmd
}

func genKeysCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "genkeys",
		Short: "Generate an RSA host key for the server's private_host_key_dir",
		RunE: func(cmd *cobra.Command, args []string) error {
			return genHostKey(dir)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".", "directory to write the host key into")
	return cmd
}

// genHostKey writes a freshly generated RSA host key as PEM, the same
// shape umputun-weblist's loadOrGenerateHostKey produces.
func genHostKey(dir string) error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	path := filepath.Join(dir, "ssh_host_rsa_key")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	fmt.Println("wrote", path)
	return nil
}

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the SFTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "/etc/schlepd/config.yaml", "path to the YAML configuration file")
	return cmd
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logging.SetLevel(cfg.LogLevel)

	mcol := metrics.New()

	v, caps, err := buildVFS(cfg)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range caps {
			_ = c.Close()
		}
	}()

	var shared credcache.SharedStore
	if cfg.Redis != nil {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.URL, PoolSize: cfg.Redis.PoolSize})
		shared = credcache.NewRedisStore(client)
	}
	cache := credcache.New(shared, cfg.Cache.PositiveTTL, cfg.Cache.NegativeTTL)
	cache.Metrics = mcol

	pool := ldapdir.NewPool(ldapdir.Config{
		URL:             cfg.Auth.LDAP.URL,
		BaseDN:          cfg.Auth.LDAP.BaseDN,
		BindDN:          cfg.Auth.LDAP.BindDN,
		BindPassword:    cfg.Auth.LDAP.BindPassword,
		UserAttribute:   cfg.Auth.LDAP.UserAttribute,
		SSHKeyAttribute: cfg.Auth.LDAP.SSHKeyAttribute,
		ConnTimeout:     cfg.Auth.LDAP.ConnTimeout,
		PoolMaxSize:     cfg.Auth.LDAP.PoolMaxSize,
		StartTLS:        cfg.Auth.LDAP.StartTLS,
		TLSNoVerify:     cfg.Auth.LDAP.TLSNoVerify,
	})
	pool.Metrics = mcol
	defer pool.Close()

	verifier := auth.New(cache, pool, 0)

	engine := sftpd.New(v)
	engine.Metrics = mcol

	srv := transport.New(transport.Config{
		Addresses:         cfg.SFTP.Addresses,
		Port:              cfg.SFTP.Port,
		AllowPassword:     cfg.SFTP.AllowPassword,
		AllowPublicKey:    cfg.SFTP.AllowPublicKey,
		PrivateHostKeyDir: cfg.SFTP.PrivateHostKeyDir,
		MaxAuthTries:      cfg.SFTP.MaxAuthTries,
		IdleTimeout:       cfg.SFTP.IdleTimeout,
	}, verifier, engine.Serve)
	srv.Metrics = mcol

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- srv.ListenAndServe(ctx) }()
	go func() {
		errCh <- mcol.Serve(ctx, cfg.Metrics.Address, cfg.Metrics.Port, cfg.Metrics.EnableMetricsExport, cfg.Metrics.EnableHealthCheck)
	}()

	log.Info("schlepd started")
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// buildVFS opens a sandbox capability for every configured mount and
// composes them behind a single mount.Table, per spec.md §3/§4.1.
func buildVFS(cfg *config.Config) (*vfs.VFS, map[string]*sandbox.Capability, error) {
	var mounts []*mount.Mount
	for _, m := range cfg.FS {
		mounts = append(mounts, &mount.Mount{VFSRoot: m.VFSRoot, LocalRoot: m.LocalDir})
	}
	table, err := mount.NewTable(mounts)
	if err != nil {
		return nil, nil, fmt.Errorf("building mount table: %w", err)
	}

	caps := make(map[string]*sandbox.Capability, len(mounts))
	for _, m := range table.Mounts() {
		c, err := sandbox.Open(m.LocalRoot)
		if err != nil {
			for _, opened := range caps {
				_ = opened.Close()
			}
			return nil, nil, fmt.Errorf("opening capability for %s: %w", m.VFSRoot, err)
		}
		caps[m.VFSRoot] = c
	}

	v := vfs.New(table, caps, os.FileMode(cfg.SFTP.DefaultFileMode), os.FileMode(cfg.SFTP.DefaultDirMode))
	return v, caps, nil
}
