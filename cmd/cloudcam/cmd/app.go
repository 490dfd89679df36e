package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jmcleod/cloudcam/cloud"
	"github.com/jmcleod/cloudcam/config"
	"github.com/jmcleod/cloudcam/coordinator"
	"github.com/jmcleod/cloudcam/internal/util"
	"github.com/jmcleod/cloudcam/library"
	"github.com/jmcleod/cloudcam/session"
	"github.com/jmcleod/cloudcam/storage"
	bboltstorage "github.com/jmcleod/cloudcam/storage/bbolt"
	"github.com/jmcleod/cloudcam/storage/memory"
	"github.com/jmcleod/cloudcam/storage/redis"
	"github.com/jmcleod/cloudcam/tokenstore"
	"github.com/jmcleod/cloudcam/transport"
)

const tokenDBName = "tokens.db"

// app holds the wired service graph shared by the subcommands.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *tokenstore.SealedStore
	creds   *session.Credentials
	session *session.Manager
	cloud   *cloud.Client
	layout  *library.Layout
	coord   *coordinator.Coordinator

	closers []func() error
}

// openTokenStore opens the configured token store backend. The returned
// function releases the backend and wipes the store's keys.
func openTokenStore(ctx context.Context, c *config.Config) (*tokenstore.SealedStore, func() error, error) {
	var (
		repo    storage.Repository
		closeFn = func() error { return nil }
		secret  []byte
		err     error
	)
	switch c.StoreBackend {
	case config.StoreMemory:
		repo = memory.NewRepository()
	case config.StoreBolt:
		if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		s, err := bboltstorage.NewRepositoryFromFile(filepath.Join(c.DataDir, tokenDBName), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open token storage: %w", err)
		}
		repo, closeFn = s, s.Close
	case config.StoreRedis:
		s, err := redis.NewRepositoryFromAddr(ctx, c.RedisAddr, c.RedisPassword, c.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		repo, closeFn = s, s.Close
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}

	// A memory store lives only as long as the process, so a random key
	// serves when none is configured.
	if c.StoreKey == "" && c.StoreBackend == config.StoreMemory {
		secret, err = util.NewAESKey()
	} else {
		secret, err = util.DeriveWrappingKey(c.StoreKey)
	}
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("failed to derive store key: %w", err)
	}
	defer util.WipeBytes(secret)

	ts, err := tokenstore.New(repo, secret)
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("failed to open token store: %w", err)
	}
	return ts, func() error {
		ts.Close()
		return closeFn()
	}, nil
}

// newApp wires the session, cloud client, library and coordinator from c.
// extra session options are appended after the defaults.
func newApp(ctx context.Context, c *config.Config, logger *slog.Logger, extra ...session.Option) (*app, error) {
	a := &app{cfg: c, logger: logger}

	store, closeStore, err := openTokenStore(ctx, c)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, closeStore)

	var credOpts []session.CredentialsOption
	if c.TOTPSecret != "" {
		credOpts = append(credOpts, session.WithTOTPSecret(c.TOTPSecret))
	}
	creds, err := session.NewCredentials(c.Username, c.Password, credOpts...)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("invalid credentials: %w", err)
	}
	a.creds = creds
	a.closers = append(a.closers, func() error {
		creds.Destroy()
		return nil
	})

	stored, ok, err := store.Load(c.Username)
	if err != nil {
		logger.Warn("failed to load stored session", "error", err)
	}

	tr := transport.New(transport.WithTimeout(c.HTTPTimeout))

	sessOpts := []session.Option{
		session.WithLogger(logger),
		session.WithEndpoints(sessionEndpoints(c)),
		session.WithTokenCallback(a.saveToken),
	}
	a.session = session.NewManager(creds, tr, append(sessOpts, extra...)...)
	if ok {
		a.session.RestoreSession(session.Token{
			AccessToken: stored.AccessToken,
			ExpiresAt:   stored.ExpiresAt,
			TrustToken:  stored.TrustToken,
		})
	}

	a.cloud = cloud.New(a.session, tr,
		cloud.WithLogger(logger),
		cloud.WithEndpoints(cloudEndpoints(c)),
	)

	layout, err := library.New(c.StorageRoot)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.layout = layout

	loc, err := c.Location()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.coord = coordinator.New(a.cloud, layout,
		coordinator.WithLogger(logger),
		coordinator.WithLocation(loc),
		coordinator.WithRefreshInterval(c.RefreshInterval),
		coordinator.WithStreamIdleTimeout(c.StreamIdleTimeout),
		coordinator.WithPageSize(c.PageSize),
		coordinator.WithDownloadWorkers(c.DownloadWorkers),
	)
	return a, nil
}

func sessionEndpoints(c *config.Config) session.Endpoints {
	e := session.DefaultEndpoints()
	if c.TokenURL != "" {
		e.Token = c.TokenURL
	}
	if c.MFAVerifyURL != "" {
		e.MFAVerify = c.MFAVerifyURL
	}
	return e
}

func cloudEndpoints(c *config.Config) cloud.Endpoints {
	e := cloud.DefaultEndpoints()
	if c.VideosURL != "" {
		e.Videos = c.VideosURL
	}
	if c.DevicesURL != "" {
		e.Devices = c.DevicesURL
	}
	return e
}

// saveToken persists every token the session manager installs.
func (a *app) saveToken(t session.Token) {
	rec := tokenstore.Record{
		AccessToken: t.AccessToken,
		ExpiresAt:   t.ExpiresAt,
		TrustToken:  t.TrustToken,
	}
	if err := a.store.Save(a.cfg.Username, rec); err != nil {
		a.logger.Warn("failed to persist session", "error", err)
	}
}

// ensureSession logs in unless a restored token is still valid.
func (a *app) ensureSession(ctx context.Context) error {
	if a.session.IsAuthenticated() {
		a.logger.Info("using stored session", "expires_at", a.session.Expiry())
		return nil
	}
	if _, err := a.session.Login(ctx); err != nil {
		if errors.Is(err, session.ErrMFARequired) {
			return fmt.Errorf("%w: run \"cloudcam login\" to enter a verification code", err)
		}
		return fmt.Errorf("login failed: %w", err)
	}
	return nil
}

// Close releases everything newApp opened, newest first.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
