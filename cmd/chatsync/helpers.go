package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/greenvcm/chatsync"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger builds a development logger with --verbose, otherwise a
// production logger at the given level.
func newLogger(level zapcore.Level) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

// session is a client restored from the config file.
type session struct {
	cfg    *Config
	log    *zap.Logger
	remote *chatsync.HTTPRemote
	auth   *chatsync.Auth
	client *chatsync.Client
	cache  *chatsync.SQLiteLocalStore
}

// openSession builds a relay client from the config and restores the stored
// credentials, if any.
func openSession() (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := newLogger(zap.WarnLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	var auth *chatsync.Auth
	remote := chatsync.NewHTTPRemote(cfg.Default.BaseURL,
		chatsync.WithTokenSource(func() string { return auth.Token() }),
		chatsync.WithRemoteLogger(log.Named("remote")),
	)
	auth = chatsync.NewAuth(remote, log.Named("auth"))
	if creds := storedCredentials(cfg); creds != nil {
		auth.Restore(creds)
	}

	cachePath, err := cachePathFor(cfg)
	if err != nil {
		return nil, err
	}
	cache, err := chatsync.OpenSQLiteLocalStore(cachePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open profile cache: %w", err)
	}

	opts := []chatsync.ClientOption{chatsync.WithLogger(log)}
	if cfg.Default.Window > 0 {
		opts = append(opts, chatsync.WithWindow(cfg.Default.Window))
	}
	client := chatsync.NewClient(remote, auth, cache, opts...)

	return &session{cfg: cfg, log: log, remote: remote, auth: auth, client: client, cache: cache}, nil
}

func (s *session) Close() {
	_ = s.cache.Close()
	_ = s.log.Sync()
}

// requireSignedIn fails when the config holds no session.
func (s *session) requireSignedIn() error {
	if s.auth.Current() == "" {
		return fmt.Errorf("not signed in; run 'chatsync signin', 'chatsync signup' or 'chatsync anon' first")
	}
	return nil
}

// saveCredentials persists the current session in the config.
func (s *session) saveCredentials() error {
	creds := s.auth.Credentials()
	if creds == nil {
		s.cfg.Auth = ConfigAuth{}
	} else {
		s.cfg.Auth = ConfigAuth{
			Token:        creds.Token,
			UID:          string(creds.User.UID),
			Email:        creds.User.Email,
			TokenExpires: creds.ExpiresAt.UTC().Format(time.RFC3339),
		}
	}
	if err := saveConfig(s.cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

func storedCredentials(cfg *Config) *chatsync.Credentials {
	if cfg.Auth.Token == "" || cfg.Auth.UID == "" {
		return nil
	}
	creds := &chatsync.Credentials{
		User: chatsync.User{
			UID:       chatsync.Identity(cfg.Auth.UID),
			Email:     cfg.Auth.Email,
			Anonymous: cfg.Auth.Email == "",
		},
		Token: cfg.Auth.Token,
	}
	if t, err := time.Parse(time.RFC3339, cfg.Auth.TokenExpires); err == nil {
		creds.ExpiresAt = t
	}
	return creds
}

// describeError returns the provider message of an API error verbatim.
func describeError(err error) string {
	var apiErr *chatsync.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return err.Error()
}

func commandContext(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

// maskToken shows the first 12 and last 4 characters of a token.
// cachePathFor returns where the profile cache lives.
func cachePathFor(cfg *Config) (string, error) {
	if cfg.Default.CachePath != "" {
		return cfg.Default.CachePath, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "cache.db"), nil
}

func maskToken(token string) string {
	if len(token) <= 16 {
		return "****"
	}
	return token[:12] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
