// Package election makes the relay a single writer: only the instance that
// holds the etcd election runs the poll loops and serves settlements.
package election

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
)

var (
	ErrNoEndpoints = errors.New("no etcd endpoints configured")
	ErrNotLeader   = errors.New("not the leader")
)

type Config struct {
	Endpoints   []string
	Prefix      string
	SessionTTL  int
	DialTimeout time.Duration
	// Identity is the value published while leading. Defaults to the hostname.
	Identity string
}

type Elector struct {
	cfg    Config
	client *clientv3.Client
	logger *zap.Logger

	mu       sync.Mutex
	session  *concurrency.Session
	election *concurrency.Election
}

func New(cfg Config, logger *zap.Logger) (*Elector, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "/settlement-relay/leader"
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 10
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Identity == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "relay"
		}
		cfg.Identity = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	return &Elector{cfg: cfg, client: client, logger: logger.With(zap.String("identity", cfg.Identity))}, nil
}

// Campaign blocks until this instance leads or ctx is done.
func (e *Elector) Campaign(ctx context.Context) error {
	session, err := concurrency.NewSession(e.client, concurrency.WithTTL(e.cfg.SessionTTL), concurrency.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to open etcd session: %w", err)
	}
	election := concurrency.NewElection(session, e.cfg.Prefix)

	e.logger.Info("campaigning for leadership", zap.String("prefix", e.cfg.Prefix))
	if err := election.Campaign(ctx, e.cfg.Identity); err != nil {
		_ = session.Close()
		return fmt.Errorf("campaign failed: %w", err)
	}

	e.mu.Lock()
	e.session = session
	e.election = election
	e.mu.Unlock()
	e.logger.Info("acquired leadership")
	return nil
}

// Lost is closed when the leadership session ends. Nil before Campaign succeeds.
func (e *Elector) Lost() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	return e.session.Done()
}

// Leader returns the identity of the current leader.
func (e *Elector) Leader(ctx context.Context) (string, error) {
	session, err := concurrency.NewSession(e.client, concurrency.WithTTL(e.cfg.SessionTTL), concurrency.WithContext(ctx))
	if err != nil {
		return "", err
	}
	defer session.Close()
	resp, err := concurrency.NewElection(session, e.cfg.Prefix).Leader(ctx)
	if errors.Is(err, concurrency.ErrElectionNoLeader) {
		return "", ErrNotLeader
	}
	if err != nil {
		return "", err
	}
	return string(resp.Kvs[0].Value), nil
}

// Resign gives up leadership so another instance can take over.
func (e *Elector) Resign(ctx context.Context) error {
	e.mu.Lock()
	election := e.election
	e.mu.Unlock()
	if election == nil {
		return ErrNotLeader
	}
	if err := election.Resign(ctx); err != nil {
		return fmt.Errorf("failed to resign: %w", err)
	}
	e.logger.Info("resigned leadership")
	return nil
}

func (e *Elector) Identity() string {
	return e.cfg.Identity
}

func (e *Elector) Close() error {
	e.mu.Lock()
	session := e.session
	e.session, e.election = nil, nil
	e.mu.Unlock()
	if session != nil {
		_ = session.Close()
	}
	return e.client.Close()
}
