package leader

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// Gate answers whether this replica currently holds the single-writer role.
// The engine serializes every mutation in process; the gate extends that
// guarantee across replicas by letting only the elected one accept writes.
type Gate interface {
	IsLeader() bool
}

// Standalone is the Gate for single-replica deployments: always leader.
type Standalone struct{}

func (Standalone) IsLeader() bool { return true }

// Elector campaigns for leadership through an etcd election.
type Elector struct {
	cli      *clientv3.Client
	session  *concurrency.Session
	election *concurrency.Election
	leading  atomic.Bool
}

// Config holds etcd election settings.
type Config struct {
	Endpoints   []string
	Prefix      string
	DialTimeout time.Duration
	LeaseTTL    int
}

// NewElector connects to etcd and prepares an election under cfg.Prefix.
func NewElector(cfg Config) (*Elector, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	session, err := concurrency.NewSession(cli, concurrency.WithTTL(cfg.LeaseTTL))
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}

	return &Elector{
		cli:      cli,
		session:  session,
		election: concurrency.NewElection(session, cfg.Prefix),
	}, nil
}

// Campaign blocks until this replica wins the election or ctx is done.
// Leadership is dropped automatically when the etcd session lapses.
func (e *Elector) Campaign(ctx context.Context, id string) error {
	if err := e.election.Campaign(ctx, id); err != nil {
		return fmt.Errorf("failed to campaign: %w", err)
	}
	e.leading.Store(true)

	go func() {
		<-e.session.Done()
		e.leading.Store(false)
	}()
	return nil
}

// IsLeader reports whether this replica holds leadership.
func (e *Elector) IsLeader() bool {
	return e.leading.Load()
}

// Resign gives up leadership voluntarily.
func (e *Elector) Resign(ctx context.Context) error {
	e.leading.Store(false)
	if err := e.election.Resign(ctx); err != nil {
		return fmt.Errorf("failed to resign: %w", err)
	}
	return nil
}

// Close releases the session and connection.
func (e *Elector) Close() error {
	e.leading.Store(false)
	if e.session != nil {
		e.session.Close()
	}
	return e.cli.Close()
}
