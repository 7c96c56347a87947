package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/codenotary/immudb/pkg/client"
)

// ImmudbConfig addresses the immudb instance that keeps the tamper-evident
// copy of the audit stream.
type ImmudbConfig struct {
	Address  string
	Port     int
	Username string
	Password string
	Database string
	Table    string
}

// ImmudbPublisher appends facts to an immudb SQL table. immudb never rewrites
// committed rows, which is what an audit trail of a ledger wants.
type ImmudbPublisher struct {
	mu     sync.Mutex
	client client.ImmuClient
	table  string
}

func NewImmudbPublisher(ctx context.Context, cfg ImmudbConfig) (*ImmudbPublisher, error) {
	if cfg.Table == "" {
		cfg.Table = "audit_facts"
	}
	if cfg.Port == 0 {
		cfg.Port = 3322
	}
	opts := client.DefaultOptions().
		WithAddress(cfg.Address).
		WithPort(cfg.Port)

	c := client.NewClient().WithOptions(opts)
	if err := c.OpenSession(ctx, []byte(cfg.Username), []byte(cfg.Password), cfg.Database); err != nil {
		return nil, fmt.Errorf("failed to connect to immudb: %w", err)
	}

	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s ("+
		"id VARCHAR[36] NOT NULL, "+
		"kind VARCHAR[64] NOT NULL, "+
		"at INTEGER NOT NULL, "+
		"subject_id VARCHAR[36] NOT NULL, "+
		"attributes VARCHAR, "+
		"PRIMARY KEY id"+
		")", cfg.Table)
	if _, err := c.SQLExec(ctx, stmt, nil); err != nil {
		c.CloseSession(ctx)
		return nil, fmt.Errorf("failed to create audit table: %w", err)
	}

	return &ImmudbPublisher{client: c, table: cfg.Table}, nil
}

func (p *ImmudbPublisher) Publish(ctx context.Context, f Fact) error {
	attrs, err := json.Marshal(f.Attributes)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (id, kind, at, subject_id, attributes) VALUES (@id, @kind, @at, @subject_id, @attributes)",
		p.table,
	)
	params := map[string]interface{}{
		"id":         f.ID.String(),
		"kind":       string(f.Kind),
		"at":         f.At.UnixNano(),
		"subject_id": f.SubjectID.String(),
		"attributes": string(attrs),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.client.SQLExec(ctx, query, params); err != nil {
		return fmt.Errorf("failed to write audit fact: %w", err)
	}
	return nil
}

func (p *ImmudbPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client.CloseSession(ctx)
}
