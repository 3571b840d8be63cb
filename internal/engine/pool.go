package engine

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"censocore/internal/census"
	"censocore/internal/metrics"
)

// Pool hands out dedicated engine connections, at most size at a time.
// Each connection runs one query at a time.
type Pool struct {
	db      *sql.DB
	dialect Dialect
	dataset Dataset
	sem     chan struct{}
	done    chan struct{}
	once    sync.Once

	metrics metrics.Recorder
	logger  *slog.Logger
}

// PoolOption customizes a Pool.
type PoolOption func(*Pool)

// WithMetrics records every executed query under metrics.OpExecute.
func WithMetrics(r metrics.Recorder) PoolOption {
	return func(p *Pool) { p.metrics = metrics.OrNop(r) }
}

// WithLogger logs query text at debug level.
func WithLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithDataset records the dataset the engine serves.
func WithDataset(d Dataset) PoolOption {
	return func(p *Pool) { p.dataset = d }
}

// NewPool wraps db. size <= 0 means 1.
func NewPool(db *sql.DB, dialect Dialect, size int, opts ...PoolOption) *Pool {
	if size <= 0 {
		size = 1
	}
	db.SetMaxOpenConns(size)
	p := &Pool{
		db:      db,
		dialect: dialect,
		sem:     make(chan struct{}, size),
		done:    make(chan struct{}),
		metrics: metrics.Nop{},
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Dialect returns the SQL dialect of the underlying engine.
func (p *Pool) Dialect() Dialect { return p.dialect }

// Dataset returns the dataset the engine was opened with.
func (p *Pool) Dataset() Dataset { return p.dataset }

// Schema returns the relation layout of the served dataset.
func (p *Pool) Schema() census.Schema {
	col := p.dataset.GeoIDColumn
	if col == "" && p.dataset.Year != "" {
		col = "COD_" + p.dataset.Year
	}
	return census.DefaultSchema(col)
}

// Size is the maximum number of concurrently acquired connections.
func (p *Pool) Size() int { return cap(p.sem) }

// Acquire blocks until a connection is free, ctx is done or the pool closes.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	select {
	case <-p.done:
		return nil, ErrPoolClosed
	default:
	}
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrPoolClosed
	}
	conn, err := p.db.Conn(ctx)
	if err != nil {
		<-p.sem
		return nil, fmt.Errorf("acquire engine connection: %w", err)
	}
	return &Conn{pool: p, conn: conn}, nil
}

// Execute runs query on a pooled connection.
func (p *Pool) Execute(ctx context.Context, query string, args []any, scan ScanFunc) error {
	c, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer c.Release()
	return c.Execute(ctx, query, args, scan)
}

// Close stops handing out connections and closes the database.
func (p *Pool) Close() error {
	var err error
	p.once.Do(func() {
		close(p.done)
		err = p.db.Close()
	})
	return err
}

// Conn is a connection checked out of a Pool. Release must be called once
// the caller is done with it.
type Conn struct {
	pool *Pool
	conn *sql.Conn
	once sync.Once
}

// Release returns the connection to the pool. Extra calls are no-ops.
func (c *Conn) Release() {
	c.once.Do(func() {
		_ = c.conn.Close()
		<-c.pool.sem
	})
}

// Execute binds query for the engine, runs it and passes every row to scan.
// Engine failures are wrapped in census.EngineError.
func (c *Conn) Execute(ctx context.Context, query string, args []any, scan ScanFunc) (err error) {
	start := time.Now()
	defer func() {
		c.pool.metrics.Observe(ctx, metrics.OpExecute, err == nil, time.Since(start))
	}()
	c.pool.logger.DebugContext(ctx, "engine query", "driver", c.pool.dialect.Driver(), "sql", query, "args", len(args))

	rows, err := c.conn.QueryContext(ctx, c.pool.dialect.Bind(query), args...)
	if err != nil {
		return census.EngineError{Query: query, Err: err}
	}
	defer func() { _ = rows.Close() }()
	columns, err := rows.Columns()
	if err != nil {
		return census.EngineError{Query: query, Err: err}
	}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return census.EngineError{Query: query, Err: err}
		}
		if err := scan(columns, values); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return census.EngineError{Query: query, Err: err}
	}
	return nil
}
