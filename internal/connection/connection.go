// Package connection turns a persisted data-source configuration into a live
// database handle with a normalized view of its schema.
package connection

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/openbase-hq/openbase/internal/dialect"
	"github.com/openbase-hq/openbase/internal/schema"
	"github.com/openbase-hq/openbase/internal/tunnel"
)

// Config describes one data source. Type discriminates the engine; Filename
// is only meaningful for file-based engines, the network fields for the rest.
type Config struct {
	Type     string `json:"type" mapstructure:"type"`
	Host     string `json:"host,omitempty" mapstructure:"host"`
	Port     int    `json:"port,omitempty" mapstructure:"port"`
	User     string `json:"user,omitempty" mapstructure:"user"`
	Password string `json:"password,omitempty" mapstructure:"password"`
	Database string `json:"database,omitempty" mapstructure:"database"`
	Filename string `json:"filename,omitempty" mapstructure:"filename"`

	SSHTunnel *tunnel.Config `json:"sshTunnel,omitempty" mapstructure:"ssh_tunnel"`
}

// ConnectionError wraps a failure to reach or authenticate against a source.
type ConnectionError struct {
	Engine string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to %s source: %v", e.Engine, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Connection is a live handle to one data source. It owns the pool and, when
// configured, the SSH tunnel underneath it.
type Connection struct {
	cfg     Config
	dialect dialect.Dialect
	db      *sql.DB
	tun     *tunnel.Tunnel

	closeOnce sync.Once
	closeErr  error
}

// Connect opens a source. When an SSH tunnel is configured it is established
// first and the database is dialed through the tunnel's loopback endpoint;
// the caller's config is never mutated. The handle is verified with a ping
// before it is returned.
func Connect(ctx context.Context, cfg Config, timeout time.Duration) (*Connection, error) {
	d, err := dialect.New(cfg.Type)
	if err != nil {
		return nil, err
	}

	var tun *tunnel.Tunnel
	host, port := cfg.Host, cfg.Port
	if cfg.SSHTunnel != nil && cfg.Type != dialect.EngineSQLite {
		tun, err = tunnel.Open(*cfg.SSHTunnel, cfg.Host, cfg.Port, timeout)
		if err != nil {
			return nil, &ConnectionError{Engine: cfg.Type, Err: err}
		}
		host, port = tun.LocalEndpoint()
	}

	dsn, err := buildDSN(cfg, host, port)
	if err != nil {
		if tun != nil {
			tun.Close()
		}
		return nil, err
	}

	db, err := sql.Open(d.Driver(), dsn)
	if err != nil {
		if tun != nil {
			tun.Close()
		}
		return nil, &ConnectionError{Engine: cfg.Type, Err: err}
	}

	// These handles serve interactive metadata work, not application load.
	if cfg.Type == dialect.EngineSQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(2)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		if tun != nil {
			tun.Close()
		}
		return nil, &ConnectionError{Engine: cfg.Type, Err: err}
	}

	return &Connection{cfg: cfg, dialect: d, db: db, tun: tun}, nil
}

func buildDSN(cfg Config, host string, port int) (string, error) {
	switch cfg.Type {
	case dialect.EngineMySQL:
		// No default database: introspection spans every schema on the host.
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			cfg.User, cfg.Password, host, port, cfg.Database), nil
	case dialect.EnginePostgres:
		u := &url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(cfg.User, cfg.Password),
			Host:   fmt.Sprintf("%s:%d", host, port),
			Path:   "/" + cfg.Database,
		}
		q := url.Values{}
		q.Set("sslmode", "prefer")
		u.RawQuery = q.Encode()
		return u.String(), nil
	case dialect.EngineMSSQL:
		u := &url.URL{
			Scheme: "sqlserver",
			User:   url.UserPassword(cfg.User, cfg.Password),
			Host:   fmt.Sprintf("%s:%d", host, port),
		}
		q := url.Values{}
		if cfg.Database != "" {
			q.Set("database", cfg.Database)
		}
		u.RawQuery = q.Encode()
		return u.String(), nil
	case dialect.EngineSQLite:
		if cfg.Filename == "" {
			return "", fmt.Errorf("sqlite source requires a filename")
		}
		return cfg.Filename + "?_foreign_keys=on", nil
	}
	return "", &dialect.UnsupportedDialectError{Engine: cfg.Type, Op: "build DSN"}
}

// DB exposes the underlying pool for query execution.
func (c *Connection) DB() *sql.DB { return c.db }

// Dialect returns the engine adapter selected at connect time.
func (c *Connection) Dialect() dialect.Dialect { return c.dialect }

// Config returns the configuration the connection was opened with.
func (c *Connection) Config() Config { return c.cfg }

// FetchAllEntities introspects the live schema into normalized entities.
func (c *Connection) FetchAllEntities(ctx context.Context) ([]*schema.Entity, error) {
	entities, err := c.dialect.Introspect(ctx, c.db)
	if err != nil {
		return nil, fmt.Errorf("introspection failed: %w", err)
	}
	return entities, nil
}

// Close releases the pool and any tunnel underneath it. Safe to call more
// than once.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.db.Close()
		if c.tun != nil {
			if err := c.tun.Close(); err != nil && c.closeErr == nil {
				c.closeErr = err
			}
		}
	})
	return c.closeErr
}
