package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/osvaldoandrade/validq/pkg/domain"
	"github.com/osvaldoandrade/validq/pkg/persistence"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var errDBUnavailable = errors.New("db unavailable")

// Config holds Postgres-specific configuration
type Config struct {
	DSN          string `json:"dsn"`
	MaxOpenConns int    `json:"maxOpenConns,omitempty"`
	AutoMigrate  *bool  `json:"autoMigrate,omitempty"`
}

// Plugin implements PluginPersistence on Postgres through gorm
type Plugin struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	locker *advisoryLocker
}

// NewPlugin creates a new Postgres persistence plugin
func NewPlugin(config persistence.PluginConfig) (persistence.PluginPersistence, error) {
	var cfg Config
	if len(config.Config) > 0 {
		if err := json.Unmarshal(config.Config, &cfg); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres persistence requires dsn")
	}
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	migrate := cfg.AutoMigrate == nil || *cfg.AutoMigrate
	return NewPluginWithDB(db, cfg.MaxOpenConns, migrate)
}

// NewPluginWithDB wraps an open gorm handle, optionally migrating the schema.
func NewPluginWithDB(db *gorm.DB, maxOpenConns int, migrate bool) (*Plugin, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if maxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(maxOpenConns)
	}
	if migrate {
		if err := db.AutoMigrate(&ValidationModel{}, &BalanceModel{}, &AttestorModel{}); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return &Plugin{db: db, sqlDB: sqlDB, locker: &advisoryLocker{db: sqlDB}}, nil
}

func (p *Plugin) ValidationStorage() persistence.ValidationStorage {
	return &validationStore{db: p.db}
}

func (p *Plugin) AttestorStorage() persistence.AttestorStorage {
	return &attestorStore{db: p.db}
}

// Locker returns a session advisory lock locker; a lock dies with its connection.
func (p *Plugin) Locker() persistence.Locker {
	return p.locker
}

func (p *Plugin) Health(ctx context.Context) error {
	if p.sqlDB == nil {
		return errDBUnavailable
	}
	return p.sqlDB.PingContext(ctx)
}

func (p *Plugin) Close() error {
	return p.sqlDB.Close()
}

func init() {
	persistence.RegisterProvider("postgres", NewPlugin)
}

type advisoryLocker struct {
	db *sql.DB
}

const advisoryPoll = 25 * time.Millisecond

func (l *advisoryLocker) Acquire(ctx context.Context, key string, _ time.Duration) (func(), error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBusy, err)
	}
	for {
		var ok bool
		if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", key).Scan(&ok); err != nil {
			_ = conn.Close()
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s", domain.ErrBusy, key)
			}
			return nil, fmt.Errorf("advisory lock: %w", err)
		}
		if ok {
			return func() {
				_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock(hashtext($1))", key)
				_ = conn.Close()
			}, nil
		}
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return nil, fmt.Errorf("%w: %s", domain.ErrBusy, key)
		case <-time.After(advisoryPoll):
		}
	}
}
