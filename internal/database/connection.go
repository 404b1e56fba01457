package database

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ksred/dbmigrator/internal/config"
	"github.com/ksred/dbmigrator/internal/utils"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Database manages the connection the engine runs its transactions on
type Database struct {
	db     *gorm.DB
	config config.Database
	logger zerolog.Logger
	mu     sync.RWMutex
}

// NewDatabase creates a new Database instance
func NewDatabase(cfg config.Database, logger zerolog.Logger) *Database {
	return &Database{
		config: cfg,
		logger: utils.Component(logger, "database"),
	}
}

// Connect establishes the connection with exponential backoff between attempts
func (d *Database) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	gormConfig := &gorm.Config{
		Logger: NewGormLogger(d.logger),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		// Scripts can hold several statements, which prepared statements reject
		PrepareStmt: false,
	}

	maxRetries := d.config.ConnectRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}
	retryDelay := time.Second * 2

	var (
		db  *gorm.DB
		err error
	)
	for i := 0; i < maxRetries; i++ {
		db, err = gorm.Open(d.dialector(), gormConfig)
		if err == nil {
			break
		}

		d.logger.Warn().
			Err(err).
			Int("attempt", i+1).
			Int("max_attempts", maxRetries).
			Msg("Database connection attempt failed")

		if i < maxRetries-1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("connect cancelled: %w", ctx.Err())
			case <-time.After(retryDelay):
			}
			retryDelay *= 2
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to database after %d attempts: %w", maxRetries, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	maxOpen := d.config.MaxConnections
	if d.config.Driver == config.DriverSQLite {
		// SQLite serialises writers; a second connection would block on the
		// engine's open transaction
		maxOpen = 1
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(d.config.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(d.config.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(d.config.ConnMaxIdleTime)

	d.db = db
	return nil
}

// Health checks the database connection health
func (d *Database) Health(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return fmt.Errorf("database not connected")
	}

	return Ping(ctx, d.db)
}

// Ping verifies the connection behind a gorm handle is reachable, retrying
// transient network failures a few times.
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	const maxRetries = 3
	for i := 0; i < maxRetries; i++ {
		err = sqlDB.PingContext(ctx)
		if err == nil || !isRetryableError(err) || ctx.Err() != nil {
			break
		}
		if i < maxRetries-1 {
			time.Sleep(time.Millisecond * 100 * time.Duration(i+1))
		}
	}
	if err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// Close closes the database connection
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return nil
	}

	sqlDB, err := d.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}

	d.db = nil
	return nil
}

// DB returns the underlying gorm.DB instance
func (d *Database) DB() *gorm.DB {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db
}

// DSN returns the connection string handed to the driver
func (d *Database) DSN() string {
	if d.config.Driver == config.DriverSQLite {
		return d.config.DBName
	}
	return BuildPostgresDSN(d.config)
}

// BuildPostgresDSN constructs the key/value PostgreSQL DSN. The bulk-copy
// connection uses the same string so both sides reach the same database.
func BuildPostgresDSN(cfg config.Database) string {
	host := defaultString(cfg.Host, "localhost")
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	user := defaultString(cfg.User, "postgres")
	sslmode := defaultString(cfg.SSLMode, "disable")

	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		host, port, user, cfg.Password, cfg.DBName, sslmode)
}

func (d *Database) dialector() gorm.Dialector {
	if d.config.Driver == config.DriverSQLite {
		return sqlite.Open(d.DSN())
	}
	return postgres.Open(d.DSN())
}

func defaultString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

// isRetryableError determines if an error should trigger a retry
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()
	retryableErrors := []string{
		"connection refused",
		"connection reset",
		"too many connections",
		"connection timeout",
		"the database system is starting up",
	}

	for _, retryable := range retryableErrors {
		if containsIgnoreCase(errStr, retryable) {
			return true
		}
	}

	return false
}

// containsIgnoreCase checks if string contains substring (case insensitive)
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
