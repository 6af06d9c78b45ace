package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/xaenox/whoop-insight-bot/pkg/config"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

type DatabaseConfig struct {
	Driver        string
	Host          string
	Port          int
	User          string
	Password      string
	DBName        string
	SSLMode       string
	Path          string
	UseInMemory   bool
	NotifyChannel string
	QueryTimeout  time.Duration
}

// ConfigFrom maps the loaded database settings onto a store config.
func ConfigFrom(cfg config.DatabaseConfig, queryTimeout time.Duration) DatabaseConfig {
	return DatabaseConfig{
		Driver:        cfg.Driver,
		Host:          cfg.Host,
		Port:          cfg.Port,
		User:          cfg.User,
		Password:      cfg.Password,
		DBName:        cfg.DBName,
		SSLMode:       cfg.SSLMode,
		Path:          cfg.Path,
		UseInMemory:   cfg.UseInMemory,
		NotifyChannel: cfg.NotifyChannel,
		QueryTimeout:  queryTimeout,
	}
}

// SQLStore is the health database behind both the assistant (reads) and
// the synchronizer (writes).
type SQLStore struct {
	db            *sql.DB
	driver        string
	notifyChannel string
	queryTimeout  time.Duration
	logger        *zap.Logger
}

// Open connects to the configured driver and applies pending migrations.
func Open(config DatabaseConfig, logger *zap.Logger) (*SQLStore, error) {
	switch config.Driver {
	case DriverPostgres, "":
		return NewPostgresStorage(config, logger)
	case DriverSQLite:
		return NewSQLiteStorage(config, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", config.Driver)
	}
}

func postgresDSN(config DatabaseConfig) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)
}

func NewPostgresStorage(config DatabaseConfig, logger *zap.Logger) (*SQLStore, error) {
	db, err := sql.Open(DriverPostgres, postgresDSN(config))
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	return newSQLStore(db, DriverPostgres, config, logger)
}

func newSQLStore(db *sql.DB, driver string, config DatabaseConfig, logger *zap.Logger) (*SQLStore, error) {
	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	store := &SQLStore{
		db:            db,
		driver:        driver,
		notifyChannel: config.NotifyChannel,
		queryTimeout:  config.QueryTimeout,
		logger:        logger,
	}

	// Initialize database schema
	if err := store.initializeSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	return store, nil
}

func (s *SQLStore) initializeSchema(ctx context.Context) error {
	migrationsFS, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("error reading migrations: %w", err)
	}

	dialect := goose.DialectPostgres
	if s.driver == DriverSQLite {
		dialect = goose.DialectSQLite3
	}

	provider, err := goose.NewProvider(dialect, s.db, migrationsFS)
	if err != nil {
		return fmt.Errorf("error creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}
	for _, r := range results {
		s.logger.Info("Applied migration",
			zap.String("source", r.Source.Path),
			zap.Duration("duration", r.Duration))
	}

	return nil
}

// Dialect names the SQL flavour generated statements must be written in.
func (s *SQLStore) Dialect() string {
	if s.driver == DriverSQLite {
		return "SQLite"
	}
	return "PostgreSQL"
}

// NotifySynced tells listening assistants that fresh data landed.
func (s *SQLStore) NotifySynced(ctx context.Context) error {
	if s.driver != DriverPostgres || s.notifyChannel == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "SELECT pg_notify($1, $2)",
		s.notifyChannel, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("error sending sync notification: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Listener receives the synchronizer's NOTIFY messages.
type Listener struct {
	listener *pq.Listener
	onNotify func()
	logger   *zap.Logger
}

// NewListener subscribes to config.NotifyChannel. onNotify runs for each
// notification and after every reconnect, since notifications may have
// been missed while disconnected.
func NewListener(config DatabaseConfig, onNotify func(), logger *zap.Logger) (*Listener, error) {
	eventCallback := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("Notification listener event", zap.Int("event", int(ev)), zap.Error(err))
		}
	}

	l := pq.NewListener(postgresDSN(config), 10*time.Second, time.Minute, eventCallback)
	if err := l.Listen(config.NotifyChannel); err != nil {
		l.Close()
		return nil, fmt.Errorf("error listening on %s: %w", config.NotifyChannel, err)
	}

	return &Listener{listener: l, onNotify: onNotify, logger: logger}, nil
}

func (l *Listener) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-l.listener.Notify:
			if !ok {
				return
			}
			if n != nil {
				l.logger.Info("Received sync notification",
					zap.String("channel", n.Channel),
					zap.String("payload", n.Extra))
			}
			l.onNotify()
		case <-time.After(90 * time.Second):
			go l.listener.Ping()
		}
	}
}

func (l *Listener) Close() error {
	return l.listener.Close()
}
