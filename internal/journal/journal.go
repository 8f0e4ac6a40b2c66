// Package journal persists realtime events so a session can be inspected
// after the fact. It supports SQLite (via the modernc pure-Go driver, no
// CGO required) and PostgreSQL. The schema is embedded in the binary and
// applied with golang-migrate when the journal is opened.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// Registers itself as "sqlite" in database/sql.
	_ "modernc.org/sqlite"

	"github.com/civicpulse/realtime/internal/realtime"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("journal: closed")

// recordTimeout bounds a single insert made from an event handler.
const recordTimeout = 5 * time.Second

// Entry is one journaled message.
type Entry struct {
	ID         uuid.UUID `gorm:"type:text;primaryKey"`
	Type       string    `gorm:"not null;index"`
	Payload    string    `gorm:"not null"`
	SentAt     string    `gorm:"not null;default:''"`
	SenderID   string    `gorm:"not null;default:''"`
	ReceivedAt time.Time `gorm:"not null;index"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (Entry) TableName() string { return "journal_entries" }

// BeforeCreate assigns a time-ordered UUID v7 when none is set.
func (e *Entry) BeforeCreate(*gorm.DB) error {
	if e.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		e.ID = id
	}
	return nil
}

// Config holds what Open needs. Driver defaults to "sqlite".
type Config struct {
	Driver   string // "sqlite" or "postgres"
	DSN      string
	Logger   *zap.Logger
	LogLevel gormlogger.LogLevel
	Clock    clockwork.Clock
}

// Journal is safe for concurrent use.
type Journal struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	logger *zap.Logger
	clock  clockwork.Clock

	mu     sync.RWMutex
	closed bool
}

// Open connects to the database and applies pending migrations.
func Open(cfg Config) (*Journal, error) {
	if cfg.Logger == nil {
		return nil, errors.New("journal: logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger.Named("journal")
	gormCfg := &gorm.Config{Logger: newGormZap(logger, cfg.LogLevel)}

	var (
		database *gorm.DB
		sqlDB    *sql.DB
		err      error
		driver   string
	)

	switch cfg.Driver {
	case "sqlite", "":
		// Hand GORM an existing modernc connection so it never reaches for
		// the CGO driver.
		sqlDB, err = sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("journal: opening sqlite: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)

		database, err = gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gormCfg)
		if err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("journal: initializing gorm with sqlite: %w", err)
		}
		driver = "sqlite"

	case "postgres":
		database, err = gorm.Open(gormpostgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("journal: opening postgres: %w", err)
		}
		sqlDB, err = database.DB()
		if err != nil {
			return nil, fmt.Errorf("journal: getting sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(2)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
		driver = "postgres"

	default:
		return nil, fmt.Errorf("journal: unsupported driver %q, use \"sqlite\" or \"postgres\"", cfg.Driver)
	}

	if err := migrateUp(sqlDB, driver, logger); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("journal: migrations failed: %w", err)
	}

	return &Journal{db: database, sqlDB: sqlDB, logger: logger, clock: cfg.Clock}, nil
}

func migrateUp(sqlDB *sql.DB, driver string, log *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	var m *migrate.Migrate
	switch driver {
	case "sqlite":
		drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("creating sqlite migrate driver: %w", err)
		}
		if m, err = migrate.NewWithInstance("iofs", src, "sqlite", drv); err != nil {
			return fmt.Errorf("creating migrator: %w", err)
		}
	case "postgres":
		drv, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
		if err != nil {
			return fmt.Errorf("creating postgres migrate driver: %w", err)
		}
		if m, err = migrate.NewWithInstance("iofs", src, "postgres", drv); err != nil {
			return fmt.Errorf("creating migrator: %w", err)
		}
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	version, _, _ := m.Version()
	log.Info("journal schema ready", zap.Uint("version", version))
	return nil
}

// handle returns the database, or ErrClosed. Callers hold mu for reading.
func (j *Journal) handle() (*gorm.DB, error) {
	if j.closed {
		return nil, ErrClosed
	}
	return j.db, nil
}

// Record stores msg with the current time as its receive time.
func (j *Journal) Record(ctx context.Context, msg realtime.Message) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	db, err := j.handle()
	if err != nil {
		return err
	}

	payload := string(msg.Data)
	if payload == "" {
		payload = "{}"
	}
	entry := &Entry{
		Type:       string(msg.Type),
		Payload:    payload,
		SentAt:     msg.Timestamp,
		SenderID:   msg.UserID,
		ReceivedAt: j.clock.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("journal: recording %s: %w", msg.Type, err)
	}
	return nil
}

// Handler returns an event handler that records every message it sees.
// Failures are logged; they never reach the connection.
func (j *Journal) Handler() realtime.Handler {
	return func(msg realtime.Message) {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := j.Record(ctx, msg); err != nil && !errors.Is(err, ErrClosed) {
			j.logger.Warn("failed to journal event", zap.String("type", string(msg.Type)), zap.Error(err))
		}
	}
}

// Recent returns up to limit entries, newest first, optionally restricted
// to the given types.
func (j *Journal) Recent(ctx context.Context, limit int, types ...string) ([]Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	db, err := j.handle()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	q := db.WithContext(ctx).Order("received_at DESC").Order("id DESC").Limit(limit)
	if len(types) > 0 {
		q = q.Where("type IN ?", types)
	}
	var entries []Entry
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("journal: listing entries: %w", err)
	}
	return entries, nil
}

// TypeCount is one row of CountByType.
type TypeCount struct {
	Type  string
	Count int64
}

// CountByType returns how many entries exist per event type, ordered by type.
func (j *Journal) CountByType(ctx context.Context) ([]TypeCount, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	db, err := j.handle()
	if err != nil {
		return nil, err
	}

	var rows []TypeCount
	err = db.WithContext(ctx).
		Model(&Entry{}).
		Select("type, COUNT(*) AS count").
		Group("type").
		Order("type").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("journal: counting entries: %w", err)
	}
	return rows, nil
}

// Prune deletes entries received before the cut-off and returns how many
// were removed.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	db, err := j.handle()
	if err != nil {
		return 0, err
	}

	res := db.WithContext(ctx).Where("received_at < ?", before.UTC()).Delete(&Entry{})
	if res.Error != nil {
		return 0, fmt.Errorf("journal: pruning entries: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		j.logger.Info("journal pruned", zap.Int64("entries", res.RowsAffected), zap.Time("before", before))
	}
	return res.RowsAffected, nil
}

// Ping verifies the database connection is alive.
func (j *Journal) Ping(ctx context.Context) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrClosed
	}
	return j.sqlDB.PingContext(ctx)
}

// Close releases the connection. It is safe to call more than once.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.sqlDB.Close()
}

// SchedulePrune removes entries older than retention now and then every
// interval. The returned scheduler must be shut down by the caller.
func (j *Journal) SchedulePrune(retention, interval time.Duration) (gocron.Scheduler, error) {
	if retention <= 0 {
		return nil, errors.New("journal: retention must be positive")
	}
	s, err := gocron.NewScheduler(gocron.WithClock(j.clock))
	if err != nil {
		return nil, fmt.Errorf("journal: creating scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if _, err := j.Prune(ctx, j.clock.Now().Add(-retention)); err != nil && !errors.Is(err, ErrClosed) {
				j.logger.Warn("journal prune failed", zap.Error(err))
			}
		}),
		gocron.WithName("journal-prune"),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("journal: scheduling prune: %w", err)
	}
	s.Start()
	return s, nil
}
