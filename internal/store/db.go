package store

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/coverlab/api/internal/config"
	"github.com/coverlab/api/internal/logger"
	"github.com/coverlab/api/internal/model"
)

type OpenOption func(*openOptions)

type openOptions struct {
	log *logger.Logger
}

// WithLogger routes gorm's slow query and error reports to l.
func WithLogger(l *logger.Logger) OpenOption {
	return func(o *openOptions) { o.log = l }
}

// gormWriter adapts the zap logger to gorm's printf style writer.
type gormWriter struct {
	log *logger.Logger
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.log.SugaredLogger.Warnf(format, args...)
}

// newGormLogger reports slow queries and errors. Missing rows are normal
// lookups (404s, unknown callbacks) and are not reported.
func newGormLogger(l *logger.Logger) gormlogger.Interface {
	return gormlogger.New(gormWriter{log: l.With("component", "gorm")}, gormlogger.Config{
		SlowThreshold:             500 * time.Millisecond,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

// Open connects to the configured database and migrates the job tables.
func Open(cfg config.DatabaseConfig, opts ...OpenOption) (*gorm.DB, error) {
	o := openOptions{log: logger.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	var dialector gorm.Dialector
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "postgres", "postgresql":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  newGormLogger(o.log),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if driver == "postgres" || driver == "postgresql" {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	} else {
		// SQLite has no row locks; a single connection serializes writers.
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates the job and artifact tables, including the
// unique (job_id, type) index that makes stage claims exactly-once.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&model.Job{}, &model.Artifact{}); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}
