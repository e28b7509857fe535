// Package store persists extensions, module settings and the event audit
// trail with gorm. SQLite and PostgreSQL dialects are supported.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("record not found")

// ErrDuplicate is returned when a unique key already exists.
var ErrDuplicate = errors.New("record already exists")

// Open connects to the database and migrates the schema.
func Open(driver, dsn string, log zerolog.Logger) (*gorm.DB, error) {
	var dial gorm.Dialector
	switch driver {
	case "sqlite", "":
		dial = sqlite.Open(dsn)
	case "postgres":
		dial = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", driver)
	}
	db, err := gorm.Open(dial, &gorm.Config{
		Logger:         newGormLogger(log),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if (driver == "sqlite" || driver == "") && strings.Contains(dsn, ":memory:") {
		// every pooled connection would otherwise see its own empty database
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates the tables owned by this package.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Extension{}, &EventLog{}, &ModuleSetting{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// gormLogger routes gorm diagnostics through zerolog.
type gormLogger struct {
	log   zerolog.Logger
	level gormlogger.LogLevel
	slow  time.Duration
}

func newGormLogger(l zerolog.Logger) gormlogger.Interface {
	return &gormLogger{log: l.With().Str("component", "gorm").Logger(), level: gormlogger.Warn, slow: 200 * time.Millisecond}
}

func (g *gormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	c := *g
	c.level = level
	return &c
}

func (g *gormLogger) Info(_ context.Context, msg string, args ...interface{}) {
	if g.level >= gormlogger.Info {
		g.log.Info().Msgf(msg, args...)
	}
}

func (g *gormLogger) Warn(_ context.Context, msg string, args ...interface{}) {
	if g.level >= gormlogger.Warn {
		g.log.Warn().Msgf(msg, args...)
	}
}

func (g *gormLogger) Error(_ context.Context, msg string, args ...interface{}) {
	if g.level >= gormlogger.Error {
		g.log.Error().Msgf(msg, args...)
	}
}

func (g *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && g.level >= gormlogger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		g.log.Error().Err(err).Dur("dur", elapsed).Int64("rows", rows).Str("sql", sql).Msg("query failed")
	case elapsed > g.slow && g.level >= gormlogger.Warn:
		sql, rows := fc()
		g.log.Warn().Dur("dur", elapsed).Int64("rows", rows).Str("sql", sql).Msg("slow query")
	case g.level >= gormlogger.Info:
		sql, rows := fc()
		g.log.Debug().Dur("dur", elapsed).Int64("rows", rows).Str("sql", sql).Msg("query")
	}
}
