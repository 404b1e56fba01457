package database

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// slowQueryThreshold flags statements worth a warning; migrations are
// expected to be slow, so only plain queries are reported at this bar
const slowQueryThreshold = 2 * time.Second

// GormLogger routes gorm's logging through zerolog
type GormLogger struct {
	logger zerolog.Logger
}

// NewGormLogger creates a gorm logger backed by the given zerolog logger
func NewGormLogger(logger zerolog.Logger) *GormLogger {
	return &GormLogger{logger: logger}
}

// LogMode maps gorm levels onto a zerolog level on a copy of the logger
func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	var zl zerolog.Level
	switch level {
	case gormlogger.Silent:
		zl = zerolog.Disabled
	case gormlogger.Error:
		zl = zerolog.ErrorLevel
	case gormlogger.Warn:
		zl = zerolog.WarnLevel
	default:
		zl = zerolog.DebugLevel
	}
	return &GormLogger{logger: l.logger.Level(zl)}
}

func (l *GormLogger) Info(ctx context.Context, msg string, args ...interface{}) {
	l.logger.Info().Msgf(msg, args...)
}

func (l *GormLogger) Warn(ctx context.Context, msg string, args ...interface{}) {
	l.logger.Warn().Msgf(msg, args...)
}

func (l *GormLogger) Error(ctx context.Context, msg string, args ...interface{}) {
	l.logger.Error().Msgf(msg, args...)
}

// Trace logs every statement at debug level and failures at error level.
// Record-not-found is expected during ledger lookups and stays at debug.
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	sql, rows := fc()

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		l.logger.Error().Err(err).Dur("elapsed", elapsed).Int64("rows", rows).Str("sql", truncateSQL(sql)).Msg("query failed")
	case elapsed > slowQueryThreshold:
		l.logger.Warn().Dur("elapsed", elapsed).Int64("rows", rows).Str("sql", truncateSQL(sql)).Msg("slow query")
	default:
		l.logger.Debug().Dur("elapsed", elapsed).Int64("rows", rows).Str("sql", truncateSQL(sql)).Msg("query")
	}
}

// truncateSQL keeps whole scripts out of log lines
func truncateSQL(sql string) string {
	const max = 512
	if len(sql) <= max {
		return sql
	}
	return sql[:max] + "..."
}
