package db

import (
	"fmt"
	stlog "log"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open connects to the configured database. driver is "sqlite" or "postgres".
func Open(driver, dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}

	// GORM writes through a standard logger whose output is zerolog.
	newLogger := gormlogger.New(
		stlog.New(log.Logger, "", 0),
		gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormLevel(zerolog.GlobalLevel()),
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	var dialector gorm.Dialector
	switch driver {
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{Logger: newLogger})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if driver == "postgres" {
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxLifetime(time.Hour)
	} else {
		// SQLite serializes writers; one connection avoids "database is locked".
		sqlDB.SetMaxOpenConns(1)
		if err := gdb.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
			return nil, fmt.Errorf("failed to enable sqlite foreign keys: %w", err)
		}
	}

	log.Info().Str("driver", driver).Msg("Database connection established")
	return gdb, nil
}

// Migrate runs GORM's AutoMigrate for the given models.
func Migrate(gdb *gorm.DB, modelsToMigrate ...interface{}) error {
	if gdb == nil {
		return fmt.Errorf("database not initialized, call Open first")
	}
	if len(modelsToMigrate) == 0 {
		return fmt.Errorf("no models provided for migration")
	}
	if err := gdb.AutoMigrate(modelsToMigrate...); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	log.Info().Int("models_migrated", len(modelsToMigrate)).Msg("Database migration completed")
	return nil
}

// Sqlx wraps the GORM connection pool for hand-written read queries.
func Sqlx(gdb *gorm.DB) (*sqlx.DB, error) {
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	driverName := "sqlite3"
	if gdb.Dialector.Name() == "postgres" {
		driverName = "postgres"
	}
	return sqlx.NewDb(sqlDB, driverName), nil
}

func gormLevel(level zerolog.Level) gormlogger.LogLevel {
	switch {
	case level <= zerolog.DebugLevel:
		return gormlogger.Info
	case level == zerolog.InfoLevel, level == zerolog.WarnLevel:
		return gormlogger.Warn
	case level == zerolog.Disabled:
		return gormlogger.Silent
	default:
		return gormlogger.Error
	}
}
