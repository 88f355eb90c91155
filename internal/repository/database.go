// Package repository provides data access layer using GORM for database operations.
package repository

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/aimd54/travelqa/internal/config"
	"github.com/aimd54/travelqa/internal/models"
	"github.com/aimd54/travelqa/pkg/logger"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// DB holds the database connection.
type DB struct {
	*gorm.DB
}

// NewDB opens the database selected by cfg.Driver.
func NewDB(cfg *config.DatabaseConfig, log *logger.Logger) (*DB, error) {
	gormLogLevel := gormlogger.Warn
	if log.Level() <= zerolog.DebugLevel {
		gormLogLevel = gormlogger.Info
	}

	gormConfig := &gorm.Config{
		Logger: gormlogger.New(log.Component("gorm"), gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormLogLevel,
			IgnoreRecordNotFoundError: true,
		}),
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.Postgres.DSN())
	case "sqlite":
		dialector = sqlite.Open(cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	if cfg.Driver == "postgres" {
		sqlDB.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.Postgres.ConnMaxLifetime) * time.Second)
	} else {
		// SQLite allows a single writer.
		sqlDB.SetMaxOpenConns(1)
		db.Exec("PRAGMA foreign_keys = ON")
	}

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().
		Str("driver", cfg.Driver).
		Msg("Connected to database")

	return &DB{db}, nil
}

// AutoMigrate creates or updates tables for all models.
func (db *DB) AutoMigrate() error {
	return db.DB.AutoMigrate(
		&models.User{},
		&models.UserStats{},
		&models.UserCategoryStats{},
		&models.UserFlag{},
		&models.BadgeDefinition{},
		&models.UserBadge{},
	)
}

// Close closes the database connection.
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health checks if the database is healthy.
func (db *DB) Health() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
