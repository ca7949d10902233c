// Package db provides database and Redis connections for the build worker.
package db

import (
	"fmt"
	"time"

	"buildforge/internal/logging"
	"buildforge/pkg/models"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Database wraps the GORM database instance
type Database struct {
	DB *gorm.DB
}

// New opens the worker database. A postgres DSN is used when provided;
// otherwise a local sqlite file keeps development and tests self-contained.
func New(databaseURL, sqlitePath string) (*Database, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var (
		db  *gorm.DB
		err error
	)
	if databaseURL != "" {
		db, err = gorm.Open(postgres.Open(databaseURL), gormConfig)
	} else {
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if databaseURL != "" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
		}
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(50)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	database := &Database{DB: db}
	if err := database.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logging.L().Info("database connected")
	return database, nil
}

// Migrate runs schema migrations for the pipeline's tables.
func (d *Database) Migrate() error {
	err := d.DB.AutoMigrate(
		&models.Project{},
		&models.ProjectTemplate{},
		&models.ProjectVersion{},
		&models.DeploymentRecord{},
		&models.ErrorOccurrence{},
	)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}
