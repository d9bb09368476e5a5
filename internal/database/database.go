package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/fello/internal/store"
	"github.com/MarcoPoloResearchLab/fello/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects the backing database.
type Config struct {
	Driver string
	// Path is the SQLite file.
	Path string
	// DSN is the Postgres connection string.
	DSN string
}

// Open establishes a connection and performs schema migrations.
func Open(cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite, "":
		if cfg.Path == "" {
			return nil, fmt.Errorf("database path is required")
		}
		driver = DriverSQLite
		dialector = sqlite.Open(cfg.Path)
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("database dsn is required")
		}
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if driver == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&store.Node{}, &users.Identity{}); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("driver", driver))
	return db, nil
}
