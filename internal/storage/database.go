package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/aman-churiwal/quota-authorizer/internal/config"
	"github.com/aman-churiwal/quota-authorizer/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/dbresolver"
)

// Database wraps the gorm handle. When replicas are configured, plain reads
// are routed to them (eventually consistent) and Primary() pins a query to
// the writer.
type Database struct {
	DB *gorm.DB
}

func dialector(typ, dsn string) (gorm.Dialector, error) {
	switch typ {
	case "postgres":
		return postgres.Open(dsn), nil
	case "sqlite":
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", typ)
	}
}

func NewDatabase(cfg config.DatabaseConfig, logLevel logger.LogLevel) (*Database, error) {
	d, err := dialector(cfg.Type, cfg.DSN)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(d, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if len(cfg.Replicas) > 0 {
		replicas := make([]gorm.Dialector, 0, len(cfg.Replicas))
		for _, dsn := range cfg.Replicas {
			r, err := dialector(cfg.Type, dsn)
			if err != nil {
				return nil, err
			}
			replicas = append(replicas, r)
		}

		err = db.Use(dbresolver.Register(dbresolver.Config{
			Replicas: replicas,
			Policy:   dbresolver.RandomPolicy{},
		}).
			SetMaxIdleConns(10).
			SetMaxOpenConns(100).
			SetConnMaxLifetime(time.Hour))
		if err != nil {
			return nil, fmt.Errorf("failed to register read replicas: %w", err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	if cfg.Type == "sqlite" {
		// sqlite serializes writers; one connection keeps in-memory databases shared.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	return &Database{DB: db}, nil
}

// Primary returns a session whose reads go to the writer.
func (d *Database) Primary(ctx context.Context) *gorm.DB {
	return d.DB.WithContext(ctx).Clauses(dbresolver.Write)
}

func (d *Database) Ping(ctx context.Context) error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}

	return sqlDB.PingContext(ctx)
}

func (d *Database) AutoMigrate() error {
	return d.DB.AutoMigrate(
		&models.Credential{},
		&models.UsageEvent{},
		&models.HourlyAggregate{},
		&models.HourlyContributor{},
		&models.AccountHolder{},
	)
}

func (d *Database) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}
