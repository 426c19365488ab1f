package data

import (
	"context"
	"fmt"
	"time"

	"Bulwark/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Dialer opens a new database handle. The returned handle has not been pinged.
type Dialer func(ctx context.Context) (*gorm.DB, error)

// NewMySQLDialer returns a dialer that opens GORM MySQL handles from c.
func NewMySQLDialer(c *conf.Data, l log.Logger) Dialer {
	helper := log.NewHelper(l)

	return func(ctx context.Context) (*gorm.DB, error) {
		if c == nil || c.Database == nil || c.Database.Source == "" {
			return nil, fmt.Errorf("database configuration is required")
		}
		db := c.Database

		gormLogger := logger.New(
			&gormLogAdapter{helper: helper},
			logger.Config{
				SlowThreshold:             200 * time.Millisecond,
				LogLevel:                  logger.Warn,
				IgnoreRecordNotFoundError: true,
				Colorful:                  false,
			},
		)

		gdb, err := gorm.Open(mysql.Open(db.Source), &gorm.Config{
			Logger:                 gormLogger,
			SkipDefaultTransaction: true,
			PrepareStmt:            true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open MySQL: %w", err)
		}

		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql.DB: %w", err)
		}

		maxOpen, maxIdle := db.MaxOpenConns, db.MaxIdleConns
		if maxOpen <= 0 {
			maxOpen = 100
		}
		if maxIdle <= 0 {
			maxIdle = 10
		}
		lifetime := db.ConnMaxLifetime
		if lifetime <= 0 {
			lifetime = time.Hour
		}
		sqlDB.SetMaxOpenConns(maxOpen)
		sqlDB.SetMaxIdleConns(maxIdle)
		sqlDB.SetConnMaxLifetime(lifetime)
		sqlDB.SetConnMaxIdleTime(10 * time.Minute)

		return gdb, nil
	}
}

// gormLogAdapter adapts Kratos log.Helper to GORM logger interface.
type gormLogAdapter struct {
	helper *log.Helper
}

// Printf implements gorm/logger.Writer interface.
func (g *gormLogAdapter) Printf(format string, v ...interface{}) {
	g.helper.Warnw("msg", fmt.Sprintf(format, v...), "type", "database")
}
