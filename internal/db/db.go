package db

import (
	"fmt"
	"strings"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/suPer8Hu/agentdesk/internal/agent"
	"github.com/suPer8Hu/agentdesk/internal/chat"
	"github.com/suPer8Hu/agentdesk/internal/instance"
	"github.com/suPer8Hu/agentdesk/internal/syncjob"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect opens the relational store. driver is "mysql" (default) or "sqlite".
func Connect(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite", "sqlite3":
		dialector = gormsqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER=%q", driver)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("db handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	return gdb, nil
}

// Models lists every table owned by the service, in dependency order.
func Models() []any {
	return []any{
		&agent.Agent{},
		&instance.Instance{},
		&chat.Thread{},
		&chat.Message{},
		&chat.RoutingRule{},
		&syncjob.Job{},
	}
}

func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(Models()...)
}
