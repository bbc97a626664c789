package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/outlivion/outlivion-api/app/models"
	"github.com/outlivion/outlivion-api/internal/pkg/config"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

// Open connects to the service database and migrates the tables it owns.
// MySQL connections are retried since the container may still be starting.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Driver {
	case config.DriverMySQL:
		// "user:pass@tcp(127.0.0.1:3306)/dbname?charset=utf8mb4&parseTime=True&loc=UTC"
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)
		for i := 0; i < maxRetries; i++ {
			db, err = gorm.Open(mysql.New(mysql.Config{
				DSN:                       dsn,
				DefaultStringSize:         256,
				DisableDatetimePrecision:  true,
				DontSupportRenameIndex:    true,
				DontSupportRenameColumn:   true,
				SkipInitializeWithVersion: false,
			}), gormConfig())
			if err == nil {
				break
			}
			log.Warnf("[Database] Failed to connect (try %d/%d): %v", i+1, maxRetries, err)
			if i < maxRetries-1 {
				time.Sleep(retryDelay)
			}
		}
	case config.DriverSQLite, "":
		db, err = OpenSQLite(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	log.Infof("[Database] Connected (%s)", cfg.Driver)
	return db, nil
}

// OpenSQLite opens a SQLite file with a single writer connection.
func OpenSQLite(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	dsn := path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=1"
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// Migrate creates or updates the tables owned by this service.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Order{},
		&models.VPNCredential{},
		&models.PaymentEvent{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// OpenBot opens the Telegram bot's database holding contests, referrals,
// the ticket ledger and the bot's own orders. With an empty path the contest
// tables live in the service database and shared is true; the bot orders
// table is then unavailable because it would clash with ours.
func OpenBot(path string, fallback *gorm.DB) (db *gorm.DB, shared bool, err error) {
	if path == "" {
		if err := EnsureBotTables(fallback, false); err != nil {
			return nil, false, err
		}
		return fallback, true, nil
	}
	db, err = OpenSQLite(path)
	if err != nil {
		return nil, false, fmt.Errorf("open bot database: %w", err)
	}
	if err := EnsureBotTables(db, true); err != nil {
		return nil, false, err
	}
	log.Infof("[Database] Bot database opened at %s", path)
	return db, false, nil
}

// EnsureBotTables creates missing contest tables. Existing bot tables are
// left untouched.
func EnsureBotTables(db *gorm.DB, withOrders bool) error {
	tables := []interface{}{
		&models.Contest{},
		&models.UserReferral{},
		&models.TicketLedgerEntry{},
		&models.RefEvent{},
	}
	if withOrders {
		tables = append(tables, &models.BotOrder{})
	}
	for _, m := range tables {
		if db.Migrator().HasTable(m) {
			continue
		}
		if err := db.Migrator().CreateTable(m); err != nil {
			return fmt.Errorf("create bot table: %w", err)
		}
	}
	return nil
}

// Close releases the connection pool. Safe to call with nil.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	}
}
