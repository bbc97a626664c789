package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outlivion/outlivion-api/app/models"
	"github.com/outlivion/outlivion-api/internal/pkg/config"
)

func TestOpenSQLiteMigrates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "api.db")
	db, err := Open(config.DatabaseConfig{Driver: config.DriverSQLite, Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })

	for _, m := range []interface{}{&models.Order{}, &models.VPNCredential{}, &models.PaymentEvent{}} {
		assert.True(t, db.Migrator().HasTable(m))
	}
}

func TestOpenBotShared(t *testing.T) {
	db, err := Open(config.DatabaseConfig{Driver: config.DriverSQLite, Path: filepath.Join(t.TempDir(), "api.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })

	bot, shared, err := OpenBot("", db)
	require.NoError(t, err)
	assert.True(t, shared)
	assert.Same(t, db, bot)
	assert.True(t, db.Migrator().HasTable(&models.TicketLedgerEntry{}))
	assert.True(t, db.Migrator().HasTable(&models.RefEvent{}))
}

func TestOpenBotSeparateFile(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(config.DatabaseConfig{Driver: config.DriverSQLite, Path: filepath.Join(dir, "api.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })

	bot, shared, err := OpenBot(filepath.Join(dir, "bot.db"), db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(bot) })
	assert.False(t, shared)
	assert.True(t, bot.Migrator().HasTable(&models.BotOrder{}))
	assert.True(t, bot.Migrator().HasTable(&models.Contest{}))
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "postgres"})
	assert.Error(t, err)
}
