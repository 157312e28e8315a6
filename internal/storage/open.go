package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"rubaz/internal/account"
	logx "rubaz/pkg/logx"
)

// Store is the persistence API used by the scheduler core, the notifier and
// the HTTP API.
type Store interface {
	ListAccounts(ctx context.Context) ([]account.Account, error)
	GetAccount(ctx context.Context, id account.ID) (account.Account, error)
	// CreateAccount assigns the id when a.ID is zero.
	CreateAccount(ctx context.Context, a account.Account) (account.Account, error)
	DeleteAccount(ctx context.Context, id account.ID) error
	SaveOnlineTime(ctx context.Context, id account.ID, online time.Duration, day time.Time) error

	ListVillages(ctx context.Context, acc account.ID) ([]account.Village, error)
	GetVillage(ctx context.Context, acc account.ID, v account.VillageID) (account.Village, error)
	// UpsertVillages inserts new villages and renames known ones. Stored
	// storage snapshots are kept.
	UpsertVillages(ctx context.Context, acc account.ID, vs []account.Village) error
	SaveVillageStorage(ctx context.Context, acc account.ID, v account.VillageID, st account.Storage, at time.Time) error

	// AccountSettings returns stored values merged over defaults.
	AccountSettings(ctx context.Context, acc account.ID) (account.Settings, error)
	SaveAccountSettings(ctx context.Context, acc account.ID, s account.Settings) error
	VillageSettings(ctx context.Context, acc account.ID, v account.VillageID) (account.VillageSettings, error)
	SaveVillageSettings(ctx context.Context, acc account.ID, v account.VillageID, s account.VillageSettings) error

	TelegramSettings(ctx context.Context, acc account.ID) (account.TelegramSettings, error)
	SaveTelegramSettings(ctx context.Context, acc account.ID, t account.TelegramSettings) error

	AppendTaskRun(ctx context.Context, r TaskRun) error
	ListTaskRuns(ctx context.Context, acc account.ID, limit int) ([]TaskRun, error)

	// Notifier dedup state, so suppression survives restarts.
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
