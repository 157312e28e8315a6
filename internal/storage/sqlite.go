package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"rubaz/internal/account"
	"rubaz/internal/task"
	logx "rubaz/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const dayLayout = "2006-01-02"

// Task runs older than this are pruned opportunistically.
const taskRunRetention = 7 * 24 * time.Hour

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; one connection also keeps :memory: shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// scope runs fn in one short transaction.
func (s *sqliteStore) scope(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ---- accounts ----

const accountColumns = `id, username, server, password, online_time_ms, last_activity_date`

type rowScanner interface{ Scan(dest ...any) error }

func scanAccount(r rowScanner) (account.Account, error) {
	var (
		a   account.Account
		ms  int64
		day string
	)
	if err := r.Scan(&a.ID, &a.Username, &a.Server, &a.Password, &ms, &day); err != nil {
		return account.Account{}, err
	}
	a.OnlineTime = time.Duration(ms) * time.Millisecond
	if day != "" {
		if t, err := time.ParseInLocation(dayLayout, day, time.Local); err == nil {
			a.LastActivityDate = t
		}
	}
	return a, nil
}

func (s *sqliteStore) ListAccounts(ctx context.Context) ([]account.Account, error) {
	var out []account.Account
	err := s.scope(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			a, err := scanAccount(rows)
			if err != nil {
				return err
			}
			out = append(out, a)
		}
		return rows.Err()
	})
	return out, err
}

func (s *sqliteStore) GetAccount(ctx context.Context, id account.ID) (account.Account, error) {
	var a account.Account
	err := s.scope(ctx, func(tx *sql.Tx) error {
		var err error
		a, err = scanAccount(tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("account %s: %w", id, ErrNotFound)
		}
		return err
	})
	return a, err
}

func (s *sqliteStore) CreateAccount(ctx context.Context, a account.Account) (account.Account, error) {
	if strings.TrimSpace(a.Username) == "" || strings.TrimSpace(a.Server) == "" {
		return account.Account{}, errors.New("username and server are required")
	}
	err := s.scope(ctx, func(tx *sql.Tx) error {
		var (
			res sql.Result
			err error
		)
		if a.ID > 0 {
			res, err = tx.ExecContext(ctx,
				`INSERT INTO accounts(id, username, server, password) VALUES(?,?,?,?)`,
				a.ID, a.Username, a.Server, a.Password)
		} else {
			res, err = tx.ExecContext(ctx,
				`INSERT INTO accounts(username, server, password) VALUES(?,?,?)`,
				a.Username, a.Server, a.Password)
		}
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		a.ID = account.ID(id)
		return nil
	})
	return a, err
}

func (s *sqliteStore) DeleteAccount(ctx context.Context, id account.ID) error {
	return s.scope(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("account %s: %w", id, ErrNotFound)
		}
		for _, q := range []string{
			`DELETE FROM villages WHERE account_id = ?`,
			`DELETE FROM account_settings WHERE account_id = ?`,
			`DELETE FROM village_settings WHERE account_id = ?`,
			`DELETE FROM telegram_settings WHERE account_id = ?`,
			`DELETE FROM task_runs WHERE account_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqliteStore) SaveOnlineTime(ctx context.Context, id account.ID, online time.Duration, day time.Time) error {
	return s.scope(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE accounts SET online_time_ms = ?, last_activity_date = ? WHERE id = ?`,
			online.Milliseconds(), day.In(time.Local).Format(dayLayout), id)
		return err
	})
}

// ---- villages ----

const villageColumns = `account_id, id, name, wood, clay, iron, crop, free_crop, warehouse, granary, updated_at`

func scanVillage(r rowScanner) (account.Village, error) {
	var (
		v  account.Village
		ms int64
	)
	st := &v.Storage
	if err := r.Scan(&v.Account, &v.ID, &v.Name, &st.Wood, &st.Clay, &st.Iron, &st.Crop, &st.FreeCrop, &st.Warehouse, &st.Granary, &ms); err != nil {
		return account.Village{}, err
	}
	if ms > 0 {
		v.UpdatedAt = time.UnixMilli(ms)
	}
	return v, nil
}

func (s *sqliteStore) ListVillages(ctx context.Context, acc account.ID) ([]account.Village, error) {
	var out []account.Village
	err := s.scope(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+villageColumns+` FROM villages WHERE account_id = ? ORDER BY id`, acc)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			v, err := scanVillage(rows)
			if err != nil {
				return err
			}
			out = append(out, v)
		}
		return rows.Err()
	})
	return out, err
}

func (s *sqliteStore) GetVillage(ctx context.Context, acc account.ID, id account.VillageID) (account.Village, error) {
	var v account.Village
	err := s.scope(ctx, func(tx *sql.Tx) error {
		var err error
		v, err = scanVillage(tx.QueryRowContext(ctx,
			`SELECT `+villageColumns+` FROM villages WHERE account_id = ? AND id = ?`, acc, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("village %d: %w", id, ErrNotFound)
		}
		return err
	})
	return v, err
}

func (s *sqliteStore) UpsertVillages(ctx context.Context, acc account.ID, vs []account.Village) error {
	if len(vs) == 0 {
		return nil
	}
	return s.scope(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO villages(account_id, id, name) VALUES(?,?,?)
			 ON CONFLICT(account_id, id) DO UPDATE SET name = excluded.name`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, v := range vs {
			if _, err := stmt.ExecContext(ctx, acc, v.ID, v.Name); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqliteStore) SaveVillageStorage(ctx context.Context, acc account.ID, id account.VillageID, st account.Storage, at time.Time) error {
	return s.scope(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO villages(account_id, id, wood, clay, iron, crop, free_crop, warehouse, granary, updated_at)
			 VALUES(?,?,?,?,?,?,?,?,?,?)
			 ON CONFLICT(account_id, id) DO UPDATE SET
			   wood = excluded.wood, clay = excluded.clay, iron = excluded.iron, crop = excluded.crop,
			   free_crop = excluded.free_crop, warehouse = excluded.warehouse, granary = excluded.granary,
			   updated_at = excluded.updated_at`,
			acc, id, st.Wood, st.Clay, st.Iron, st.Crop, st.FreeCrop, st.Warehouse, st.Granary, at.UnixMilli())
		return err
	})
}

// ---- settings ----

func (s *sqliteStore) AccountSettings(ctx context.Context, acc account.ID) (account.Settings, error) {
	stored := map[account.Setting]int{}
	err := s.scope(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT setting, value FROM account_settings WHERE account_id = ?`, acc)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				k string
				v int
			)
			if err := rows.Scan(&k, &v); err != nil {
				return err
			}
			stored[account.Setting(k)] = v
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return account.DefaultSettings().Merge(stored), nil
}

func (s *sqliteStore) SaveAccountSettings(ctx context.Context, acc account.ID, set account.Settings) error {
	if err := set.Validate(); err != nil {
		return err
	}
	return s.scope(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO account_settings(account_id, setting, value) VALUES(?,?,?)
			 ON CONFLICT(account_id, setting) DO UPDATE SET value = excluded.value`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for k, v := range set {
			if _, err := stmt.ExecContext(ctx, acc, string(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqliteStore) VillageSettings(ctx context.Context, acc account.ID, id account.VillageID) (account.VillageSettings, error) {
	stored := map[account.VillageSetting]int{}
	err := s.scope(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT setting, value FROM village_settings WHERE account_id = ? AND village_id = ?`, acc, id)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				k string
				v int
			)
			if err := rows.Scan(&k, &v); err != nil {
				return err
			}
			stored[account.VillageSetting(k)] = v
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return account.DefaultVillageSettings().Merge(stored), nil
}

func (s *sqliteStore) SaveVillageSettings(ctx context.Context, acc account.ID, id account.VillageID, set account.VillageSettings) error {
	if err := set.Validate(); err != nil {
		return err
	}
	return s.scope(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO village_settings(account_id, village_id, setting, value) VALUES(?,?,?,?)
			 ON CONFLICT(account_id, village_id, setting) DO UPDATE SET value = excluded.value`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for k, v := range set {
			if _, err := stmt.ExecContext(ctx, acc, id, string(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqliteStore) TelegramSettings(ctx context.Context, acc account.ID) (account.TelegramSettings, error) {
	var t account.TelegramSettings
	err := s.scope(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT bot_token, chat_id FROM telegram_settings WHERE account_id = ?`, acc).Scan(&t.BotToken, &t.ChatID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	})
	return t, err
}

func (s *sqliteStore) SaveTelegramSettings(ctx context.Context, acc account.ID, t account.TelegramSettings) error {
	return s.scope(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO telegram_settings(account_id, bot_token, chat_id) VALUES(?,?,?)
			 ON CONFLICT(account_id) DO UPDATE SET bot_token = excluded.bot_token, chat_id = excluded.chat_id`,
			acc, strings.TrimSpace(t.BotToken), strings.TrimSpace(t.ChatID))
		return err
	})
}

// ---- task runs ----

func (s *sqliteStore) AppendTaskRun(ctx context.Context, r TaskRun) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	err := s.scope(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO task_runs(id, account_id, kind, village_id, started_at, took_ms, outcome, err)
			 VALUES(?,?,?,?,?,?,?,?)`,
			r.ID, r.Account, string(r.Kind), r.Village, r.StartedAt.UnixMilli(), r.Took.Milliseconds(), string(r.Outcome), nullStr(r.Error))
		return err
	})
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		if perr := s.pruneExpired(pctx); perr != nil {
			s.log.Debug("storage prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) ListTaskRuns(ctx context.Context, acc account.ID, limit int) ([]TaskRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []TaskRun
	err := s.scope(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, account_id, kind, village_id, started_at, took_ms, outcome, COALESCE(err, '')
			 FROM task_runs WHERE account_id = ? ORDER BY started_at DESC, id LIMIT ?`, acc, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				r       TaskRun
				kind    string
				outcome string
				started int64
				took    int64
			)
			if err := rows.Scan(&r.ID, &r.Account, &kind, &r.Village, &started, &took, &outcome, &r.Error); err != nil {
				return err
			}
			r.Kind = task.Kind(kind)
			r.Outcome = Outcome(outcome)
			r.StartedAt = time.UnixMilli(started)
			r.Took = time.Duration(took) * time.Millisecond
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

// ---- notifier dedup ----

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	return s.scope(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO dedup(key, until) VALUES(?,?)
			 ON CONFLICT(key) DO UPDATE SET until = excluded.until`,
			key, until.UnixMilli())
		return err
	})
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var (
		ms int64
		ok bool
	)
	err := s.scope(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		ok = err == nil
		return err
	})
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	now := time.Now()
	return s.scope(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now.UnixMilli()); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM task_runs WHERE started_at < ?`, now.Add(-taskRunRetention).UnixMilli())
		return err
	})
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
