package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"rubaz/internal/account"
	"rubaz/internal/task"
	logx "rubaz/pkg/logx"
)

func openTest(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "rubaz.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("Open(postgres) should fail")
	}
	if _, err := Open(Config{Driver: "none"}, logx.Nop()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Open(none) = %v, want ErrDisabled", err)
	}
}

func TestAccountsRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)

	a, err := st.CreateAccount(ctx, account.Account{Username: "alice", Server: "https://ts1.example", Password: "pw"})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if a.ID <= 0 {
		t.Fatalf("ID = %d, want assigned", a.ID)
	}
	if _, err := st.CreateAccount(ctx, account.Account{Username: "alice", Server: "https://ts1.example"}); err == nil {
		t.Fatal("duplicate username/server should fail")
	}

	day := time.Date(2026, 5, 4, 0, 0, 0, 0, time.Local)
	if err := st.SaveOnlineTime(ctx, a.ID, 90*time.Minute, day); err != nil {
		t.Fatalf("SaveOnlineTime: %v", err)
	}
	got, err := st.GetAccount(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got.OnlineTime != 90*time.Minute || !got.LastActivityDate.Equal(day) || got.Password != "pw" {
		t.Fatalf("GetAccount = %+v", got)
	}

	list, err := st.ListAccounts(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListAccounts = %v, %v", list, err)
	}

	if err := st.DeleteAccount(ctx, a.ID); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}
	if _, err := st.GetAccount(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetAccount after delete = %v, want ErrNotFound", err)
	}
	if err := st.DeleteAccount(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second DeleteAccount = %v, want ErrNotFound", err)
	}
}

func TestVillagesKeepStorageOnRename(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)
	acc := account.ID(3)

	if err := st.UpsertVillages(ctx, acc, []account.Village{{ID: 10, Name: "A"}, {ID: 11, Name: "B"}}); err != nil {
		t.Fatalf("UpsertVillages: %v", err)
	}
	snap := account.Storage{Wood: 1, Clay: 2, Iron: 3, Crop: 15, FreeCrop: 4, Warehouse: 800, Granary: 1000}
	at := time.UnixMilli(1_700_000_000_000)
	if err := st.SaveVillageStorage(ctx, acc, 10, snap, at); err != nil {
		t.Fatalf("SaveVillageStorage: %v", err)
	}
	if err := st.UpsertVillages(ctx, acc, []account.Village{{ID: 10, Name: "Renamed"}}); err != nil {
		t.Fatalf("UpsertVillages: %v", err)
	}

	v, err := st.GetVillage(ctx, acc, 10)
	if err != nil {
		t.Fatalf("GetVillage: %v", err)
	}
	if v.Name != "Renamed" || v.Storage != snap || !v.UpdatedAt.Equal(at) {
		t.Fatalf("GetVillage = %+v", v)
	}
	fresh, _ := st.GetVillage(ctx, acc, 11)
	if fresh.Storage.Crop != -1 {
		t.Fatalf("unobserved crop = %d, want -1", fresh.Storage.Crop)
	}
	if _, err := st.GetVillage(ctx, acc, 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetVillage(99) = %v, want ErrNotFound", err)
	}
	vs, err := st.ListVillages(ctx, acc)
	if err != nil || len(vs) != 2 {
		t.Fatalf("ListVillages = %v, %v", vs, err)
	}
}

func TestSettingsMergeWithDefaults(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)

	s, err := st.AccountSettings(ctx, 1)
	if err != nil {
		t.Fatalf("AccountSettings: %v", err)
	}
	if s[account.LowCropThresholdPercent] != 20 {
		t.Fatalf("default threshold = %d, want 20", s[account.LowCropThresholdPercent])
	}
	s[account.LowCropThresholdPercent] = 35
	s[account.Tribe] = 2
	if err := st.SaveAccountSettings(ctx, 1, s); err != nil {
		t.Fatalf("SaveAccountSettings: %v", err)
	}
	s2, _ := st.AccountSettings(ctx, 1)
	if s2[account.LowCropThresholdPercent] != 35 || s2[account.Tribe] != 2 {
		t.Fatalf("AccountSettings = %v", s2)
	}

	bad := account.Settings{account.LowCropThresholdPercent: 300}
	if err := st.SaveAccountSettings(ctx, 1, bad); err == nil {
		t.Fatal("out of range setting should be rejected")
	}

	vs := account.VillageSettings{account.AutoRefreshEnable: 0}
	if err := st.SaveVillageSettings(ctx, 1, 7, vs); err != nil {
		t.Fatalf("SaveVillageSettings: %v", err)
	}
	got, _ := st.VillageSettings(ctx, 1, 7)
	if got.Bool(account.AutoRefreshEnable) || got[account.AutoRefreshMin] != 10 {
		t.Fatalf("VillageSettings = %v", got)
	}
}

func TestTelegramSettings(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)

	empty, err := st.TelegramSettings(ctx, 5)
	if err != nil || !empty.Empty() {
		t.Fatalf("TelegramSettings(unset) = %+v, %v", empty, err)
	}
	if err := st.SaveTelegramSettings(ctx, 5, account.TelegramSettings{BotToken: " 1:abc ", ChatID: "42"}); err != nil {
		t.Fatal(err)
	}
	got, _ := st.TelegramSettings(ctx, 5)
	if got.BotToken != "1:abc" || got.ChatID != "42" {
		t.Fatalf("TelegramSettings = %+v", got)
	}
}

func TestTaskRunsNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)
	base := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		r := TaskRun{ID: id, Account: 1, Kind: task.KindUpdateVillage, Village: 9, StartedAt: base.Add(time.Duration(i) * time.Second), Took: time.Second, Outcome: OutcomeOk}
		if err := st.AppendTaskRun(ctx, r); err != nil {
			t.Fatalf("AppendTaskRun: %v", err)
		}
	}
	_ = st.AppendTaskRun(ctx, TaskRun{ID: "z", Account: 2, Kind: task.KindSleep, Outcome: OutcomeFailed, Error: "x"})

	runs, err := st.ListTaskRuns(ctx, 1, 2)
	if err != nil {
		t.Fatalf("ListTaskRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "c" || runs[1].ID != "b" {
		t.Fatalf("ListTaskRuns = %+v", runs)
	}
	if runs[0].Kind != task.KindUpdateVillage || runs[0].Village != 9 || runs[0].Took != time.Second {
		t.Fatalf("run = %+v", runs[0])
	}
}

func TestDedup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)
	until := time.UnixMilli(time.Now().Add(time.Minute).UnixMilli())
	if err := st.PutDedup(ctx, "k", until); err != nil {
		t.Fatal(err)
	}
	got, ok, err := st.GetDedup(ctx, "k")
	if err != nil || !ok || !got.Equal(until) {
		t.Fatalf("GetDedup = %v, %v, %v", got, ok, err)
	}
	if _, ok, _ := st.GetDedup(ctx, "missing"); ok {
		t.Fatal("missing key should not be found")
	}
}
