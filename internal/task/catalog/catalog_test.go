package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"rubaz/internal/account"
	"rubaz/internal/browser"
	"rubaz/internal/browser/browsertest"
	"rubaz/internal/command"
	"rubaz/internal/storage"
	"rubaz/internal/task"
	"rubaz/internal/task/policy"
	"rubaz/internal/task/schedule"
	logx "rubaz/pkg/logx"
)

const villagePage = `<html><body>
<span id="l4">500</span>
<div class="granary"><div class="capacity"><div class="value">1000</div></div></div>
<div class="villageList">
 <div class="listEntry" data-did="10"><span class="name">Capital</span></div>
 <div class="listEntry" data-did="11"><span class="name">Second</span></div>
</div>
</body></html>`

type fixture struct {
	deps    *command.Deps
	factory *browsertest.Factory
	store   storage.Store
	queue   *schedule.Queue
	acc     account.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "rubaz.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	acc, err := st.CreateAccount(ctx, account.Account{Username: "bob", Server: browsertest.Base})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	f := &browsertest.Factory{NewSession: func(account.Account) *browsertest.Session {
		return browsertest.New(map[string]string{"dorf1.php": villagePage})
	}}
	q := schedule.NewQueue()
	return &fixture{
		deps: &command.Deps{
			Account:  acc.ID,
			Browser:  browser.NewHolder(f, acc),
			Store:    st,
			Policy:   policy.New(acc.ID, policy.Config{}, st),
			Schedule: q,
			Log:      logx.Nop(),
		},
		factory: f,
		store:   st,
		queue:   q,
		acc:     acc,
	}
}

func TestAccountInitSeedsSchedule(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()
	if err := fx.store.SaveVillageSettings(ctx, fx.acc.ID, 11, account.VillageSettings{account.AutoRefreshEnable: 0}); err != nil {
		t.Fatal(err)
	}

	c := New()
	before := time.Now()
	r := c.Run(ctx, fx.deps, task.New(task.KindAccountInit, fx.acc.ID))
	if !r.IsOk() {
		t.Fatalf("AccountInit = %v", r)
	}

	vs, _ := fx.store.ListVillages(ctx, fx.acc.ID)
	if len(vs) != 2 {
		t.Fatalf("villages = %d, want 2", len(vs))
	}
	if _, ok := fx.queue.Get("update_village:10"); !ok {
		t.Fatal("village 10 should be scheduled")
	}
	if _, ok := fx.queue.Get("update_village:11"); ok {
		t.Fatal("village 11 has auto refresh off")
	}
	e, ok := fx.queue.Get(string(task.KindSleep))
	if !ok {
		t.Fatal("sleep should be scheduled")
	}
	if d := e.At.Sub(before); d < 340*time.Minute || d > 361*time.Minute {
		t.Fatalf("sleep after %v, want within default work time", d)
	}
}

func TestUpdateVillageEligibility(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()
	c := New()
	tk := task.ForVillage(task.KindUpdateVillage, fx.acc.ID, 10)

	if !c.Eligible(ctx, fx.deps, tk) {
		t.Fatal("default village settings enable auto refresh")
	}
	_ = fx.store.SaveVillageSettings(ctx, fx.acc.ID, 10, account.VillageSettings{account.AutoRefreshEnable: 0})
	if c.Eligible(ctx, fx.deps, tk) {
		t.Fatal("disabled auto refresh must be ineligible")
	}
	if c.Eligible(ctx, fx.deps, task.Task{Kind: "nope", Account: fx.acc.ID}) {
		t.Fatal("unknown kinds are never eligible")
	}
}

func TestSleepReopensAndReinitializes(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()
	set := account.Settings{account.SleepTimeMin: 0, account.SleepTimeMax: 0}
	if err := fx.store.SaveAccountSettings(ctx, fx.acc.ID, set); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.deps.Browser.Open(ctx); err != nil {
		t.Fatal(err)
	}

	c := New()
	r := c.Run(ctx, fx.deps, task.New(task.KindSleep, fx.acc.ID))
	if !r.IsOk() {
		t.Fatalf("Sleep = %v", r)
	}
	opened := fx.factory.Opened()
	if len(opened) != 2 || !opened[0].Closed() || opened[1].Closed() {
		t.Fatalf("sessions = %d, want first closed and a fresh one open", len(opened))
	}
	if _, ok := fx.queue.Get(string(task.KindAccountInit)); !ok {
		t.Fatal("AccountInit should be scheduled after sleep")
	}
}

func TestSleepIsCancellable(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	r := New().Run(ctx, fx.deps, task.New(task.KindSleep, fx.acc.ID))
	if !task.Interrupted(r) {
		t.Fatalf("Sleep = %v, want interrupted", r)
	}
}

func TestSleepTimeoutCoversSleep(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	c := New()
	base := 3 * time.Minute
	if got := c.Timeout(context.Background(), fx.deps, task.New(task.KindSleep, fx.acc.ID), base); got != 603*time.Minute {
		t.Fatalf("sleep timeout = %v, want 10h3m", got)
	}
	if got := c.Timeout(context.Background(), fx.deps, task.New(task.KindAccountInit, fx.acc.ID), base); got != base {
		t.Fatalf("init timeout = %v, want %v", got, base)
	}
}

func TestUnknownKindIsFatal(t *testing.T) {
	t.Parallel()
	r := New().Run(context.Background(), &command.Deps{}, task.Task{Kind: "nope"})
	if task.Classify(r) != task.ClassFatal {
		t.Fatalf("Run(unknown) = %v, want fatal", r)
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	t.Parallel()
	c := New()
	if err := c.Register(Kind{Kind: task.KindSleep, Run: runSleep}); err == nil {
		t.Fatal("duplicate kind should be rejected")
	}
	if got := len(c.Kinds()); got != 3 {
		t.Fatalf("kinds = %d, want 3", got)
	}
}
