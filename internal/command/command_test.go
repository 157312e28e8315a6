package command

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"

	"rubaz/internal/account"
	"rubaz/internal/browser"
	"rubaz/internal/browser/browsertest"
	"rubaz/internal/storage"
	"rubaz/internal/task"
	"rubaz/internal/task/policy"
	"rubaz/internal/task/schedule"
	logx "rubaz/pkg/logx"
)

func page(crop, granary string, attacks bool) string {
	var mv string
	if attacks {
		mv = `<table id="movements">
<tr><th>Incoming troops:</th></tr>
<tr><td><img class="att1"/></td><td><span class="timer" value="3725"></span></td></tr>
<tr><td><img class="att1"/></td><td><span class="timer" value="125"></span></td></tr>
</table>`
	}
	return fmt.Sprintf(`<html><body>
<span id="l1">100</span><span id="l2">200</span><span id="l3">300</span>
<span id="l4">%s</span><span id="stockBarFreeCrop">7</span>
<div class="warehouse"><div class="capacity"><div class="value">800</div></div></div>
<div class="granary"><div class="capacity"><div class="value">%s</div></div></div>
%s
<div class="villageList">
 <div class="listEntry" data-did="10"><span class="name">Capital</span></div>
 <div class="listEntry" data-did="11"><span class="name">Second</span></div>
</div>
</body></html>`, crop, granary, mv)
}

type recordNotifier struct {
	mu   sync.Mutex
	msgs []string
	err  error
}

func (n *recordNotifier) Send(_ context.Context, _ account.ID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.msgs = append(n.msgs, text)
	return nil
}

type fixture struct {
	deps  *Deps
	sess  *browsertest.Session
	store storage.Store
	queue *schedule.Queue
	notes *recordNotifier
	acc   account.Account
}

func newFixture(t *testing.T, pages map[string]string) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "rubaz.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	acc, err := st.CreateAccount(ctx, account.Account{Username: "alice", Server: browsertest.Base, Password: "secret"})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if err := st.UpsertVillages(ctx, acc.ID, []account.Village{{ID: 10, Name: "Capital"}}); err != nil {
		t.Fatalf("UpsertVillages: %v", err)
	}

	sess := browsertest.New(pages)
	f := &browsertest.Factory{NewSession: func(account.Account) *browsertest.Session { return sess }}
	q := schedule.NewQueue()
	notes := &recordNotifier{}
	d := &Deps{
		Account:  acc.ID,
		Browser:  browser.NewHolder(f, acc),
		Store:    st,
		Notifier: notes,
		Policy:   policy.New(acc.ID, policy.Config{}, st),
		Schedule: q,
		Log:      logx.Nop(),
	}
	return &fixture{deps: d, sess: sess, store: st, queue: q, notes: notes, acc: acc}
}

func TestUpdateVillageBranches(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		start     string
		navigated []string
	}{
		{"on dorf1", "dorf1.php", nil},
		{"on dorf2", "dorf2.php", []string{"dorf1.php"}},
		{"elsewhere", "build.php", []string{"dorf1.php"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			pages := map[string]string{
				"dorf1.php": page("500", "1000", false),
				"dorf2.php": page("500", "1000", false),
				"build.php": "<html></html>",
			}
			fx := newFixture(t, pages)
			fx.sess.At(tc.start)
			tk := task.ForVillage(task.KindUpdateVillage, fx.acc.ID, 10)

			r := UpdateVillage(context.Background(), fx.deps, tk)
			if !r.IsOk() {
				t.Fatalf("UpdateVillage = %v", r)
			}
			if got := fx.sess.Navigated(); strings.Join(got, ",") != strings.Join(tc.navigated, ",") {
				t.Fatalf("navigated = %v, want %v", got, tc.navigated)
			}
			v, err := fx.store.GetVillage(context.Background(), fx.acc.ID, 10)
			if err != nil {
				t.Fatalf("GetVillage: %v", err)
			}
			if v.Storage.Crop != 500 || v.Storage.Granary != 1000 || v.Storage.Wood != 100 {
				t.Fatalf("storage = %+v", v.Storage)
			}
			e, ok := fx.queue.Get(tk.Key())
			if !ok {
				t.Fatal("successor not scheduled")
			}
			if d := time.Until(e.At); d < 9*time.Minute || d > 16*time.Minute {
				t.Fatalf("successor in %v, want within the village refresh range", d)
			}
			if len(fx.notes.msgs) != 0 {
				t.Fatalf("unexpected alerts: %v", fx.notes.msgs)
			}
		})
	}
}

func TestUpdateVillageAlerts(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, map[string]string{"dorf1.php": page("15", "1000", true)})
	fx.sess.At("dorf1.php")

	r := UpdateVillage(context.Background(), fx.deps, task.ForVillage(task.KindUpdateVillage, fx.acc.ID, 10))
	if !r.IsOk() {
		t.Fatalf("UpdateVillage = %v", r)
	}
	want := []string{
		"⚠️ INCOMING ATTACK: 2 attack(s) detected on village Capital. Nearest arrives in: 00:02:05",
		"📉 LOW CROP: village Capital granary at 1.5% (15/1000)",
	}
	if strings.Join(fx.notes.msgs, "|") != strings.Join(want, "|") {
		t.Fatalf("alerts = %q, want %q", fx.notes.msgs, want)
	}
}

func TestAlertFailuresDoNotFailTheTask(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, map[string]string{"dorf1.php": page("15", "1000", true)})
	fx.sess.At("dorf1.php")
	fx.notes.err = errors.New("telegram down")

	tk := task.ForVillage(task.KindUpdateVillage, fx.acc.ID, 10)
	if r := UpdateVillage(context.Background(), fx.deps, tk); !r.IsOk() {
		t.Fatalf("UpdateVillage = %v, want ok", r)
	}
	if _, ok := fx.queue.Get(tk.Key()); !ok {
		t.Fatal("successor must still be scheduled")
	}

	err := alerts(context.Background(), fx.deps, 10, mustFetch(t, fx))
	if err == nil || task.ClassOf(err) != task.ClassBestEffort {
		t.Fatalf("alerts = %v, want best-effort error", err)
	}
}

func TestLowCropThreshold(t *testing.T) {
	t.Parallel()
	cases := []struct {
		crop, granary string
		threshold     int
		want          bool
	}{
		{"200", "1000", 20, true},
		{"201", "1000", 20, false},
		{"0", "1000", 20, true},
		{"500", "0", 90, false},
		{"", "1000", 20, true}, // present but empty reads as 0
		{"300", "1000", 35, true},
	}
	for _, tc := range cases {
		t.Run(tc.crop+"/"+tc.granary, func(t *testing.T) {
			fx := newFixture(t, map[string]string{"dorf1.php": page(tc.crop, tc.granary, false)})
			fx.sess.At("dorf1.php")
			_, got := lowCropMessage(mustFetch(t, fx), "v", tc.threshold)
			if got != tc.want {
				t.Fatalf("low crop = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestUnknownVillageName(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)
	if got := villageName(context.Background(), fx.deps, 999); got != DefaultVillageName {
		t.Fatalf("villageName = %q, want %q", got, DefaultVillageName)
	}
}

func TestNavigationFailureIsTransient(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)
	fx.sess.At("build.php")
	fx.sess.NavigateErr = browser.ErrNavigationTimeout

	r := UpdateVillage(context.Background(), fx.deps, task.ForVillage(task.KindUpdateVillage, fx.acc.ID, 10))
	if r.IsOk() {
		t.Fatal("UpdateVillage should fail")
	}
	if c := task.Classify(r); c != task.ClassTransient {
		t.Fatalf("class = %v, want transient", c)
	}
	if !errors.Is(r.Err(), browser.ErrNavigationTimeout) {
		t.Fatalf("err = %v, want ErrNavigationTimeout", r.Err())
	}
	if fx.queue.Len() != 0 {
		t.Fatal("failed pipeline must not schedule a successor")
	}
}

func TestCancelledPipelineIsInterrupted(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)
	fx.sess.At("build.php")
	fx.sess.Block = true

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	r := UpdateVillage(ctx, fx.deps, task.ForVillage(task.KindUpdateVillage, fx.acc.ID, 10))
	if !task.Interrupted(r) {
		t.Fatalf("result = %v, want interrupted", r)
	}
}

func TestLoadVillages(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, map[string]string{"dorf1.php": page("1", "1", false), "empty.php": "<html></html>"})
	fx.sess.At("dorf1.php")

	vs, err := LoadVillages(context.Background(), fx.deps)
	if err != nil || len(vs) != 2 {
		t.Fatalf("LoadVillages = %v, %v", vs, err)
	}
	stored, _ := fx.store.ListVillages(context.Background(), fx.acc.ID)
	if len(stored) != 2 {
		t.Fatalf("stored villages = %d, want 2", len(stored))
	}

	fx.sess.At("empty.php")
	if _, err := LoadVillages(context.Background(), fx.deps); task.ClassOf(err) != task.ClassStructural {
		t.Fatalf("LoadVillages(empty) = %v, want structural", err)
	}
}

func TestLogin(t *testing.T) {
	t.Parallel()
	loginPage := `<form action="login.php"><input type="hidden" name="w" value="1920"><input type="text" name="name"><input type="password" name="password"></form>`
	fx := newFixture(t, map[string]string{"dorf1.php": loginPage})
	fx.sess.At("dorf1.php")

	var got url.Values
	fx.sess.OnSubmit = func(s *browsertest.Session, _ string, form url.Values) error {
		got = form
		if form.Get("password") == "secret" {
			s.SetPage("dorf1.php", page("1", "1", false))
		}
		return nil
	}
	if err := Login(context.Background(), fx.deps); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got.Get("name") != "alice" || got.Get("w") != "1920" {
		t.Fatalf("form = %v", got)
	}

	fx.sess.SetPage("dorf1.php", loginPage)
	fx.sess.OnSubmit = func(*browsertest.Session, string, url.Values) error { return nil }
	err := Login(context.Background(), fx.deps)
	if !task.IsFatal(err) || !errors.Is(err, ErrLoginRejected) {
		t.Fatalf("Login(rejected) = %v, want fatal ErrLoginRejected", err)
	}
}

func TestClock(t *testing.T) {
	t.Parallel()
	cases := map[time.Duration]string{
		0:                                    "00:00:00",
		125 * time.Second:                    "00:02:05",
		3725 * time.Second:                   "01:02:05",
		26*time.Hour + 1500*time.Millisecond: "26:00:02",
	}
	for d, want := range cases {
		if got := clock(d); got != want {
			t.Fatalf("clock(%v) = %q, want %q", d, got, want)
		}
	}
}

func mustFetch(t *testing.T, fx *fixture) *goquery.Document {
	t.Helper()
	doc, err := fx.sess.FetchContent(context.Background())
	if err != nil {
		t.Fatalf("FetchContent: %v", err)
	}
	return doc
}
