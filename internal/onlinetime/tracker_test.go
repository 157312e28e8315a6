package onlinetime

import (
	"context"
	"sync"
	"testing"
	"time"

	"rubaz/internal/account"
	"rubaz/internal/task"
	logx "rubaz/pkg/logx"
)

type fakeStatus struct {
	mu      sync.Mutex
	status  account.Status
	current *task.Task
}

func (f *fakeStatus) Status(account.ID) account.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeStatus) CurrentTask(account.ID) (task.Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return task.Task{}, false
	}
	return *f.current, true
}

type fakeStore struct {
	mu    sync.Mutex
	acc   account.Account
	saved []time.Duration
}

func (s *fakeStore) GetAccount(context.Context, account.ID) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acc, nil
}

func (s *fakeStore) SaveOnlineTime(_ context.Context, _ account.ID, online time.Duration, day time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, online)
	s.acc.OnlineTime = online
	s.acc.LastActivityDate = day
	return nil
}

func newTracker(t *testing.T, start time.Time, acc account.Account) (*Tracker, *fakeStatus, *fakeStore) {
	t.Helper()
	st := &fakeStatus{status: account.Online}
	store := &fakeStore{acc: acc}
	tr := New(Config{}, st, store, logx.Nop())
	tr.now = func() time.Time { return start }
	if err := tr.Track(context.Background(), 1); err != nil {
		t.Fatalf("Track: %v", err)
	}
	return tr, st, store
}

func TestTickCountsOnlyActiveTime(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.Local)
	tr, st, _ := newTracker(t, start, account.Account{ID: 1})

	tr.Tick(start.Add(5 * time.Second))
	if got := tr.Get(1); got != 5*time.Second {
		t.Fatalf("online = %v, want 5s", got)
	}

	st.mu.Lock()
	sleep := task.New(task.KindSleep, 1)
	st.current = &sleep
	st.mu.Unlock()
	tr.Tick(start.Add(time.Hour))
	if got := tr.Get(1); got != 5*time.Second {
		t.Fatalf("online while sleeping = %v, want 5s", got)
	}

	st.mu.Lock()
	st.current = nil
	st.status = account.Paused
	st.mu.Unlock()
	tr.Tick(start.Add(2 * time.Hour))
	if got := tr.Get(1); got != 5*time.Second {
		t.Fatalf("online while paused = %v, want 5s", got)
	}

	st.mu.Lock()
	st.status = account.Online
	st.mu.Unlock()
	tr.Tick(start.Add(2*time.Hour + 10*time.Second))
	if got := tr.Get(1); got != 15*time.Second {
		t.Fatalf("online = %v, want 15s", got)
	}
}

func TestDailyReset(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 3, 1, 23, 59, 0, 0, time.Local)
	tr, _, store := newTracker(t, start, account.Account{ID: 1, OnlineTime: 3 * time.Hour, LastActivityDate: dayOf(start)})

	if got := tr.Get(1); got != 3*time.Hour {
		t.Fatalf("seeded online = %v, want 3h", got)
	}
	tr.Tick(start.Add(2 * time.Minute)) // 00:01 next day
	if got := tr.Get(1); got != time.Minute {
		t.Fatalf("online after midnight = %v, want 1m", got)
	}

	tr.Flush(context.Background())
	if !store.acc.LastActivityDate.Equal(dayOf(start.Add(2 * time.Minute))) {
		t.Fatalf("last activity = %v, want the new day", store.acc.LastActivityDate)
	}
}

func TestStaleSeedIsDropped(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 3, 5, 9, 0, 0, 0, time.Local)
	yesterday := dayOf(start).AddDate(0, 0, -1)
	tr, _, store := newTracker(t, start, account.Account{ID: 1, OnlineTime: 7 * time.Hour, LastActivityDate: yesterday})

	if got := tr.Get(1); got != 0 {
		t.Fatalf("online = %v, want 0 for a previous day", got)
	}
	tr.Flush(context.Background())
	if len(store.saved) != 1 || store.saved[0] != 0 {
		t.Fatalf("saved = %v, want the reset persisted", store.saved)
	}
}

func TestUntrackFlushes(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.Local)
	tr, _, store := newTracker(t, start, account.Account{ID: 1})
	tr.Tick(start.Add(time.Minute))
	tr.Untrack(context.Background(), 1)
	if tr.Get(1) != 0 {
		t.Fatal("untracked account should read zero")
	}
	if len(store.saved) == 0 || store.saved[len(store.saved)-1] != time.Minute {
		t.Fatalf("saved = %v, want final 1m", store.saved)
	}
}

func TestTextAndColor(t *testing.T) {
	t.Parallel()
	cases := []struct {
		d     time.Duration
		text  string
		color string
	}{
		{0, "0.0 hours", "black"},
		{90 * time.Minute, "1.5 hours", "black"},
		{8 * time.Hour, "8.0 hours", "orange"},
		{10*time.Hour + 6*time.Minute, "10.1 hours", "red"},
	}
	for _, tc := range cases {
		if got := Text(tc.d); got != tc.text {
			t.Fatalf("Text(%v) = %q, want %q", tc.d, got, tc.text)
		}
		if got := Color(tc.d); got != tc.color {
			t.Fatalf("Color(%v) = %q, want %q", tc.d, got, tc.color)
		}
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	tr := New(Config{Tick: time.Second, Flush: time.Second}, &fakeStatus{}, &fakeStore{}, logx.Nop())
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	tr.Stop(ctx)
}
