package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "rubaz/internal/transport"
)

const (
	alertQueueSize = 256
	alertMaxLen    = 3500
	alertValueLen  = 600
	alertStackLen  = 900
)

type alert struct {
	to   kit.Credentials
	text string
}

// alertSink forwards high-level events to the operator chat. Writes never
// block: events above the rate limit or beyond the queue are dropped.
type alertSink struct {
	sender kit.Sender
	queue  chan alert

	mu      sync.Mutex
	to      kit.Credentials
	floor   Level
	limiter *rate.Limiter

	startOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func newAlertSink(sender kit.Sender) *alertSink {
	return &alertSink{
		sender: sender,
		queue:  make(chan alert, alertQueueSize),
		floor:  LevelWarn,
	}
}

func (a *alertSink) configure(tc TelegramConfig) {
	rps := tc.RatePerSec
	if rps < 1 {
		rps = 1
	}
	a.mu.Lock()
	a.to = kit.Credentials{Token: tc.Token, ChatID: tc.ChatID}
	a.floor = parseLevel(tc.MinLevel, LevelWarn)
	a.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	a.mu.Unlock()

	a.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		a.mu.Lock()
		a.cancel = cancel
		a.mu.Unlock()
		a.wg.Add(1)
		go a.run(ctx)
	})
}

func (a *alertSink) target() kit.Credentials {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.to
}

func (a *alertSink) stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		a.wg.Wait()
	}
}

func (a *alertSink) run(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-a.queue:
			_ = a.sender.SendText(ctx, it.to, it.text, &kit.SendOptions{DisablePreview: true})
		}
	}
}

// Write is only reached through writers that ignore levels.
func (a *alertSink) Write(p []byte) (int, error) { return a.WriteLevel(LevelInfo, p) }

func (a *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	to, floor, lim := a.to, a.floor, a.limiter
	a.mu.Unlock()

	if a.sender == nil || to.Empty() || lim == nil || level < floor || !lim.Allow() {
		return len(p), nil
	}
	text := formatAlert(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case a.queue <- alert{to: to, text: text}:
	default:
	}
	return len(p), nil
}

// formatAlert turns one zerolog JSON line into a chat message:
//
//	[WARN] task.failed
//	account 7 · update_village:12
//	- comp=runner
//
// Remaining keys are sorted; the stack goes last. Non-JSON input is sent
// trimmed.
func formatAlert(p []byte) string {
	p = bytes.TrimSpace(p)
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return clip(string(p), alertMaxLen)
	}

	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	var subject []string
	if acc, ok := m[AccountKey]; ok {
		subject = append(subject, fmt.Sprintf("account %v", acc))
	}
	if t, ok := m[TaskKey]; ok {
		subject = append(subject, fmt.Sprint(t))
	}
	if len(subject) > 0 {
		b.WriteString("\n" + strings.Join(subject, " · "))
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName, AccountKey, TaskKey, StackKey:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(m[k]), alertValueLen))
	}
	if st, ok := m[StackKey]; ok {
		b.WriteString("\n- stack=\n" + clip(fmt.Sprint(st), alertStackLen))
	}
	return clip(b.String(), alertMaxLen)
}

func clip(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
