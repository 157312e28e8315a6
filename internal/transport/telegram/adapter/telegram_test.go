package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	kit "rubaz/internal/transport"
	logx "rubaz/pkg/logx"
)

type fakeAPI struct {
	mu    sync.Mutex
	paths []string
	texts []string
}

func (f *fakeAPI) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		text := ""
		if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			var m map[string]any
			_ = json.Unmarshal(raw, &m)
			text, _ = m["text"].(string)
		} else {
			_ = r.ParseForm()
			text = r.Form.Get("text")
		}
		f.mu.Lock()
		f.paths = append(f.paths, r.URL.Path)
		f.texts = append(f.texts, text)
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(r.URL.Path, "/botbad/") {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
			return
		}
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`)
	}
}

func TestChunkText(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		in    string
		limit int
		want  int
	}{
		{"short", "hello", 10, 1},
		{"exact", strings.Repeat("a", 10), 10, 1},
		{"long", strings.Repeat("a", 25), 10, 3},
		{"newline", strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6), 10, 2},
		{"blank lines at cut", strings.Repeat("a", 8) + "\n\n\n" + strings.Repeat("b", 8), 10, 2},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := chunkText(tc.in, tc.limit, false)
			if len(got) != tc.want {
				t.Fatalf("chunks = %d (%q), want %d", len(got), got, tc.want)
			}
			for _, c := range got {
				if len([]rune(c)) > tc.limit {
					t.Fatalf("chunk %q exceeds limit %d", c, tc.limit)
				}
			}
		})
	}
}

func TestTestCredentials(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()
	a := New(Config{APIURL: srv.URL}, logx.Nop())

	if err := a.TestCredentials(context.Background(), kit.Credentials{Token: "good", ChatID: "42"}, "ping"); err != nil {
		t.Fatalf("TestCredentials(good) = %v", err)
	}

	err := a.TestCredentials(context.Background(), kit.Credentials{Token: "bad", ChatID: "42"}, "ping")
	var ce *kit.CredentialError
	if !errors.As(err, &ce) {
		t.Fatalf("TestCredentials(bad) = %v, want *CredentialError", err)
	}
	if ce.Status != http.StatusUnauthorized || ce.Reason != "Unauthorized" {
		t.Fatalf("CredentialError = %+v", ce)
	}

	err = a.TestCredentials(context.Background(), kit.Credentials{Token: " ", ChatID: "42"}, "ping")
	if !errors.As(err, &ce) {
		t.Fatalf("TestCredentials(empty) = %v, want *CredentialError", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.paths) != 2 || api.paths[0] != "/botgood/sendMessage" || api.texts[0] != "ping" {
		t.Fatalf("requests = %v %v", api.paths, api.texts)
	}
}

func TestSendTextCachesBotPerToken(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()
	a := New(Config{APIURL: srv.URL}, logx.Nop())

	to := kit.Credentials{Token: "tok", ChatID: "42"}
	for i := 0; i < 2; i++ {
		if err := a.SendText(context.Background(), to, "hi", nil); err != nil {
			t.Fatalf("SendText = %v", err)
		}
	}
	a.mu.Lock()
	n := len(a.bots)
	a.mu.Unlock()
	if n != 1 {
		t.Fatalf("cached bots = %d, want 1", n)
	}

	a.Forget("tok")
	a.mu.Lock()
	n = len(a.bots)
	a.mu.Unlock()
	if n != 0 {
		t.Fatalf("cached bots after Forget = %d, want 0", n)
	}

	if err := a.SendText(context.Background(), kit.Credentials{}, "hi", nil); err == nil {
		t.Fatal("SendText with empty credentials should fail")
	}
}

func TestChunkTextHTMLKeepsTagsWhole(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		in    string
		limit int
		first string
	}{
		{"element across cut", strings.Repeat("a", 7) + "<b>bold</b>", 10, strings.Repeat("a", 7)},
		{"tag cut in half", strings.Repeat("a", 8) + "<i>x</i>", 10, strings.Repeat("a", 8)},
		{"nested", "ab<b>c<i>d</i>e</b>", 10, "ab"},
		{"closed before cut", "<b>ab</b>cdefgh", 10, "<b>ab</b>c"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := chunkText(tc.in, tc.limit, true)
			if len(got) < 2 || got[0] != tc.first {
				t.Fatalf("chunks = %q, want first %q", got, tc.first)
			}
			if strings.Join(got, "") != tc.in {
				t.Fatalf("chunks %q lose text", got)
			}
		})
	}
}
