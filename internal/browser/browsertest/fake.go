// Package browsertest provides an in-memory browser.Session for tests.
package browsertest

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"rubaz/internal/account"
	"rubaz/internal/browser"
)

const Base = "https://ts.example/"

// Session serves Pages keyed by path (e.g. "dorf1.php"). It records every
// navigation and submit.
type Session struct {
	mu sync.Mutex

	Pages map[string]string
	// NavigateErr, when set, is returned by Navigate.
	NavigateErr error
	// Block makes Navigate wait for ctx cancellation.
	Block bool
	// OnSubmit handles Submit; nil accepts and stays on the page.
	OnSubmit func(s *Session, action string, form url.Values) error

	loc       string
	navigated []string
	closed    bool
}

func New(pages map[string]string) *Session {
	if pages == nil {
		pages = map[string]string{}
	}
	return &Session{Pages: pages}
}

// At sets the current location without recording a navigation.
func (s *Session) At(path string) *Session {
	s.mu.Lock()
	s.loc = Base + path
	s.mu.Unlock()
	return s
}

func (s *Session) SetPage(path, html string) {
	s.mu.Lock()
	s.Pages[path] = html
	s.mu.Unlock()
}

func (s *Session) Navigated() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.navigated...)
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) CurrentLocation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

func (s *Session) FetchContent(ctx context.Context) (*goquery.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, browser.ErrClosed
	}
	html, ok := s.Pages[path(s.loc)]
	s.mu.Unlock()
	if !ok {
		return nil, errors.New("no page at " + s.CurrentLocation())
	}
	return goquery.NewDocumentFromReader(strings.NewReader(html))
}

func (s *Session) Navigate(ctx context.Context, target string) error {
	s.mu.Lock()
	nerr, block, closed := s.NavigateErr, s.Block, s.closed
	s.mu.Unlock()
	if closed {
		return browser.ErrClosed
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if nerr != nil {
		return nerr
	}
	s.mu.Lock()
	s.loc = Base + strings.TrimPrefix(target, "/")
	s.navigated = append(s.navigated, path(s.loc))
	s.mu.Unlock()
	return nil
}

func (s *Session) Submit(ctx context.Context, action string, form url.Values) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.OnSubmit == nil {
		return nil
	}
	return s.OnSubmit(s, action, form)
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// path strips the base and the query string.
func path(loc string) string {
	p := strings.TrimPrefix(loc, Base)
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return p
}

// Factory hands out sessions built by NewSession and counts opens.
type Factory struct {
	mu         sync.Mutex
	NewSession func(acc account.Account) *Session
	OpenErr    error
	opened     []*Session
}

func (f *Factory) Open(_ context.Context, acc account.Account) (browser.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OpenErr != nil {
		return nil, f.OpenErr
	}
	var s *Session
	if f.NewSession != nil {
		s = f.NewSession(acc)
	} else {
		s = New(nil)
	}
	f.opened = append(f.opened, s)
	return s, nil
}

func (f *Factory) Opened() []*Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Session(nil), f.opened...)
}

var (
	_ browser.Session = (*Session)(nil)
	_ browser.Factory = (*Factory)(nil)
)
