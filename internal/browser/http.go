package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"rubaz/internal/account"
	logx "rubaz/pkg/logx"
)

const defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36"

type Config struct {
	UserAgent         string
	NavigationTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.UserAgent) == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 30 * time.Second
	}
	return c
}

// HTTPFactory opens cookie-jar backed HTTP sessions. Apply affects sessions
// opened afterwards.
type HTTPFactory struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
}

func NewHTTPFactory(cfg Config, log logx.Logger) *HTTPFactory {
	return &HTTPFactory{cfg: cfg.withDefaults(), log: log}
}

func (f *HTTPFactory) Apply(cfg Config) {
	f.mu.Lock()
	f.cfg = cfg.withDefaults()
	f.mu.Unlock()
}

func (f *HTTPFactory) Open(_ context.Context, acc account.Account) (Session, error) {
	base, err := url.Parse(strings.TrimSpace(acc.Server))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", acc.Server)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	cfg := f.cfg
	f.mu.Unlock()

	s := &httpSession{
		client: &http.Client{Jar: jar},
		base:   base,
		cfg:    cfg,
		log:    f.log.With(logx.Account(int64(acc.ID))),
	}
	return s, nil
}

type httpSession struct {
	mu     sync.Mutex
	client *http.Client
	base   *url.URL
	loc    *url.URL
	cfg    Config
	log    logx.Logger
	closed bool
}

func (s *httpSession) CurrentLocation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc == nil {
		return ""
	}
	return s.loc.String()
}

func (s *httpSession) FetchContent(ctx context.Context) (*goquery.Document, error) {
	s.mu.Lock()
	loc := s.loc
	if loc == nil {
		loc = s.base
	}
	s.mu.Unlock()
	return s.do(ctx, http.MethodGet, loc, nil)
}

func (s *httpSession) Navigate(ctx context.Context, target string) error {
	u, err := s.resolve(target)
	if err != nil {
		return err
	}
	_, err = s.do(ctx, http.MethodGet, u, nil)
	return err
}

func (s *httpSession) Submit(ctx context.Context, action string, form url.Values) error {
	u, err := s.resolve(action)
	if err != nil {
		return err
	}
	_, err = s.do(ctx, http.MethodPost, u, form)
	return err
}

func (s *httpSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.client.CloseIdleConnections()
	return nil
}

func (s *httpSession) resolve(target string) (*url.URL, error) {
	ref, err := url.Parse(strings.TrimSpace(target))
	if err != nil {
		return nil, fmt.Errorf("invalid target %q: %w", target, err)
	}
	s.mu.Lock()
	from := s.loc
	if from == nil {
		from = s.base
	}
	s.mu.Unlock()
	return from.ResolveReference(ref), nil
}

func (s *httpSession) do(ctx context.Context, method string, u *url.URL, form url.Values) (*goquery.Document, error) {
	s.mu.Lock()
	closed := s.closed
	cfg := s.cfg
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	nctx, cancel := context.WithTimeout(ctx, cfg.NavigationTimeout)
	defer cancel()

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(nctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, s.navErr(ctx, nctx, u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, fmt.Errorf("%s %s: status %d", method, u.Redacted(), resp.StatusCode)
	}
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, s.navErr(ctx, nctx, u, err)
	}

	s.mu.Lock()
	s.loc = resp.Request.URL
	s.mu.Unlock()
	s.log.Trace("browser.loaded", logx.String("method", method), logx.String("url", resp.Request.URL.Redacted()))
	return doc, nil
}

// navErr maps the navigation deadline (but not the caller's) to
// ErrNavigationTimeout.
func (s *httpSession) navErr(parent, nctx context.Context, u *url.URL, err error) error {
	if parent.Err() == nil && errors.Is(nctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrNavigationTimeout, u.Redacted())
	}
	if perr := parent.Err(); perr != nil {
		return fmt.Errorf("load %s: %w", u.Redacted(), perr)
	}
	return fmt.Errorf("load %s: %w", u.Redacted(), err)
}
