// Package browser is the game surface: one session per running account.
//
// Sessions are not safe for concurrent use by more than one runner; the
// account runner is their only caller.
package browser

import (
	"context"
	"errors"
	"net/url"

	"github.com/PuerkitoBio/goquery"

	"rubaz/internal/account"
)

var (
	ErrNavigationTimeout = errors.New("navigation timeout")
	ErrClosed            = errors.New("browser session closed")
)

type Session interface {
	// CurrentLocation is the URL of the last loaded page, or "" before the
	// first navigation.
	CurrentLocation() string
	// FetchContent reloads the current location and returns the parsed page.
	FetchContent(ctx context.Context) (*goquery.Document, error)
	// Navigate loads target, resolved against the current location.
	Navigate(ctx context.Context, target string) error
	// Submit posts a form to action, resolved against the current location.
	Submit(ctx context.Context, action string, form url.Values) error
	Close() error
}

// Factory opens sessions for accounts.
type Factory interface {
	Open(ctx context.Context, acc account.Account) (Session, error)
}
