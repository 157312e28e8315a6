package browser_test

import (
	"context"
	"errors"
	"testing"

	"rubaz/internal/account"
	"rubaz/internal/browser"
	"rubaz/internal/browser/browsertest"
)

func TestHolderReopens(t *testing.T) {
	t.Parallel()
	f := &browsertest.Factory{}
	h := browser.NewHolder(f, account.Account{ID: 1})
	ctx := context.Background()

	if h.Session() != nil {
		t.Fatal("Session before Open should be nil")
	}
	s1, err := h.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if again, _ := h.Open(ctx); again != s1 {
		t.Fatal("second Open should reuse the session")
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !s1.(*browsertest.Session).Closed() || h.Session() != nil {
		t.Fatal("Close should close and drop the session")
	}
	if _, err := h.Open(ctx); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if n := len(f.Opened()); n != 2 {
		t.Fatalf("opened = %d, want 2", n)
	}

	f.OpenErr = errors.New("no browser")
	_ = h.Close()
	if _, err := h.Open(ctx); err == nil {
		t.Fatal("Open should surface factory errors")
	}
}
