package browser

import (
	"context"
	"sync"

	"rubaz/internal/account"
)

// Holder owns the current session of one account. Sleep closes it and
// reopens it later; Stop closes it for good.
type Holder struct {
	factory Factory
	acc     account.Account

	mu      sync.Mutex
	session Session
}

func NewHolder(f Factory, acc account.Account) *Holder {
	return &Holder{factory: f, acc: acc}
}

// Session returns the open session, or nil while closed.
func (h *Holder) Session() Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

// Open opens a session if none is open.
func (h *Holder) Open(ctx context.Context) (Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session != nil {
		return h.session, nil
	}
	s, err := h.factory.Open(ctx, h.acc)
	if err != nil {
		return nil, err
	}
	h.session = s
	return s, nil
}

func (h *Holder) Close() error {
	h.mu.Lock()
	s := h.session
	h.session = nil
	h.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}
