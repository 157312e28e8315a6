package storage

import (
	"errors"
	"time"

	"rubaz/internal/account"
	"rubaz/internal/task"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures storage. Driver "sqlite" is the only backend.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Outcome of one task invocation.
type Outcome string

const (
	OutcomeOk          Outcome = "ok"
	OutcomeFailed      Outcome = "failed"
	OutcomeInterrupted Outcome = "interrupted"
	OutcomeFatal       Outcome = "fatal"
)

// TaskRun records one task invocation. Keep it compact and schema-stable.
type TaskRun struct {
	ID        string            `json:"id"`
	Account   account.ID        `json:"account_id"`
	Kind      task.Kind         `json:"kind"`
	Village   account.VillageID `json:"village_id,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	Took      time.Duration     `json:"took"`
	Outcome   Outcome           `json:"outcome"`
	Error     string            `json:"error,omitempty"`
}
