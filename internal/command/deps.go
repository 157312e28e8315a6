// Package command holds the pipeline steps tasks are built from.
//
// Steps return plain or classified errors; handlers decide how a failing
// step maps onto the task result.
package command

import (
	"context"
	"time"

	"rubaz/internal/account"
	"rubaz/internal/browser"
	"rubaz/internal/task"
	logx "rubaz/pkg/logx"
)

// Store is the persistence the steps read and write. storage.Store
// satisfies it. Each call is its own scoped session.
type Store interface {
	GetAccount(ctx context.Context, id account.ID) (account.Account, error)
	GetVillage(ctx context.Context, acc account.ID, v account.VillageID) (account.Village, error)
	ListVillages(ctx context.Context, acc account.ID) ([]account.Village, error)
	UpsertVillages(ctx context.Context, acc account.ID, vs []account.Village) error
	SaveVillageStorage(ctx context.Context, acc account.ID, v account.VillageID, st account.Storage, at time.Time) error
	AccountSettings(ctx context.Context, acc account.ID) (account.Settings, error)
	VillageSettings(ctx context.Context, acc account.ID, v account.VillageID) (account.VillageSettings, error)
}

// Notifier delivers best-effort messages to the account's chat.
type Notifier interface {
	Send(ctx context.Context, acc account.ID, text string) error
}

// Policy computes successor times.
type Policy interface {
	NextSuccess(ctx context.Context, t task.Task) (at time.Time, ok bool, err error)
	Uniform(minD, maxD time.Duration) time.Duration
}

// Scheduler accepts schedule entries for the account.
type Scheduler interface {
	Put(t task.Task, at time.Time)
}

// Deps is what one account's pipelines run against.
type Deps struct {
	Account  account.ID
	Browser  *browser.Holder
	Store    Store
	Notifier Notifier
	Policy   Policy
	Schedule Scheduler
	Log      logx.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
}

func (d *Deps) Now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now()
}

func (d *Deps) session(ctx context.Context) (browser.Session, error) {
	if s := d.Browser.Session(); s != nil {
		return s, nil
	}
	s, err := d.Browser.Open(ctx)
	if err != nil {
		return nil, task.Transient(err)
	}
	return s, nil
}
