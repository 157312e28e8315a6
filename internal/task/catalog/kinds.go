package catalog

import (
	"context"
	"fmt"
	"time"

	"rubaz/internal/account"
	"rubaz/internal/command"
	"rubaz/internal/task"
	logx "rubaz/pkg/logx"
)

func accountInit() Kind {
	return Kind{
		Kind: task.KindAccountInit,
		Name: "Account init",
		Run:  runAccountInit,
	}
}

func updateVillage() Kind {
	return Kind{
		Kind: task.KindUpdateVillage,
		Name: "Update village",
		Eligible: func(ctx context.Context, d *command.Deps, t task.Task) bool {
			vs, err := d.Store.VillageSettings(ctx, t.Account, t.Village)
			if err != nil {
				d.Log.Debug("eligibility.failed", logx.Task(t.Key()), logx.Err(err))
				return false
			}
			return vs.Bool(account.AutoRefreshEnable)
		},
		Run: command.UpdateVillage,
	}
}

func sleep() Kind {
	return Kind{
		Kind:    task.KindSleep,
		Name:    "Sleep",
		Run:     runSleep,
		Timeout: sleepTimeout,
	}
}

func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }

// runAccountInit logs in, refreshes the village list and seeds the schedule.
func runAccountInit(ctx context.Context, d *command.Deps, t task.Task) task.Result {
	if err := command.ToDorf(ctx, d, 1, 0); err != nil {
		return task.Fail(err)
	}
	if err := command.Login(ctx, d); err != nil {
		return task.Fail(err)
	}

	set, err := d.Store.AccountSettings(ctx, t.Account)
	if err != nil {
		return task.Fail(task.Transient(fmt.Errorf("account settings: %w", err)))
	}
	if set.Bool(account.EnableAutoLoadVillage) {
		if _, err := command.LoadVillages(ctx, d); err != nil {
			return task.Fail(err)
		}
	}

	villages, err := d.Store.ListVillages(ctx, t.Account)
	if err != nil {
		return task.Fail(task.Transient(fmt.Errorf("list villages: %w", err)))
	}
	at := d.Now()
	scheduled := 0
	for _, v := range villages {
		vs, err := d.Store.VillageSettings(ctx, t.Account, v.ID)
		if err != nil || !vs.Bool(account.AutoRefreshEnable) {
			continue
		}
		d.Schedule.Put(task.ForVillage(task.KindUpdateVillage, t.Account, v.ID), at)
		scheduled++
	}

	if set[account.SleepTimeMax] > 0 {
		work := d.Policy.Uniform(minutes(set[account.WorkTimeMin]), minutes(set[account.WorkTimeMax]))
		d.Schedule.Put(task.New(task.KindSleep, t.Account), at.Add(work))
		d.Log.Info("sleep.scheduled", logx.Duration("after", work))
	}
	d.Log.Info("account.initialized", logx.Int("villages", len(villages)), logx.Int("scheduled", scheduled))
	return task.Ok()
}

// runSleep closes the browser for the configured sleep time, then reopens it
// and schedules a fresh AccountInit.
func runSleep(ctx context.Context, d *command.Deps, t task.Task) task.Result {
	set, err := d.Store.AccountSettings(ctx, t.Account)
	if err != nil {
		return task.Fail(task.Transient(fmt.Errorf("account settings: %w", err)))
	}
	dur := d.Policy.Uniform(minutes(set[account.SleepTimeMin]), minutes(set[account.SleepTimeMax]))

	if err := d.Browser.Close(); err != nil {
		d.Log.Warn("browser.close.failed", logx.Err(err))
	}
	d.Log.Info("sleep.started", logx.Duration("for", dur))

	timer := time.NewTimer(dur)
	select {
	case <-ctx.Done():
		timer.Stop()
		return task.Fail(ctx.Err())
	case <-timer.C:
	}

	if _, err := d.Browser.Open(ctx); err != nil {
		return task.Fail(task.Transient(fmt.Errorf("reopen browser: %w", err)))
	}
	d.Schedule.Put(task.New(task.KindAccountInit, t.Account), d.Now())
	d.Log.Info("sleep.finished")
	return task.Ok()
}

// sleepTimeout covers the longest configured sleep plus the base.
func sleepTimeout(ctx context.Context, d *command.Deps, base time.Duration) time.Duration {
	set, err := d.Store.AccountSettings(ctx, d.Account)
	if err != nil {
		return base
	}
	return minutes(set[account.SleepTimeMax]) + base
}
