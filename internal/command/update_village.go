package command

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"rubaz/internal/task"
)

// UpdateVillage refreshes one village's storage, runs the alerts against the
// fetched page and schedules the next refresh.
func UpdateVillage(ctx context.Context, d *Deps, t task.Task) task.Result {
	s, err := d.session(ctx)
	if err != nil {
		return task.Fail(err)
	}

	var doc *goquery.Document
	switch loc := s.CurrentLocation(); {
	case strings.Contains(loc, "dorf1"):
		if doc, err = UpdateBuilding(ctx, d, t.Village); err != nil {
			return task.Fail(err)
		}
	case strings.Contains(loc, "dorf2"):
		if _, err = UpdateBuilding(ctx, d, t.Village); err != nil {
			return task.Fail(err)
		}
		if err = ToDorf(ctx, d, 1, t.Village); err != nil {
			return task.Fail(err)
		}
		if doc, err = UpdateBuilding(ctx, d, t.Village); err != nil {
			return task.Fail(err)
		}
	default:
		if err = ToDorf(ctx, d, 1, t.Village); err != nil {
			return task.Fail(err)
		}
		if doc, err = UpdateBuilding(ctx, d, t.Village); err != nil {
			return task.Fail(err)
		}
	}

	RunAlerts(ctx, d, t.Village, doc)

	if err := NextExecute(ctx, d, t); err != nil {
		return task.Fail(err)
	}
	return task.Ok()
}
