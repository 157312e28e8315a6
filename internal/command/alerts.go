package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PuerkitoBio/goquery"

	"rubaz/internal/account"
	"rubaz/internal/parser"
	"rubaz/internal/task"
	logx "rubaz/pkg/logx"
)

const DefaultVillageName = "Unknown village"

// RunAlerts checks the already fetched page for incoming attacks and low
// crop and notifies the account. Failures are logged and dropped.
func RunAlerts(ctx context.Context, d *Deps, v account.VillageID, doc *goquery.Document) {
	if err := alerts(ctx, d, v, doc); err != nil {
		d.Log.Warn("alerts.failed", logx.Int64("village", int64(v)), logx.Err(err))
	}
}

func alerts(ctx context.Context, d *Deps, v account.VillageID, doc *goquery.Document) error {
	if doc == nil || d.Notifier == nil {
		return nil
	}
	name := villageName(ctx, d, v)

	var errs []error
	if msg, ok := attackMessage(doc, name); ok {
		if err := d.Notifier.Send(ctx, d.Account, msg); err != nil {
			errs = append(errs, task.BestEffort(fmt.Errorf("attack alert: %w", err)))
		}
	}

	threshold := lowCropThreshold(ctx, d)
	if msg, ok := lowCropMessage(doc, name, threshold); ok {
		if err := d.Notifier.Send(ctx, d.Account, msg); err != nil {
			errs = append(errs, task.BestEffort(fmt.Errorf("low crop alert: %w", err)))
		}
	}
	return errors.Join(errs...)
}

// villageName uses its own short store call; any failure falls back to the
// default name.
func villageName(ctx context.Context, d *Deps, v account.VillageID) string {
	vg, err := d.Store.GetVillage(ctx, d.Account, v)
	if err != nil || vg.Name == "" {
		return DefaultVillageName
	}
	return vg.Name
}

func lowCropThreshold(ctx context.Context, d *Deps) int {
	s, err := d.Store.AccountSettings(ctx, d.Account)
	if err != nil {
		return account.DefaultSettings()[account.LowCropThresholdPercent]
	}
	return s[account.LowCropThresholdPercent]
}

func attackMessage(doc *goquery.Document, village string) (string, bool) {
	attacks := parser.IncomingAttacks(doc)
	nearest, ok := parser.Nearest(attacks)
	if !ok {
		return "", false
	}
	return fmt.Sprintf("⚠️ INCOMING ATTACK: %d attack(s) detected on village %s. Nearest arrives in: %s",
		len(attacks), village, clock(nearest)), true
}

func lowCropMessage(doc *goquery.Document, village string, threshold int) (string, bool) {
	crop := parser.Crop(doc)
	granary := parser.GranaryCapacity(doc)
	if crop < 0 || granary <= 0 {
		return "", false
	}
	pct := float64(crop) / float64(granary) * 100
	if pct > float64(threshold) {
		return "", false
	}
	return fmt.Sprintf("📉 LOW CROP: village %s granary at %.1f%% (%d/%d)", village, pct, crop, granary), true
}

// clock formats d as hh:mm:ss.
func clock(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	return fmt.Sprintf("%02d:%02d:%02d", h, m, d/time.Second)
}
