package command

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"rubaz/internal/account"
	"rubaz/internal/parser"
	"rubaz/internal/task"
	logx "rubaz/pkg/logx"
)

var (
	ErrLoginRejected = errors.New("login rejected")
	ErrNoVillages    = errors.New("village list missing")
)

// classifyNav keeps cancellation as-is (the runner treats it as an
// interruption) and marks every other browser failure transient.
func classifyNav(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	return task.Transient(err)
}

// ToDorf navigates to dorf{n}. A non-zero village is switched to first.
func ToDorf(ctx context.Context, d *Deps, n int, v account.VillageID) error {
	s, err := d.session(ctx)
	if err != nil {
		return err
	}
	target := "dorf" + strconv.Itoa(n) + ".php"
	if v != 0 {
		target += "?newdid=" + strconv.FormatInt(int64(v), 10)
	}
	if err := s.Navigate(ctx, target); err != nil {
		return classifyNav(fmt.Errorf("to dorf%d: %w", n, err))
	}
	return nil
}

// UpdateBuilding reloads the page, persists the village storage snapshot and
// returns the fetched document for later steps.
func UpdateBuilding(ctx context.Context, d *Deps, v account.VillageID) (*goquery.Document, error) {
	s, err := d.session(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := s.FetchContent(ctx)
	if err != nil {
		return nil, classifyNav(fmt.Errorf("update building: %w", err))
	}

	st := ParseStorage(doc)
	if st == unknownStorage {
		// Keep the last good snapshot.
		d.Log.Warn("storage.missing", logx.Int64("village", int64(v)), logx.Err(task.Structural(errors.New("storage markup missing"))))
		return doc, nil
	}
	if err := d.Store.SaveVillageStorage(ctx, d.Account, v, st, d.Now()); err != nil {
		return nil, task.Transient(fmt.Errorf("save storage: %w", err))
	}
	return doc, nil
}

var unknownStorage = account.Storage{
	Wood: parser.Unknown, Clay: parser.Unknown, Iron: parser.Unknown, Crop: parser.Unknown,
	FreeCrop: parser.Unknown, Warehouse: parser.Unknown, Granary: parser.Unknown,
}

func ParseStorage(doc *goquery.Document) account.Storage {
	return account.Storage{
		Wood:      parser.Wood(doc),
		Clay:      parser.Clay(doc),
		Iron:      parser.Iron(doc),
		Crop:      parser.Crop(doc),
		FreeCrop:  parser.FreeCrop(doc),
		Warehouse: parser.WarehouseCapacity(doc),
		Granary:   parser.GranaryCapacity(doc),
	}
}

// LoadVillages parses the village switcher of the current page and upserts it.
func LoadVillages(ctx context.Context, d *Deps) ([]account.Village, error) {
	s, err := d.session(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := s.FetchContent(ctx)
	if err != nil {
		return nil, classifyNav(fmt.Errorf("load villages: %w", err))
	}
	entries := parser.Villages(doc)
	if len(entries) == 0 {
		return nil, task.Structural(ErrNoVillages)
	}
	vs := make([]account.Village, 0, len(entries))
	for _, e := range entries {
		vs = append(vs, account.Village{ID: account.VillageID(e.ID), Account: d.Account, Name: e.Name})
	}
	if err := d.Store.UpsertVillages(ctx, d.Account, vs); err != nil {
		return nil, task.Transient(fmt.Errorf("save villages: %w", err))
	}
	return vs, nil
}

// Login submits the stored credentials when the current page is a login
// form. A form that is still there afterwards means the credentials are
// wrong, which is fatal for the account.
func Login(ctx context.Context, d *Deps) error {
	s, err := d.session(ctx)
	if err != nil {
		return err
	}
	doc, err := s.FetchContent(ctx)
	if err != nil {
		return classifyNav(fmt.Errorf("login: %w", err))
	}
	if !parser.IsLoginPage(doc) {
		return nil
	}
	acc, err := d.Store.GetAccount(ctx, d.Account)
	if err != nil {
		return task.Fatal(fmt.Errorf("login: load account: %w", err))
	}

	action := parser.LoginAction(doc)
	if action == "" {
		action = s.CurrentLocation()
	}
	form := loginForm(doc, acc)
	if err := s.Submit(ctx, action, form); err != nil {
		return classifyNav(fmt.Errorf("login submit: %w", err))
	}

	after, err := s.FetchContent(ctx)
	if err != nil {
		return classifyNav(fmt.Errorf("login: %w", err))
	}
	if parser.IsLoginPage(after) {
		return task.Fatal(fmt.Errorf("%w for %s", ErrLoginRejected, acc.Username))
	}
	d.Log.Info("login.ok", logx.String("username", acc.Username))
	return nil
}

// loginForm copies the form's named inputs and fills the user and password
// fields.
func loginForm(doc *goquery.Document, acc account.Account) url.Values {
	form := url.Values{}
	doc.Find("form").EachWithBreak(func(_ int, f *goquery.Selection) bool {
		if f.Find(`input[type="password"]`).Length() == 0 {
			return true
		}
		f.Find("input[name]").Each(func(_ int, in *goquery.Selection) {
			name, _ := in.Attr("name")
			typ := strings.ToLower(in.AttrOr("type", "text"))
			switch typ {
			case "password":
				form.Set(name, acc.Password)
			case "text", "email":
				form.Set(name, acc.Username)
			case "submit", "button", "checkbox":
			default:
				form.Set(name, in.AttrOr("value", ""))
			}
		})
		return false
	})
	return form
}

// NextExecute schedules the successor of t, if its kind has one.
func NextExecute(ctx context.Context, d *Deps, t task.Task) error {
	at, ok, err := d.Policy.NextSuccess(ctx, t)
	if err != nil {
		return task.Transient(fmt.Errorf("next execute: %w", err))
	}
	if ok {
		d.Schedule.Put(t, at)
	}
	return nil
}
