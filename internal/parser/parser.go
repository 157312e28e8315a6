// Package parser extracts game values from fetched pages.
//
// Parsers never fail: a missing element yields Unknown (-1) for numbers and
// an empty result for lists. Callers decide whether a missing value matters.
package parser

import (
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Unknown is returned for numeric values that are absent from the page.
const Unknown int64 = -1

func Wood(doc *goquery.Document) int64     { return byID(doc, "l1") }
func Clay(doc *goquery.Document) int64     { return byID(doc, "l2") }
func Iron(doc *goquery.Document) int64     { return byID(doc, "l3") }
func Crop(doc *goquery.Document) int64     { return byID(doc, "l4") }
func FreeCrop(doc *goquery.Document) int64 { return byID(doc, "stockBarFreeCrop") }

func WarehouseCapacity(doc *goquery.Document) int64 { return capacity(doc, "warehouse") }
func GranaryCapacity(doc *goquery.Document) int64   { return capacity(doc, "granary") }

func byID(doc *goquery.Document, id string) int64 {
	if doc == nil {
		return Unknown
	}
	sel := doc.Find("#" + id).First()
	if sel.Length() == 0 {
		return Unknown
	}
	return digits(sel.Text())
}

func capacity(doc *goquery.Document, class string) int64 {
	if doc == nil {
		return Unknown
	}
	sel := doc.Find("div." + class + " div.capacity div.value").First()
	if sel.Length() == 0 {
		return Unknown
	}
	return digits(sel.Text())
}

// digits parses the decimal digits of s, ignoring separators, signs and
// directional marks the game renders around numbers. A present element
// without digits reads as 0.
func digits(s string) int64 {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return 0
	}
	n, err := strconv.ParseInt(b.String(), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Attack is one incoming hostile movement.
type Attack struct {
	Arrival time.Duration
}

// IncomingAttacks returns the incoming attack rows of the #movements table.
// A header containing "troops" opens an incoming section and "Outgoing troops"
// closes it. Rows outside an incoming section are ignored.
func IncomingAttacks(doc *goquery.Document) []Attack {
	if doc == nil {
		return nil
	}
	var out []Attack
	incoming := false
	doc.Find("#movements tr").Each(func(_ int, row *goquery.Selection) {
		if th := row.Find("th"); th.Length() > 0 {
			txt := th.First().Text()
			switch {
			case strings.Contains(txt, "Outgoing troops"):
				incoming = false
			case strings.Contains(txt, "troops"):
				incoming = true
			}
			return
		}
		if !incoming || !isAttackRow(row) {
			return
		}
		timer := row.Find("span.timer").First()
		v, ok := timer.Attr("value")
		if !ok {
			return
		}
		secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || secs <= 0 {
			return
		}
		out = append(out, Attack{Arrival: time.Duration(secs) * time.Second})
	})
	return out
}

// isAttackRow checks the row's movement icon, which is its first image.
func isAttackRow(row *goquery.Selection) bool {
	img := row.Find("img").First()
	if img.Length() == 0 {
		return false
	}
	cls, _ := img.Attr("class")
	return strings.Contains(cls, "att")
}

// Nearest returns the earliest arrival among attacks.
func Nearest(attacks []Attack) (time.Duration, bool) {
	if len(attacks) == 0 {
		return 0, false
	}
	nearest := attacks[0].Arrival
	for _, a := range attacks[1:] {
		if a.Arrival < nearest {
			nearest = a.Arrival
		}
	}
	return nearest, true
}

// VillageEntry is one row of the village switcher.
type VillageEntry struct {
	ID   int64
	Name string
}

// Villages returns the entries of the village list in page order. Entries
// without a numeric data-did are skipped.
func Villages(doc *goquery.Document) []VillageEntry {
	if doc == nil {
		return nil
	}
	var out []VillageEntry
	doc.Find(".villageList .listEntry").Each(func(_ int, s *goquery.Selection) {
		raw, ok := s.Attr("data-did")
		if !ok {
			return
		}
		id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil || id <= 0 {
			return
		}
		name := strings.TrimSpace(s.Find(".name").First().Text())
		out = append(out, VillageEntry{ID: id, Name: name})
	})
	return out
}

// IsLoginPage reports whether the page shows a login form.
func IsLoginPage(doc *goquery.Document) bool {
	if doc == nil {
		return false
	}
	return doc.Find("form").FilterFunction(func(_ int, f *goquery.Selection) bool {
		return f.Find(`input[type="password"]`).Length() > 0
	}).Length() > 0
}

// LoginAction returns the login form's action attribute, if any.
func LoginAction(doc *goquery.Document) string {
	if doc == nil {
		return ""
	}
	var action string
	doc.Find("form").EachWithBreak(func(_ int, f *goquery.Selection) bool {
		if f.Find(`input[type="password"]`).Length() == 0 {
			return true
		}
		action, _ = f.Attr("action")
		return false
	})
	return action
}
