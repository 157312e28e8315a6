package parser

import (
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
)

func mustDoc(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		t.Fatalf("parse html: %v", err)
	}
	return doc
}

const dorf1 = `<html><body>
<div id="stockBar">
  <span id="l1">&#x202d;1.234&#x202c;</span>
  <span id="l2">800</span>
  <span id="l3">12,500</span>
  <span id="l4">15</span>
  <span id="stockBarFreeCrop">-42</span>
  <div class="warehouse"><div class="capacity"><div class="value">80.000</div></div></div>
  <div class="granary"><div class="capacity"><div class="value">1000</div></div></div>
</div>
<table id="movements">
  <tr><th>Incoming troops:</th></tr>
  <tr><td><img class="att1"/></td><td><span class="timer" value="3725">1:02:05</span></td></tr>
  <tr><td><img class="att3"/></td><td><span class="timer" value="120">0:02:00</span></td></tr>
  <tr><td><img class="def1"/></td><td><span class="timer" value="60">0:01:00</span></td></tr>
  <tr><td><img class="att1"/></td><td><span class="timer" value="0">0:00:00</span></td></tr>
  <tr><th>Outgoing troops:</th></tr>
  <tr><td><img class="att2"/></td><td><span class="timer" value="30">0:00:30</span></td></tr>
</table>
<div class="villageList">
  <div class="listEntry" data-did="101"><span class="name"> Capital </span></div>
  <div class="listEntry" data-did="x"><span class="name">Broken</span></div>
  <div class="listEntry" data-did="102"><span class="name">Second</span></div>
</div>
</body></html>`

func TestStorageValues(t *testing.T) {
	t.Parallel()
	doc := mustDoc(t, dorf1)
	cases := []struct {
		name string
		fn   func(*goquery.Document) int64
		want int64
	}{
		{"wood", Wood, 1234},
		{"clay", Clay, 800},
		{"iron", Iron, 12500},
		{"crop", Crop, 15},
		{"free_crop", FreeCrop, 42},
		{"warehouse", WarehouseCapacity, 80000},
		{"granary", GranaryCapacity, 1000},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.fn(doc); got != tc.want {
				t.Fatalf("%s = %d, want %d", tc.name, got, tc.want)
			}
		})
	}
}

func TestMissingMarkupIsUnknown(t *testing.T) {
	t.Parallel()
	doc := mustDoc(t, `<html><body><div class="granary"></div><span id="l4"></span></body></html>`)
	if got := GranaryCapacity(doc); got != Unknown {
		t.Fatalf("GranaryCapacity = %d, want Unknown", got)
	}
	if got := Wood(doc); got != Unknown {
		t.Fatalf("Wood = %d, want Unknown", got)
	}
	if got := Crop(doc); got != 0 {
		t.Fatalf("Crop of empty element = %d, want 0", got)
	}
	if got := Crop(nil); got != Unknown {
		t.Fatalf("Crop(nil) = %d, want Unknown", got)
	}
	if got := IncomingAttacks(doc); len(got) != 0 {
		t.Fatalf("IncomingAttacks = %v, want none", got)
	}
}

func TestIncomingAttacks(t *testing.T) {
	t.Parallel()
	attacks := IncomingAttacks(mustDoc(t, dorf1))
	if len(attacks) != 2 {
		t.Fatalf("len(attacks) = %d, want 2: %v", len(attacks), attacks)
	}
	nearest, ok := Nearest(attacks)
	if !ok || nearest != 2*time.Minute {
		t.Fatalf("Nearest = %v, %v; want 2m", nearest, ok)
	}
	if _, ok := Nearest(nil); ok {
		t.Fatal("Nearest(nil) should report false")
	}
}

func TestVillages(t *testing.T) {
	t.Parallel()
	got := Villages(mustDoc(t, dorf1))
	want := []VillageEntry{{ID: 101, Name: "Capital"}, {ID: 102, Name: "Second"}}
	if len(got) != len(want) {
		t.Fatalf("Villages = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Villages[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestIsLoginPage(t *testing.T) {
	t.Parallel()
	login := mustDoc(t, `<form action="/login.php" method="post"><input name="name"/><input type="password" name="password"/></form>`)
	if !IsLoginPage(login) {
		t.Fatal("IsLoginPage = false, want true")
	}
	if got := LoginAction(login); got != "/login.php" {
		t.Fatalf("LoginAction = %q, want /login.php", got)
	}
	if IsLoginPage(mustDoc(t, dorf1)) {
		t.Fatal("dorf1 is not a login page")
	}
}
