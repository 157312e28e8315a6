package account

import (
	"errors"
	"testing"
)

func TestTransitionEdges(t *testing.T) {
	t.Parallel()
	valid := map[[2]Status]bool{
		{Offline, Starting}:  true,
		{Starting, Online}:   true,
		{Starting, Stopping}: true,
		{Online, Paused}:     true,
		{Online, Pausing}:    true,
		{Online, Stopping}:   true,
		{Pausing, Paused}:    true,
		{Pausing, Stopping}:  true,
		{Paused, Online}:     true,
		{Paused, Starting}:   true,
		{Paused, Stopping}:   true,
		{Stopping, Offline}:  true,
	}
	all := []Status{Offline, Starting, Online, Paused, Pausing, Stopping}
	for _, from := range all {
		for _, to := range all {
			want := valid[[2]Status{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
			err := CheckTransition(from, to)
			if want && err != nil {
				t.Fatalf("CheckTransition(%s, %s) = %v, want nil", from, to, err)
			}
			if !want && !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("CheckTransition(%s, %s) = %v, want ErrInvalidTransition", from, to, err)
			}
		}
	}
}

func TestStatusDisplay(t *testing.T) {
	t.Parallel()
	tests := []struct {
		s     Status
		color string
		pause string
	}{
		{Offline, "black", "[~~!~~]"},
		{Starting, "orange", "[~~!~~]"},
		{Online, "green", "Pause"},
		{Paused, "red", "Resume"},
		{Stopping, "orange", "[~~!~~]"},
	}
	for _, tt := range tests {
		if got := tt.s.Color(); got != tt.color {
			t.Fatalf("%s.Color() = %q, want %q", tt.s, got, tt.color)
		}
		if got := tt.s.PauseText(); got != tt.pause {
			t.Fatalf("%s.PauseText() = %q, want %q", tt.s, got, tt.pause)
		}
	}
}

func TestParseID(t *testing.T) {
	t.Parallel()
	id, err := ParseID(" 42 ")
	if err != nil || id != 42 {
		t.Fatalf("ParseID = %v, %v, want 42", id, err)
	}
	for _, bad := range []string{"", "abc", "0", "-3"} {
		if _, err := ParseID(bad); err == nil {
			t.Fatalf("ParseID(%q) expected error", bad)
		}
	}
}
