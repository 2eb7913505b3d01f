package model

import "testing"

func TestTimeClassOf(t *testing.T) {
	tests := []struct {
		control string
		want    string
	}{
		{"", ""},
		{"-", ""},
		{"1/86400", "daily"},
		{"60", "bullet"},
		{"120+1", "bullet"},
		{"180+2", "blitz"},
		{"300", "blitz"},
		{"600", "rapid"},
		{"900+10", "rapid"},
		{"abc", ""},
		{"60+x", ""},
	}
	for _, tt := range tests {
		t.Run(tt.control, func(t *testing.T) {
			if got := TimeClassOf(tt.control); got != tt.want {
				t.Errorf("TimeClassOf(%q) = %q, want %q", tt.control, got, tt.want)
			}
		})
	}
}

func TestFiltersMatch(t *testing.T) {
	blitz := StatusSnapshot{TimeControl: "180+2"}
	daily := StatusSnapshot{TimeControl: "1/86400"}

	if !(Filters{}).Match(blitz) {
		t.Error("empty filters should match everything")
	}
	f := Filters{TimeClasses: []string{" Blitz "}}
	if !f.Match(blitz) {
		t.Error("blitz filter should match a 180+2 game")
	}
	if f.Match(daily) {
		t.Error("blitz filter should not match a daily game")
	}
}

func TestNormalizeAddress(t *testing.T) {
	if got := NormalizeAddress("  Someone@Example.COM "); got != "someone@example.com" {
		t.Errorf("NormalizeAddress() = %q", got)
	}
}
