package model

import (
	"strconv"
	"strings"
)

// TimeClassOf maps a Chess.com time control ("600", "180+2", "1/259200") to
// its class using the site's estimated game duration: base + 40*increment.
func TimeClassOf(control string) string {
	control = strings.TrimSpace(control)
	if control == "" || control == "-" {
		return ""
	}
	if strings.Contains(control, "/") {
		return "daily"
	}

	base, inc := control, "0"
	if i := strings.IndexByte(control, '+'); i >= 0 {
		base, inc = control[:i], control[i+1:]
	}
	b, err := strconv.Atoi(base)
	if err != nil {
		return ""
	}
	n, err := strconv.Atoi(inc)
	if err != nil {
		return ""
	}

	switch est := b + 40*n; {
	case est < 180:
		return "bullet"
	case est < 600:
		return "blitz"
	default:
		return "rapid"
	}
}
