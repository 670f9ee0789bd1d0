package utils_test

import (
	"testing"

	"bitbucket.org/mmdatafocus/cashregister_backend/utils"
)

func TestInitials(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"John Doe", "JD"},
		{"madonna", "M"},
		{"  aye   chan  ", "AC"},
		{"Mary Jane Watson", "MJ"},
		{"", "XX"},
		{"   ", "XX"},
	}
	for _, c := range cases {
		if got := utils.Initials(c.name); got != c.want {
			t.Fatalf("Initials(%q): expected %q; got %q", c.name, c.want, got)
		}
	}
}

func TestIsValidEmail(t *testing.T) {
	if !utils.IsValidEmail("owner@example.com") {
		t.Fatal("expected valid email")
	}
	if utils.IsValidEmail("not-an-email") {
		t.Fatal("expected invalid email")
	}
}
