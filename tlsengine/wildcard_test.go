package tlsengine

import "testing"

func TestMatchWildcard(t *testing.T) {
	cases := []struct {
		pattern, name string
		want          bool
	}{
		{"*.example.com", "api.example.com", true},
		{"*.example.com", "a.b.example.com", false},
		{"*.example.com", "example.com", false},
		{"?.a", "x.a", true},
		{"?.a", "xy.a", false},
		{"example.com", "example.com", true},
		{"*", "anything.at.all", true},
		{"a?c", "abc", true},
		{"a?c", "ac", false},
	}
	for _, c := range cases {
		if got := matchWildcard(c.pattern, c.name); got != c.want {
			t.Errorf("matchWildcard(%q, %q) = %v, want %v", c.pattern, c.name, got, c.want)
		}
	}
}
