package tlsengine

import "strings"

// matchWildcard is a glob comparator for certificate names: '*' matches
// any run of characters (including none), '?' matches exactly one
// character, everything else matches literally. A classic two-pointer
// glob match, not a regexp compile, since the alphabet is fixed and the
// patterns are short certificate names.
//
// When pattern contains a literal '.' (i.e. it expresses a dotted
// hostname template rather than a bare glob), '*' additionally stops at
// the next '.' in name instead of crossing into further labels, per
// RFC 6125: "*.example.com" matches "api.example.com" but not
// "a.b.example.com" or "example.com". A pattern with no literal '.' at
// all is not expressing a hostname template and matches across any
// boundary, dots included.
func matchWildcard(pattern, name string) bool {
	p, n := []rune(pattern), []rune(name)
	blockDot := strings.ContainsRune(pattern, '.')

	pi, ni := 0, 0
	starPi, starNi := -1, -1

	for ni < len(n) {
		if pi < len(p) && (p[pi] == '?' || p[pi] == n[ni]) {
			pi++
			ni++
			continue
		}
		if pi < len(p) && p[pi] == '*' {
			starPi = pi
			starNi = ni
			pi++
			continue
		}
		if starPi >= 0 && !(blockDot && n[starNi] == '.') {
			starNi++
			ni = starNi
			pi = starPi + 1
			continue
		}
		return false
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}
