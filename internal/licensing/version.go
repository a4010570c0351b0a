package licensing

import (
	"strconv"
	"strings"
)

// CompareVersions compares dotted version strings segment by segment as
// integers. Missing segments count as zero and anything after a segment's
// leading digits ("3-beta", "0rc1") is ignored. A leading "v" is allowed.
// The result is -1, 0 or +1.
func CompareVersions(a, b string) int {
	as := versionSegments(a)
	bs := versionSegments(b)
	n := max(len(as), len(bs))
	for i := 0; i < n; i++ {
		var x, y int
		if i < len(as) {
			x = as[i]
		}
		if i < len(bs) {
			y = bs[i]
		}
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}

// IsNewer reports whether latest is strictly newer than current.
func IsNewer(latest, current string) bool {
	return CompareVersions(latest, current) > 0
}

func versionSegments(v string) []int {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(strings.TrimPrefix(v, "v"), "V")
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ".")
	segs := make([]int, len(parts))
	for i, p := range parts {
		end := 0
		for end < len(p) && p[end] >= '0' && p[end] <= '9' {
			end++
		}
		n, _ := strconv.Atoi(p[:end])
		segs[i] = n
	}
	return segs
}
