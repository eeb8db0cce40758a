package utils

import (
	"strconv"
	"strings"
)

// CompareVersions orders dotted numeric versions such as "v2.4.1". Missing parts count
// as zero and anything after the leading digits of a part ("3rc1") is ignored.
// It returns -1, 0 or 1.
func CompareVersions(a, b string) int {
	pa, pb := versionParts(a), versionParts(b)
	for i := 0; i < len(pa) || i < len(pb); i++ {
		x, y := partAt(pa, i), partAt(pb, i)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}

// AtLeast reports whether version satisfies minimum. An empty minimum accepts any version.
func AtLeast(version, minimum string) bool {
	if strings.TrimSpace(minimum) == "" {
		return true
	}
	return CompareVersions(version, minimum) >= 0
}

func versionParts(v string) []int {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if v == "" {
		return nil
	}
	fields := strings.Split(v, ".")
	out := make([]int, len(fields))
	for i, f := range fields {
		end := 0
		for end < len(f) && f[end] >= '0' && f[end] <= '9' {
			end++
		}
		out[i], _ = strconv.Atoi(f[:end])
	}
	return out
}

func partAt(parts []int, i int) int {
	if i < len(parts) {
		return parts[i]
	}
	return 0
}
