package util

import (
	"strings"

	"github.com/samber/lo"
)

// SliceToMap turns "key=value" entries into a map; an entry without '=' maps
// to the empty string.
func SliceToMap(slice []string) map[string]string {
	return lo.SliceToMap(slice, func(s string) (string, string) {
		parts := strings.SplitN(s, "=", 2)
		if len(parts) < 2 {
			return parts[0], ""
		}
		return parts[0], parts[1]
	})
}
