package runner

import "strings"

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
