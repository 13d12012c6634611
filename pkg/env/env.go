package env

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
)

// GetStringFromFile reads KEY_FILE (Docker secrets) when set and readable,
// falling back to KEY and then to defaultValue
func GetStringFromFile(key, defaultValue string) string {
	if filePath := os.Getenv(key + "_FILE"); filePath != "" {
		if content, err := os.ReadFile(filepath.Clean(filePath)); err == nil {
			return string(bytes.TrimSpace(content))
		}
	}
	return GetString(key, defaultValue)
}

// GetString returns the environment variable value or the default value if not set
func GetString(key, defaultValue string) string {
	return get(key, defaultValue, func(s string) (string, error) { return s, nil })
}

// GetInt returns the variable as an integer; unset or malformed values yield defaultValue
func GetInt(key string, defaultValue int) int {
	return get(key, defaultValue, strconv.Atoi)
}

// GetBool returns the variable as a boolean; unset or malformed values yield defaultValue
func GetBool(key string, defaultValue bool) bool {
	return get(key, defaultValue, strconv.ParseBool)
}

// GetDuration parses values such as "3s" or "250ms"
func GetDuration(key string, defaultValue time.Duration) time.Duration {
	return get(key, defaultValue, time.ParseDuration)
}

// GetSlice returns a comma-separated environment variable as a slice, or the default value if not set.
// Empty items are dropped.
func GetSlice(key string, defaultValue []string) []string {
	items := lo.Compact(lo.Map(strings.Split(os.Getenv(key), ","), func(item string, _ int) string {
		return strings.TrimSpace(item)
	}))
	if len(items) == 0 {
		return defaultValue
	}
	return items
}

func get[T any](key string, defaultValue T, parse func(string) (T, error)) T {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	value, err := parse(raw)
	if err != nil {
		return defaultValue
	}
	return value
}
