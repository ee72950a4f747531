package ichseg

import (
	"fmt"
	"path/filepath"
	"time"
)

const (
	Kilo = 1 << 10
	Mega = 1 << 20
	Giga = 1 << 30
)

// ConvertToAbsolute returns an absolute path for p, which if relative is
// taken relative to dir.
func ConvertToAbsolute(p, dir string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty path cannot be made absolute")
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p), nil
	}
	return filepath.Abs(filepath.Join(dir, p))
}

// ParseDuration is time.ParseDuration except an empty string gives the default.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}
