package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var timeUnits = []struct {
	suffix string
	unit   time.Duration
}{
	{"ms", time.Millisecond},
	{"s", time.Second},
	{"m", time.Minute},
	{"h", time.Hour},
	{"d", 24 * time.Hour},
}

// ParseStringTime turns strings like "500ms", "60s", "5m", "1h" or "2d" into a
// duration. Invalid input yields zero.
func ParseStringTime(timeString string) time.Duration {
	d, err := ParseDuration(timeString)
	if err != nil {
		return 0
	}
	return d
}

func ParseDuration(timeString string) (time.Duration, error) {
	timeString = strings.ToLower(strings.TrimSpace(timeString))
	for _, u := range timeUnits {
		cutString, found := strings.CutSuffix(timeString, u.suffix)
		if !found {
			continue
		}
		number, err := strconv.Atoi(cutString)
		if err != nil {
			continue
		}
		if number < 0 {
			return 0, fmt.Errorf("negative duration: %s", timeString)
		}
		return time.Duration(number) * u.unit, nil
	}
	return 0, fmt.Errorf("invalid time format: %s", timeString)
}

// DurationOr parses timeString and falls back to def when it is empty or invalid.
func DurationOr(timeString string, def time.Duration) time.Duration {
	if d, err := ParseDuration(timeString); err == nil && d > 0 {
		return d
	}
	return def
}
