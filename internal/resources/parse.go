package resources

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	units "github.com/docker/go-units"
)

// ParseCPUPercent converts a textual CPU quantity into a percentage of one
// core. Supported formats include explicit percentages ("50%"), fractional
// core counts ("0.5") and millicores using the Kubernetes-style suffix
// ("500m").
func ParseCPUPercent(value string) (int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}

	var cores float64
	var err error
	switch {
	case strings.HasSuffix(trimmed, "%"):
		pctText := strings.TrimSpace(strings.TrimSuffix(trimmed, "%"))
		var pct float64
		pct, err = strconv.ParseFloat(pctText, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid cpu quantity %q: %w", value, err)
		}
		cores = pct / 100.0
	case strings.HasSuffix(trimmed, "m"), strings.HasSuffix(trimmed, "M"):
		milliText := strings.TrimSpace(trimmed[:len(trimmed)-1])
		if milliText == "" {
			return 0, fmt.Errorf("invalid cpu quantity %q", value)
		}
		var milli float64
		milli, err = strconv.ParseFloat(milliText, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid cpu quantity %q: %w", value, err)
		}
		cores = milli / 1000.0
	default:
		cores, err = strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid cpu quantity %q: %w", value, err)
		}
	}

	percent := int(math.Round(cores * 100))
	if percent < 1 || percent > 100 {
		return 0, fmt.Errorf("invalid cpu quantity %q: must resolve to 1-100%% of one core", value)
	}
	return percent, nil
}

// ParseMemory converts textual memory limits like "512Mi" into bytes.
func ParseMemory(value string) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}
	lower := strings.ToLower(trimmed)
	switch {
	case strings.HasSuffix(lower, "kib"), strings.HasSuffix(lower, "mib"), strings.HasSuffix(lower, "gib"), strings.HasSuffix(lower, "tib"):
		// already in binary units understood by go-units
	case strings.HasSuffix(lower, "ki"), strings.HasSuffix(lower, "mi"), strings.HasSuffix(lower, "gi"), strings.HasSuffix(lower, "ti"):
		trimmed += "B"
	}
	bytes, err := units.RAMInBytes(trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid memory quantity %q: %w", value, err)
	}
	if bytes <= 0 {
		return 0, fmt.Errorf("invalid memory quantity %q: must be positive", value)
	}
	return bytes, nil
}

// ParseBandwidth converts textual I/O rates like "10Mi" into bytes per
// second. The grammar matches ParseMemory.
func ParseBandwidth(value string) (int64, error) {
	return ParseMemory(value)
}
