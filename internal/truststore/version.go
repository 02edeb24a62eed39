package truststore

import (
	"fmt"
	"strings"

	"github.com/coreos/go-semver/semver"
)

const componentLimit = 1000

// ParseVersion maps a bundle version string ("N", "N.M" or "N.M.P") onto the
// stored integer major*1_000_000 + minor*1_000 + patch. Each component must be
// below 1000; pre-release and build suffixes are rejected.
func ParseVersion(text string) (int32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, fmt.Errorf("%w: empty version", ErrInvalidVersion)
	}

	parts := strings.Count(text, ".") + 1
	switch {
	case parts == 1:
		text += ".0.0"
	case parts == 2:
		text += ".0"
	case parts > 3:
		return 0, fmt.Errorf("%w: %q has more than three components", ErrInvalidVersion, text)
	}

	v, err := semver.NewVersion(text)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidVersion, err)
	}
	if v.PreRelease != "" || v.Metadata != "" {
		return 0, fmt.Errorf("%w: %q carries a suffix", ErrInvalidVersion, text)
	}
	for _, c := range []int64{v.Major, v.Minor, v.Patch} {
		if c < 0 || c >= componentLimit {
			return 0, fmt.Errorf("%w: component %d out of range in %q", ErrInvalidVersion, c, text)
		}
	}

	return int32(v.Major*1_000_000 + v.Minor*1_000 + v.Patch), nil
}

// FormatVersion is the inverse of ParseVersion.
func FormatVersion(v int32) string {
	return fmt.Sprintf("%d.%d.%d", v/1_000_000, v/1_000%1_000, v%1_000)
}
