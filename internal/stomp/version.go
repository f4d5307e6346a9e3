package stomp

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// NegotiateVersion picks the highest version offered in an accept-version
// header that the bridge supports. A missing header means 1.0.
func NegotiateVersion(acceptVersion string) (string, error) {
	if strings.TrimSpace(acceptVersion) == "" {
		return Version10, nil
	}

	offered := lo.Map(strings.Split(acceptVersion, ","), func(v string, _ int) string {
		return strings.TrimSpace(v)
	})
	for i := len(SupportedVersions) - 1; i >= 0; i-- {
		if lo.Contains(offered, SupportedVersions[i]) {
			return SupportedVersions[i], nil
		}
	}
	return "", fmt.Errorf("supported protocol versions are %s", SupportedVersionList())
}

// SupportedVersionList renders the versions for the version header of an ERROR frame.
func SupportedVersionList() string {
	return strings.Join(SupportedVersions, ",")
}
