package gateway

import (
	"fmt"
	"strings"
)

const versionMarker = "SW_VER"

// Version is what the gateway reports in answer to !version.
type Version struct {
	Hardware string `json:"hardware"`
	Software string `json:"software"`
	Raw      string `json:"raw"`
}

// ParseVersion parses a "<hw>=SW_VER=<sw> ..." line.
func ParseVersion(line string) (Version, error) {
	line = strings.TrimSpace(line)
	before, after, ok := strings.Cut(line, "="+versionMarker+"=")
	if !ok {
		return Version{}, fmt.Errorf("gateway: malformed version line %q", line)
	}
	hw := strings.Fields(before)
	sw := strings.Fields(after)
	if len(hw) == 0 || len(sw) == 0 {
		return Version{}, fmt.Errorf("gateway: malformed version line %q", line)
	}
	return Version{
		Hardware: hw[len(hw)-1],
		Software: sw[0],
		Raw:      line,
	}, nil
}
