// Package version reports the supervisor's build version, the way the
// teacher's internal/version package reports the agent's version over its
// control channel. Here it backs the Control API's GET /v2/version
// endpoint instead.
package version

import (
	"strconv"
	"strings"
)

var version = "0.1.0"

// GetVersion returns the supervisor's semantic version string.
func GetVersion() string {
	return version
}

// GetNumericVersion collapses the dotted version into a single comparable
// integer, the way the teacher does for capability negotiation.
func GetNumericVersion() int {
	return ParseNumericVersion(version)
}

func ParseNumericVersion(semVer string) int {
	parts := strings.Split(semVer, ".")
	result := 0
	for _, part := range parts {
		num, _ := strconv.Atoi(part)
		result = result*1000 + num
	}
	return result
}
