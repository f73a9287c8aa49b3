package submit

import (
	"fmt"
	"strings"
	"time"
)

// DefaultPrefix is prepended to every generated upload filename.
const DefaultPrefix = "upload"

// filenameLayout renders UTC time as YYYY_MM_DD_HH_MM_SS. Fixed-width fields
// keep names lexically sortable.
const filenameLayout = "2006_01_02_15_04_05"

// Filename returns "<prefix>_<YYYY_MM_DD_HH_MM_SS>" for t in UTC, with
// sub-second precision dropped.
func Filename(prefix string, t time.Time) string {
	return prefix + "_" + t.UTC().Format(filenameLayout)
}

// ParseFilename recovers the prefix and UTC timestamp encoded by Filename.
func ParseFilename(name string) (string, time.Time, error) {
	if len(name) < len(filenameLayout)+2 {
		return "", time.Time{}, fmt.Errorf("filename %q too short", name)
	}
	split := len(name) - len(filenameLayout) - 1
	if name[split] != '_' {
		return "", time.Time{}, fmt.Errorf("filename %q has no timestamp separator", name)
	}
	prefix := name[:split]
	if strings.TrimSpace(prefix) == "" {
		return "", time.Time{}, fmt.Errorf("filename %q has an empty prefix", name)
	}
	ts, err := time.ParseInLocation(filenameLayout, name[split+1:], time.UTC)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("parse filename %q: %w", name, err)
	}
	return prefix, ts, nil
}
