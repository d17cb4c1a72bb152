package common

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var cacheDateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// CacheDirStatus summarizes the per-day JSON files of one cache directory.
type CacheDirStatus struct {
	Dir       string  `json:"dir"`
	Count     int     `json:"count"`
	Latest    *string `json:"latest"`
	SizeBytes int64   `json:"size_bytes"`
}

// StatusForDir scans dir for files named "<prefix>-<YYYY-MM-DD>.json" and
// reports how many exist, the latest covered date and their total size. A
// missing directory reports an empty status rather than an error.
func StatusForDir(dir, prefix string) CacheDirStatus {
	status := CacheDirStatus{Dir: dir}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return status
	}
	var dates []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, prefix+"-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		date := strings.TrimSuffix(strings.TrimPrefix(name, prefix+"-"), ".json")
		if !cacheDateRe.MatchString(date) {
			continue
		}
		dates = append(dates, date)
		if info, err := os.Stat(filepath.Join(dir, name)); err == nil {
			status.SizeBytes += info.Size()
		}
	}
	status.Count = len(dates)
	if len(dates) > 0 {
		latest := dates[0]
		for _, date := range dates[1:] {
			if date > latest {
				latest = date
			}
		}
		status.Latest = &latest
	}
	return status
}
