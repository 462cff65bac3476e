package logproc

import (
	"regexp"
	"time"

	"github.com/extensionbay/registry/internal/core/models"
)

// logLineRe matches one S3 access-log line: whitespace-delimited fields
// with a bracketed timestamp and three quoted fields (request, referrer,
// user-agent). Submatches: 1 owner, 2 bucket, 3 timestamp, 4 remote IP,
// 5 requester, 6 request id, 7 operation, 8 key, 9 request, 10 status,
// 11 error code, 12 bytes sent, 13 object size, 14 total time,
// 15 turnaround time, 16 referrer, 17 user-agent, 18 version id.
var logLineRe = regexp.MustCompile(`^(\S+) (\S+) \[([^\]]+)\] (\S+) (\S+) (\S+) (\S+) (\S+) "([^"]*)" (\S+) (\S+) (\S+) (\S+) (\S+) (\S+) "([^"]*)" "([^"]*)" (\S+)`)

// zipKeyRe matches artifact keys of the form "<name>/<name>-<version>.zip".
// Submatch 1 is the extension name, submatch 3 the version.
var zipKeyRe = regexp.MustCompile(`^(\S+)/(\S+)-(.*)\.zip$`)

const (
	logTimeLayout = "02/Jan/2006:15:04:05 -0700"
	dateKeyLayout = "20060102"
)

// recordLine folds one log line into stats. Lines that do not match the
// grammar, are not successful GETs of a .zip artifact, or carry an
// unparseable timestamp for the recent bucket contribute nothing.
func recordLine(line string, stats models.DownloadStats) {
	m := logLineRe.FindStringSubmatch(line)
	if m == nil {
		return
	}
	if m[10] != "200" {
		return
	}
	km := zipKeyRe.FindStringSubmatch(m[8])
	if km == nil {
		return
	}
	name, version := km[1], km[3]

	ext := stats[name]
	if ext == nil {
		ext = &models.ExtensionStats{
			Downloads: models.DownloadCounts{
				Versions: make(map[string]int64),
				Recent:   make(map[string]int64),
			},
		}
		stats[name] = ext
	}
	ext.Downloads.Versions[version]++

	if date := formatDownloadDate(m[3]); date != "" {
		ext.Downloads.Recent[date]++
	}
}

// formatDownloadDate reduces a log timestamp such as
// "19/Jul/2013:16:26:40 +0000" to the compact date key "20130719".
func formatDownloadDate(ts string) string {
	t, err := time.Parse(logTimeLayout, ts)
	if err != nil {
		return ""
	}
	return t.Format(dateKeyLayout)
}
