package registry

import (
	"sort"

	"github.com/extensionbay/registry/internal/core/models"
)

// recentWindow bounds how many distinct dates the recent map retains.
const recentWindow = 7

// mergeRecent folds incoming per-date counts into the entry's recent map.
// The upstream log processor recomputes the full trailing window each run,
// so incoming values overwrite stored ones on collision. Only the
// recentWindow lexicographically greatest date keys survive. Returns true
// if the stored map changed.
func mergeRecent(entry *models.Entry, incoming map[string]int64) bool {
	if len(incoming) == 0 {
		return false
	}

	merged := make(map[string]int64, len(entry.Recent)+len(incoming))
	for date, count := range entry.Recent {
		merged[date] = count
	}
	for date, count := range incoming {
		merged[date] = count
	}

	dates := make([]string, 0, len(merged))
	for date := range merged {
		dates = append(dates, date)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	if len(dates) > recentWindow {
		dates = dates[:recentWindow]
	}

	result := make(map[string]int64, len(dates))
	for _, date := range dates {
		result[date] = merged[date]
	}

	changed := len(result) != len(entry.Recent)
	if !changed {
		for date, count := range result {
			if current, ok := entry.Recent[date]; !ok || current != count {
				changed = true
				break
			}
		}
	}
	entry.Recent = result
	return changed
}
