package usecase

import (
	"fmt"
	"sort"
	"time"
)

// DateLayout is the exact grammar a history directory name must match.
// time.Parse with this layout already rejects same-digit-count-but-
// wrong-format names like "20191204" (no separators) since the layout
// requires literal '-' characters at fixed positions.
const DateLayout = "2006-01-02"

// DailyKeepCount is how many of the most recent daily snapshots to keep
// once the monthly tier has claimed its entries.
const DailyKeepCount = 20

// HistoryEntry is one valid dated snapshot directory.
type HistoryEntry struct {
	Name string
	Date time.Time
}

// EnumerateHistory takes root's immediate children, as already listed by the
// caller, and returns the valid dated directories in ascending date order,
// plus one warning string per malformed directory name (logged, never
// fatal). Non-directory entries are skipped without a warning.
func EnumerateHistory(entries []DirEntry, root string) ([]HistoryEntry, []string) {
	var valid []HistoryEntry
	var warnings []string
	for _, e := range entries {
		if !e.IsDir {
			continue
		}
		date, err := ParseSnapshotDate(e.Name)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("Folder %s, non ISO date: %v", e.Name, err))
			continue
		}
		valid = append(valid, HistoryEntry{Name: e.Name, Date: date})
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i].Date.Before(valid[j].Date) })
	return valid, warnings
}

// ParseSnapshotDate strictly parses name against DateLayout.
func ParseSnapshotDate(name string) (time.Time, error) {
	return time.Parse(DateLayout, name)
}

// Latest returns the greatest valid date among entries.
func Latest(entries []HistoryEntry) (HistoryEntry, bool) {
	if len(entries) == 0 {
		return HistoryEntry{}, false
	}
	return entries[len(entries)-1], true
}

// SelectReference returns the greatest valid date strictly less than today,
// the reference snapshot an incremental run seeds its cheap copy from.
func SelectReference(entries []HistoryEntry, today time.Time) (HistoryEntry, bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Date.Before(today) {
			return entries[i], true
		}
	}
	return HistoryEntry{}, false
}

// RetentionPlan is the outcome of applying the monthly+daily policy to the
// history, computed after today's snapshot has been added to it.
type RetentionPlan struct {
	KeptMonthly []string
	KeptDaily   []string
	Prune       []string
}

// ComputeRetention applies the monthly + daily tie-break policy:
// one kept snapshot per (year, month) — the earliest day of that month —
// then the DailyKeepCount most recent of what remains; everything else is
// pruned. Today's entry is always the most recent, so it always falls
// within the daily tier (or is itself a month's earliest-day entry).
func ComputeRetention(entries []HistoryEntry) RetentionPlan {
	type monthKey struct {
		year  int
		month time.Month
	}
	bestByMonth := make(map[monthKey]HistoryEntry)
	for _, e := range entries {
		key := monthKey{e.Date.Year(), e.Date.Month()}
		cur, ok := bestByMonth[key]
		switch {
		case !ok:
			bestByMonth[key] = e
		case e.Date.Day() < cur.Date.Day():
			bestByMonth[key] = e
		case e.Date.Day() == cur.Date.Day() && e.Name < cur.Name:
			bestByMonth[key] = e
		}
	}
	monthlyNames := make(map[string]bool, len(bestByMonth))
	var monthly []string
	for _, e := range bestByMonth {
		monthlyNames[e.Name] = true
	}
	// Walk entries in date order so KeptMonthly is reported chronologically.
	for _, e := range entries {
		if monthlyNames[e.Name] {
			monthly = append(monthly, e.Name)
		}
	}

	var remaining []HistoryEntry
	for _, e := range entries {
		if !monthlyNames[e.Name] {
			remaining = append(remaining, e)
		}
	}
	sort.Slice(remaining, func(i, j int) bool { return remaining[i].Date.After(remaining[j].Date) })

	n := DailyKeepCount
	if n > len(remaining) {
		n = len(remaining)
	}
	var daily, prune []string
	for i, e := range remaining {
		if i < n {
			daily = append(daily, e.Name)
		} else {
			prune = append(prune, e.Name)
		}
	}

	return RetentionPlan{KeptMonthly: monthly, KeptDaily: daily, Prune: prune}
}

// SummaryLine renders the "Kept backups: ..." line printed on stdout.
func (p RetentionPlan) SummaryLine() string {
	return fmt.Sprintf("Kept backups: %d monthly, %d daily", len(p.KeptMonthly), len(p.KeptDaily))
}
