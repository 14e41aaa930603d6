// Package diff computes added, changed and removed records between two runs.
// Nothing in this package performs I/O.
package diff

import (
	"sort"

	"github.com/davidahmann/postwatch/core/fingerprint"
	schemarunreport "github.com/davidahmann/postwatch/core/schema/v1/runreport"
)

// Change pairs the current record with the baseline version it replaced.
type Change struct {
	Record   fingerprint.Record `json:"record"`
	Previous fingerprint.Record `json:"previous"`
	Fields   []string           `json:"fields"`
}

// Report is derived on every run and is never a source of truth.
type Report struct {
	Added         []fingerprint.Record `json:"added"`
	Changed       []Change             `json:"changed"`
	Removed       []fingerprint.Record `json:"removed"`
	ChangedFields map[string][]string  `json:"changed_fields"`
	Unchanged     int                  `json:"unchanged"`
}

// Diff compares prev against curr by identity. Added and changed are ordered
// by score descending then identity; removed by identity only.
func Diff(prev, curr []fingerprint.Record) Report {
	before := index(prev)
	after := index(curr)

	report := Report{
		Added:         []fingerprint.Record{},
		Changed:       []Change{},
		Removed:       []fingerprint.Record{},
		ChangedFields: map[string][]string{},
	}
	for identity, record := range after {
		previous, existed := before[identity]
		switch {
		case !existed:
			report.Added = append(report.Added, record)
		case previous.Fingerprint != record.Fingerprint:
			fields := fingerprint.ChangedFields(previous, record)
			report.Changed = append(report.Changed, Change{Record: record, Previous: previous, Fields: fields})
			report.ChangedFields[identity] = fields
		default:
			report.Unchanged++
		}
	}
	for identity, record := range before {
		if _, kept := after[identity]; !kept {
			report.Removed = append(report.Removed, record)
		}
	}

	sort.Slice(report.Added, func(i, j int) bool {
		return ranked(report.Added[i], report.Added[j])
	})
	sort.Slice(report.Changed, func(i, j int) bool {
		return ranked(report.Changed[i].Record, report.Changed[j].Record)
	})
	sort.Slice(report.Removed, func(i, j int) bool {
		return report.Removed[i].Identity < report.Removed[j].Identity
	})
	return report
}

// Counts reduces a report to the sizes written under diff_counts.
func (r Report) Counts() schemarunreport.DiffCounts {
	return schemarunreport.DiffCounts{
		Added:   len(r.Added),
		Changed: len(r.Changed),
		Removed: len(r.Removed),
	}
}

// Identities returns the identities of records in order.
func Identities(records []fingerprint.Record) []string {
	out := make([]string, 0, len(records))
	for _, record := range records {
		out = append(out, record.Identity)
	}
	return out
}

// Summarize builds the delta summary for one (collaborator, dataset). Without
// a baseline every delta is zero and the whole ranked set counts as unchanged,
// so New+Changed+Unchanged == RankedTotal holds either way.
func Summarize(report Report, rankedTotal int, baselineRunID, baselineSource string) schemarunreport.DeltaSummary {
	if baselineRunID == "" {
		if baselineSource == "" {
			baselineSource = "none"
		}
		return schemarunreport.DeltaSummary{
			RankedTotal:    rankedTotal,
			Unchanged:      rankedTotal,
			BaselineSource: baselineSource,
		}
	}
	newCount := len(report.Added)
	changed := len(report.Changed)
	unchanged := rankedTotal - newCount - changed
	if unchanged < 0 {
		unchanged = 0
	}
	return schemarunreport.DeltaSummary{
		RankedTotal:    newCount + changed + unchanged,
		New:            newCount,
		Changed:        changed,
		Unchanged:      unchanged,
		Removed:        len(report.Removed),
		BaselineRunID:  baselineRunID,
		BaselineSource: baselineSource,
	}
}

// index keys records by identity. When one side holds duplicate identities the
// higher score wins, then the smaller fingerprint, so input order never matters.
func index(records []fingerprint.Record) map[string]fingerprint.Record {
	out := make(map[string]fingerprint.Record, len(records))
	for _, record := range records {
		existing, ok := out[record.Identity]
		if !ok || record.Score > existing.Score || (record.Score == existing.Score && record.Fingerprint < existing.Fingerprint) {
			out[record.Identity] = record
		}
	}
	return out
}

func ranked(left, right fingerprint.Record) bool {
	if left.Score != right.Score {
		return left.Score > right.Score
	}
	return left.Identity < right.Identity
}
