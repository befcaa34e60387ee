// Package measurement turns raw sensor readings into tagged measurements.
package measurement

import (
	"math"
	"sort"
	"time"

	"cloudpico-beam/internal/telemetry"
)

const (
	TagHost    = "host"
	TagSource  = "source"
	FieldValue = "value"
)

type groupKey struct {
	metric telemetry.Metric
	source telemetry.Source
}

type group struct {
	sum    float64
	n      int
	latest time.Time
}

// Build emits one measurement per (metric, source) pair present in readings.
// Repeated readings of a pair are averaged and stamped with the latest
// capture time. NaN and infinite values are skipped; the number skipped is
// returned as filtered.
func Build(readings []telemetry.Reading, host string) (out []telemetry.Measurement, filtered int) {
	groups := make(map[groupKey]*group)
	for _, r := range readings {
		if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
			filtered++
			continue
		}
		k := groupKey{metric: r.Metric, source: r.Source}
		g, ok := groups[k]
		if !ok {
			g = &group{}
			groups[k] = g
		}
		g.sum += r.Value
		g.n++
		if r.CapturedAt.After(g.latest) {
			g.latest = r.CapturedAt
		}
	}

	out = make([]telemetry.Measurement, 0, len(groups))
	for k, g := range groups {
		out = append(out, telemetry.Measurement{
			Name: string(k.metric),
			Tags: map[string]string{
				TagHost:   host,
				TagSource: string(k.source),
			},
			Fields:    map[string]float64{FieldValue: g.sum / float64(g.n)},
			Timestamp: g.latest,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Tags[TagSource] < b.Tags[TagSource]
	})
	return out, filtered
}
