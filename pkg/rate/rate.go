// Package rate converts raw counter samples into per-second rates at query
// time. Counter values are stored as reported; derivation happens on the
// way out.
package rate

import (
	"math"

	"github.com/pattoo-project/pattood/pkg/records"
)

// Sample is one grid cell. A nil Value is a gap: either no row existed at
// that timestamp or the difference under it was undefined.
type Sample struct {
	Timestamp int64
	Value     *float64
}

// Grid overlays raw (timestamp, value) rows onto a dense grid of normalized
// timestamps covering [tsStart, tsStop] at polling-interval stride. Cells
// with no row stay nil.
func Grid(values map[int64]float64, tsStart, tsStop, pollingInterval int64) []Sample {
	if pollingInterval <= 0 || tsStop < tsStart {
		return nil
	}
	start := records.Normalize(tsStart, pollingInterval)
	if start < tsStart {
		start += pollingInterval
	}
	stop := records.Normalize(tsStop, pollingInterval)

	var samples []Sample
	for ts := start; ts <= stop; ts += pollingInterval {
		sample := Sample{Timestamp: ts}
		if v, ok := values[ts]; ok {
			value := v
			sample.Value = &value
		}
		samples = append(samples, sample)
	}
	return samples
}

// Derive transforms a dense grid according to the series type. Counters
// become per-second rates from successive absolute differences, aligned to
// the later timestamp (so the output is one cell shorter). The absolute
// difference handles unsigned counter wrap; full-precision integer
// substitution is deliberately not attempted. INT and FLOAT pass through
// unchanged apart from rounding.
func Derive(samples []Sample, dataType records.DataType, pollingInterval int64) []Sample {
	if !dataType.Counter() {
		out := make([]Sample, len(samples))
		for i, s := range samples {
			out[i] = Sample{Timestamp: s.Timestamp}
			if s.Value != nil {
				v := records.Round10(*s.Value)
				out[i].Value = &v
			}
		}
		return out
	}

	if len(samples) < 2 || pollingInterval <= 0 {
		return nil
	}
	out := make([]Sample, 0, len(samples)-1)
	for i := 1; i < len(samples); i++ {
		sample := Sample{Timestamp: samples[i].Timestamp}
		prev, cur := value(samples[i-1]), value(samples[i])
		diff := math.Abs(cur - prev)
		if !math.IsNaN(diff) {
			r := records.Round10(diff / float64(pollingInterval) * 1000)
			sample.Value = &r
		}
		out = append(out, sample)
	}
	return out
}

// value returns the sample value with gaps as NaN, which propagates through
// the difference arithmetic and comes out as a nil cell.
func value(s Sample) float64 {
	if s.Value == nil {
		return math.NaN()
	}
	return *s.Value
}
