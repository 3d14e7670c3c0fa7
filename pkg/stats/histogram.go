package stats

// DefaultHistogramBins is the bin count used when none is configured.
const DefaultHistogramBins = 10

// Bin is one histogram bucket. Lower is inclusive; Upper is exclusive
// except for the last bin, which includes the maximum.
type Bin struct {
	Lower int64 `json:"lower"`
	Upper int64 `json:"upper"`
	Count int   `json:"count"`
}

// Histogram sorts durations into at most bins equal-width buckets spanning
// [min, max]. Equal durations collapse into a single bin.
func Histogram(durations []int64, bins int) []Bin {
	if len(durations) == 0 {
		return nil
	}

	if bins <= 0 {
		bins = DefaultHistogramBins
	}

	lo, hi := durations[0], durations[0]
	for _, d := range durations[1:] {
		lo = min(lo, d)
		hi = max(hi, d)
	}

	span := hi - lo
	if span == 0 {
		return []Bin{{Lower: lo, Upper: hi, Count: len(durations)}}
	}

	n := int64(bins)
	if span < n {
		n = span
	}

	width := (span + n - 1) / n
	n = (span + width - 1) / width

	out := make([]Bin, n)
	for i := range out {
		out[i].Lower = lo + int64(i)*width
		out[i].Upper = out[i].Lower + width
	}

	out[n-1].Upper = hi

	for _, d := range durations {
		idx := min((d-lo)/width, n-1)
		out[idx].Count++
	}

	return out
}
