// Package histogram parses and operates on vLLM's Prometheus-style latency
// histograms exposed on /metrics as cumulative bucket lines.
package histogram

import (
	"math"
	"regexp"
	"sort"
	"strconv"
)

// Histogram maps a bucket's upper bound to its cumulative count. The
// upper bound for the final bucket is +Inf, present iff the histogram is
// non-empty.
type Histogram map[float64]float64

// bucketPattern extracts the le="..." bound and the count from one
// already-selected exposition line.
var bucketPattern = regexp.MustCompile(`le="([\d+.infI]+)".*? (\d+\.\d+)`)

// Parse selects the lines in text matching linePattern (an anchored,
// multiline pattern identifying one histogram's bucket series, one line
// per bucket) and extracts a Histogram from them. The last matched line
// is always treated as the +Inf bucket, matching vLLM's exposition order
// (ascending bound, +Inf last). If linePattern matches nothing — which
// happens when the backend has never served a request for this metric —
// Parse returns an empty Histogram; callers treat that as "insufficient
// data", never an error.
func Parse(text string, linePattern *regexp.Regexp) Histogram {
	lines := linePattern.FindAllString(text, -1)
	h := Histogram{}
	if len(lines) == 0 {
		return h
	}

	for _, line := range lines[:len(lines)-1] {
		m := bucketPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		bound, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		count, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		h[bound] = count
	}

	if m := bucketPattern.FindStringSubmatch(lines[len(lines)-1]); m != nil {
		count, err := strconv.ParseFloat(m[2], 64)
		if err == nil {
			h[math.Inf(1)] = count
		}
	}

	return h
}

// Diff returns the element-wise difference a-b over the union of both
// histograms' keys, treating a missing key as 0. Diff(a, b) == a.Diff(b).
func Diff(a, b Histogram) Histogram {
	out := make(Histogram, len(a)+len(b))
	for k := range a {
		out[k] = a[k] - b[k]
	}
	for k := range b {
		if _, ok := out[k]; !ok {
			out[k] = a[k] - b[k]
		}
	}
	return out
}

// Diff is the method form of Diff, kept for call-site symmetry with the
// source this package ports (Histogram.diff as an alias for __sub__).
func (h Histogram) Diff(other Histogram) Histogram {
	return Diff(h, other)
}

// Bucket is one (index, upper_bound) pair returned by Percentile, where
// index is the position of upper_bound in the histogram's sorted bound
// list.
type Bucket struct {
	Index      int
	UpperBound float64
}

// Percentile returns the smallest bucket whose cumulative count is at
// least p of the total count (h[+Inf]). Returns (Bucket{}, false) on an
// empty histogram or a zero total.
func Percentile(h Histogram, p float64) (Bucket, bool) {
	if len(h) == 0 {
		return Bucket{}, false
	}
	total, ok := h[math.Inf(1)]
	if !ok || total <= 0 {
		return Bucket{}, false
	}

	bounds := make([]float64, 0, len(h))
	for k := range h {
		bounds = append(bounds, k)
	}
	sort.Float64s(bounds)

	threshold := p * total
	for i, b := range bounds {
		if h[b] >= threshold {
			return Bucket{Index: i, UpperBound: b}, true
		}
	}
	// Numerically the +Inf bucket always satisfies count >= threshold
	// when total > 0, so this is unreachable in practice.
	last := bounds[len(bounds)-1]
	return Bucket{Index: len(bounds) - 1, UpperBound: last}, true
}
