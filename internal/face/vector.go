// Package face holds the embedding vector type, similarity comparison, and
// face-enrollment persistence.
package face

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// DefaultMatchThreshold is the maximum Euclidean distance between two
// embeddings still considered the same face.
const DefaultMatchThreshold = 0.45

// MaxDistance is the sentinel returned when two embeddings cannot be
// compared. It never satisfies any match threshold.
var MaxDistance = math.Inf(1)

// Vector is a fixed-length face embedding. Clients send it either as an
// ordered JSON array or as a map keyed by index ("0", "1", ...); both decode
// to the same ordered sequence.
type Vector []float64

// UnmarshalJSON canonicalizes the two accepted encodings. Map keys are
// ordered numerically when they parse as integers, lexically otherwise.
func (v *Vector) UnmarshalJSON(data []byte) error {
	var arr []float64
	if err := json.Unmarshal(data, &arr); err == nil {
		*v = arr
		return nil
	}

	var m map[string]float64
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("embedding must be a numeric array or an index-keyed map")
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, aerr := strconv.Atoi(keys[i])
		b, berr := strconv.Atoi(keys[j])
		if aerr == nil && berr == nil {
			return a < b
		}
		return keys[i] < keys[j]
	})
	out := make(Vector, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	*v = out
	return nil
}

// Distance returns the Euclidean distance between two embeddings, or
// MaxDistance when either is empty or the lengths differ. A missing
// embedding is a failed match, not an error.
func Distance(a, b Vector) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return MaxDistance
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Match compares two embeddings against a threshold and returns the measured
// distance alongside the verdict.
func Match(a, b Vector, threshold float64) (float64, bool) {
	d := Distance(a, b)
	return d, d <= threshold
}
