// Package param defines the ParameterStore trait spec.md §9 calls for:
// the core treats model parameters as opaque bytes, and only a training
// backend knows how to merge, measure distance between, or compare the
// similarity of two parameter sets. DenseVector is a reference
// implementation (a flat []float64) good enough for tests and for any
// backend that serializes parameters as a contiguous float64 array.
package param

import (
	"encoding/binary"
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ErrIncompatible is raised when two parameter sets can't be compared,
// e.g. differing shapes. The aggregation buffer treats this as fatal.
var ErrIncompatible = errors.New("param: incompatible parameter shapes")

// Store is the contract the core requires of a training backend's
// parameter representation.
type Store interface {
	// Merge combines this store with others under the given normalized
	// weights (len(weights) == len(others)+1, this store's own weight is
	// weights[0]) and returns a new store. Implementations must be pure.
	Merge(weights []float64, others []Store) (Store, error)
	// Distance returns a non-negative dissimilarity to another store.
	Distance(other Store) (float64, error)
	// Similarity returns a value in [0,1], 1 meaning identical.
	Similarity(other Store) (float64, error)
	// Size returns the number of scalar parameters, used for shape checks.
	Size() int
	// Bytes serializes the store for wire transmission.
	Bytes() []byte
}

// DenseVector is a Store backed by a flat slice of float64.
type DenseVector []float64

// DecodeDenseVector parses the little-endian float64 encoding produced by
// Bytes.
func DecodeDenseVector(b []byte) (DenseVector, error) {
	if len(b)%8 != 0 {
		return nil, errors.New("param: malformed dense vector payload")
	}
	v := make(DenseVector, len(b)/8)
	for i := range v {
		bits := binary.LittleEndian.Uint64(b[i*8:])
		v[i] = math.Float64frombits(bits)
	}
	return v, nil
}

// Bytes implements Store.
func (v DenseVector) Bytes() []byte {
	b := make([]byte, len(v)*8)
	for i, f := range v {
		binary.LittleEndian.PutUint64(b[i*8:], math.Float64bits(f))
	}
	return b
}

// Size implements Store.
func (v DenseVector) Size() int { return len(v) }

func asDense(s Store) (DenseVector, error) {
	dv, ok := s.(DenseVector)
	if !ok {
		return nil, ErrIncompatible
	}
	return dv, nil
}

// Merge implements Store as a weighted elementwise sum; weights are
// assumed already normalized to sum to 1 by the caller (the Reputation
// Engine / Aggregator do that).
func (v DenseVector) Merge(weights []float64, others []Store) (Store, error) {
	if len(weights) != len(others)+1 {
		return nil, errors.New("param: weights/others length mismatch")
	}
	out := make(DenseVector, len(v))
	for i, f := range v {
		out[i] = f * weights[0]
	}
	for oi, o := range others {
		dv, err := asDense(o)
		if err != nil {
			return nil, err
		}
		if len(dv) != len(v) {
			return nil, ErrIncompatible
		}
		w := weights[oi+1]
		for i, f := range dv {
			out[i] += f * w
		}
	}
	return out, nil
}

// Distance implements Store as Euclidean distance.
func (v DenseVector) Distance(other Store) (float64, error) {
	dv, err := asDense(other)
	if err != nil || len(dv) != len(v) {
		return 0, ErrIncompatible
	}
	sum := 0.0
	for i := range v {
		d := v[i] - dv[i]
		sum += d * d
	}
	return math.Sqrt(sum), nil
}

// Similarity implements Store as a weighted blend of cosine, euclidean,
// manhattan, and Pearson similarity, each normalized into [0,1] — spec
// §4.7 signal 4.
func (v DenseVector) Similarity(other Store) (float64, error) {
	dv, err := asDense(other)
	if err != nil || len(dv) != len(v) || len(v) == 0 {
		return 0, ErrIncompatible
	}

	cos := cosineSimilarity(v, dv)

	eucDist, _ := v.Distance(other)
	eucSim := 1.0 / (1.0 + eucDist)

	manhattan := 0.0
	for i := range v {
		manhattan += math.Abs(v[i] - dv[i])
	}
	manSim := 1.0 / (1.0 + manhattan)

	pear := stat.Correlation(v, dv, nil)
	if math.IsNaN(pear) {
		pear = 0
	}
	pearSim := (pear + 1) / 2

	const wCos, wEuc, wMan, wPear = 0.4, 0.2, 0.2, 0.2
	combined := wCos*cos + wEuc*eucSim + wMan*manSim + wPear*pearSim
	return clamp01(combined), nil
}

func cosineSimilarity(a, b []float64) float64 {
	dot := floats.Dot(a, b)
	na := floats.Norm(a, 2)
	nb := floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	cos := dot / (na * nb)
	// Map [-1,1] -> [0,1].
	return clamp01((cos + 1) / 2)
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
