package dedup

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Normalize returns v scaled to unit length, or nil for an empty or zero
// vector. The input is not modified.
func Normalize(v []float32) []float32 {
	var norm float64
	for _, f := range v {
		norm += float64(f) * float64(f)
	}
	if norm == 0 {
		return nil
	}
	inv := 1 / math.Sqrt(norm)
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(float64(f) * inv)
	}
	return out
}

// Dot returns the dot product of two vectors of equal length. For unit
// vectors this is their cosine similarity.
func Dot(a, b []float32) float32 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return float32(dot)
}

// CosineSimilarity computes the cosine similarity between two vectors.
// Returns 0 for zero vectors, and an error if dimensions don't match.
func CosineSimilarity(a, b []float32) (float32, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("dimension mismatch: %d vs %d", len(a), len(b))
	}
	na, nb := Normalize(a), Normalize(b)
	if na == nil || nb == nil {
		return 0, nil
	}
	return Dot(na, nb), nil
}

// EncodeEmbedding serializes a vector as little-endian float32 values, the
// format of the job_items.embedding column.
func EncodeEmbedding(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeEmbedding is the inverse of EncodeEmbedding. An empty blob decodes
// to nil; a blob whose length is not a multiple of 4 is an error.
func DecodeEmbedding(b []byte) ([]float32, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob of %d bytes is not a float32 array", len(b))
	}

	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
