package vectorstore

import (
	"encoding/binary"
	"math"
)

// SerializeVector converts a float64 slice to a compact byte slice.
// It stores each float64 as a float32 (4 bytes, little-endian) to halve storage
// size. Embedding vectors have sufficient precision at float32.
func SerializeVector(vec []float64) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(v)))
	}
	return buf
}

// DeserializeVector converts a serialized byte slice back to a float64 slice.
func DeserializeVector(data []byte) []float64 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	n := len(data) / 4
	vec := make([]float64, n)
	for i := 0; i < n; i++ {
		vec[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:])))
	}
	return vec
}

// DeserializeVectorF32 converts a byte slice directly to a float32 slice,
// avoiding the intermediate float64 conversion. Used by the in-memory cache
// to halve memory usage.
func DeserializeVectorF32(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	n := len(data) / 4
	vec := make([]float32, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec
}

// CosineSimilarity computes the cosine similarity between two float64 vectors.
// Returns 0 if either vector has zero magnitude or the dimensions differ.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
