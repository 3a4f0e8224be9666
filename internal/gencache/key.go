package gencache

import (
	"encoding/binary"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/Blockeeer/ai-hair-simulation/internal/models"
)

// SampleSize is how many bytes from each end of the payload feed the fingerprint.
const SampleSize = 4096

// Fingerprint hashes the payload length plus its first and last SampleSize bytes,
// so the cost does not grow with the image. It is a cache key input, not dedup proof.
func Fingerprint(data []byte) string {
	d := xxhash.New()

	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(len(data)))
	_, _ = d.Write(size[:])

	if len(data) <= 2*SampleSize {
		_, _ = d.Write(data)
	} else {
		_, _ = d.Write(data[:SampleSize])
		_, _ = d.Write(data[len(data)-SampleSize:])
	}
	return strconv.FormatUint(d.Sum64(), 16)
}

// Key derives the cache key for a fingerprint and the normalized style parameters.
func Key(fingerprint string, params models.StyleParams) string {
	p := params.Normalized()
	d := xxhash.New()
	for _, part := range []string{fingerprint, p.Style, p.Color, p.Model, p.Gender} {
		_, _ = d.WriteString(part)
		// unit separator keeps ("ab","c") and ("a","bc") apart
		_, _ = d.Write([]byte{0x1f})
	}
	return "gen:" + strconv.FormatUint(d.Sum64(), 16)
}
