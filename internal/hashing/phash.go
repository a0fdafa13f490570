package hashing

import (
	"math/bits"
	"strconv"
	"strings"

	"github.com/timmy/memedex/internal/domain"
)

// PerceptualHashLen is the width of a 64-bit perceptual hash in hex characters.
const PerceptualHashLen = 16

// ParsePerceptualHash parses a 16-character hex perceptual hash, case-insensitively.
func ParsePerceptualHash(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if len(s) != PerceptualHashLen {
		return 0, &domain.HashComputationError{
			Field:  "perceptual_hash",
			Reason: "want " + strconv.Itoa(PerceptualHashLen) + " hex characters, got " + strconv.Itoa(len(s)),
		}
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, &domain.HashComputationError{Field: "perceptual_hash", Reason: "not hexadecimal"}
	}
	return v, nil
}

// FormatPerceptualHash renders h as 16 lowercase hex characters.
func FormatPerceptualHash(h uint64) string {
	s := strconv.FormatUint(h, 16)
	if len(s) < PerceptualHashLen {
		s = strings.Repeat("0", PerceptualHashLen-len(s)) + s
	}
	return s
}

// Distance is the Hamming distance between two hashes.
func Distance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// MaxBucketBits bounds the bucket width.
const MaxBucketBits = 16

func clampBits(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxBucketBits {
		return MaxBucketBits
	}
	return n
}

// Bucket returns the top n bits of h. n is clamped to [0,16].
func Bucket(h uint64, n int) int {
	n = clampBits(n)
	if n == 0 {
		return 0
	}
	return int(h >> (64 - uint(n)))
}

// BucketCount is the number of distinct buckets for width n.
func BucketCount(n int) int {
	return 1 << uint(clampBits(n))
}

// NeighbourBuckets returns, ascending, every n-bit bucket that a hash within
// maxDistance of a hash in bucket can fall into.
func NeighbourBuckets(bucket, n, maxDistance int) []int {
	count := BucketCount(n)
	var out []int
	for b := 0; b < count; b++ {
		if bits.OnesCount(uint(b^bucket)) <= maxDistance {
			out = append(out, b)
		}
	}
	return out
}
