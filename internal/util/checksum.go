package util

import (
	"hash/crc32"

	"github.com/cespare/xxhash/v2"
)

// Checksum utilities for flash item integrity.
// Item headers and payloads use CRC32 (IEEE); reassembled multi-chunk values
// carry an xxhash64 digest.

var (
	// crc32Table is precomputed for better performance
	crc32Table = crc32.MakeTable(crc32.IEEE)
)

// ComputeChecksum computes a CRC32 checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// ComputeChecksumParts computes a CRC32 over the concatenation of parts
// without allocating the concatenated buffer.
func ComputeChecksumParts(parts ...[]byte) uint32 {
	var crc uint32
	for _, p := range parts {
		crc = crc32.Update(crc, crc32Table, p)
	}
	return crc
}

// ValidateChecksum validates data against an expected checksum
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}

// ComputeDigest returns the xxhash64 digest of data.
func ComputeDigest(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// DigestBuilder accumulates an xxhash64 digest over chunks read in order.
type DigestBuilder struct {
	d *xxhash.Digest
}

// NewDigestBuilder returns an empty digest builder.
func NewDigestBuilder() *DigestBuilder {
	return &DigestBuilder{d: xxhash.New()}
}

// Add feeds the next chunk.
func (b *DigestBuilder) Add(chunk []byte) {
	_, _ = b.d.Write(chunk)
}

// Sum64 returns the digest of everything added so far.
func (b *DigestBuilder) Sum64() uint64 {
	return b.d.Sum64()
}
