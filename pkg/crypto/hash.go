// Package crypto provides the hashing and signature primitives used by
// Peerbloom: BLAKE3 for block and transaction identities, double SHA-256
// for packet checksums, and Schnorr/secp256k1 for header signatures.
package crypto

import (
	"encoding/binary"

	sha256 "github.com/minio/sha256-simd"
	"github.com/zeebo/blake3"

	"github.com/Klingon-tech/peerbloom/pkg/types"
)

// ChecksumSize is the number of digest bytes carried in a packet header.
const ChecksumSize = 4

// Hash computes a BLAKE3-256 hash of the input data.
func Hash(data []byte) types.Hash {
	return blake3.Sum256(data)
}

// DoubleHash computes Hash(Hash(data)).
func DoubleHash(data []byte) types.Hash {
	first := Hash(data)
	return Hash(first[:])
}

// HashConcat hashes the concatenation of two hashes.
// Used for building merkle trees.
func HashConcat(a, b types.Hash) types.Hash {
	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	return Hash(buf[:])
}

// DoubleSHA256 computes SHA-256(SHA-256(data)).
func DoubleSHA256(data []byte) [32]byte {
	first := sha256.Sum256(data)
	return sha256.Sum256(first[:])
}

// Checksum returns the first four bytes of DoubleSHA256(data) read as a
// big-endian integer. This is the integrity value of every packet body.
func Checksum(data []byte) uint32 {
	sum := DoubleSHA256(data)
	return binary.BigEndian.Uint32(sum[:ChecksumSize])
}
