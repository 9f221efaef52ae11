// Copyright 2026 The AppBox Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Hash is a 32-byte BLAKE3 digest. Both hash kinds in a bundle
// (per-file payload hashes and the whole-bundle identity) are this
// size.
type Hash [32]byte

// Identity is the content hash of a complete bundle file. Two bundle
// files with identical bytes have the same identity regardless of
// their path or filename; everything the daemon tracks is keyed on it.
type Identity = Hash

// domainKey is a 32-byte key for BLAKE3 keyed hashing. Domain
// separation ensures that the same input bytes produce different
// hashes in different contexts, preventing cross-domain collisions.
type domainKey [32]byte

// Domain separation keys. These are fixed constants — changing them
// invalidates all existing hashes in that domain. The byte values
// are the ASCII encoding of the domain name, zero-padded to 32 bytes.
// Using readable ASCII makes the keys inspectable in hex dumps and
// debuggers without sacrificing any cryptographic property (BLAKE3
// keyed mode treats the key as an opaque 32-byte value).
var (
	payloadDomainKey = domainKey{
		'a', 'p', 'p', 'b', 'o', 'x', '.', 'p', 'a', 'y', 'l', 'o', 'a', 'd', 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	bundleDomainKey = domainKey{
		'a', 'p', 'p', 'b', 'o', 'x', '.', 'b', 'u', 'n', 'd', 'l', 'e', 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// HashPayload computes the payload-domain BLAKE3 keyed hash of the
// given data. This is the hash stored in bundle index entries and
// verified on every extraction. Payload hashes are always computed on
// uncompressed bytes so verification is independent of the
// compression algorithm chosen at pack time.
func HashPayload(data []byte) Hash {
	return keyedHash(payloadDomainKey, data)
}

// newIdentityHasher returns a streaming hasher for the bundle
// identity domain. Feeding it a bundle file's bytes and calling Sum
// yields the same identity as [IdentifyFile].
func newIdentityHasher() *blake3.Hasher {
	// NewKeyed requires exactly 32 bytes, which domainKey guarantees.
	hasher, err := blake3.NewKeyed(bundleDomainKey[:])
	if err != nil {
		panic("bundle: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return hasher
}

// IdentifyReader computes the bundle-domain identity hash of
// everything readable from r. The hash covers the raw bundle bytes
// (header, metadata blocks, payloads) so any change to the file
// produces a new identity.
func IdentifyReader(r io.Reader) (Identity, error) {
	hasher := newIdentityHasher()
	if _, err := io.Copy(hasher, r); err != nil {
		var identity Identity
		return identity, fmt.Errorf("hashing bundle content: %w", err)
	}
	var identity Identity
	copy(identity[:], hasher.Sum(nil))
	return identity, nil
}

// IdentifyFile computes the identity of the bundle file at path by
// streaming its content through the bundle-domain hash. It does not
// parse the file; invalid bundles still have a well-defined identity,
// which lets the daemon track broken files without re-reading them.
func IdentifyFile(path string) (Identity, error) {
	file, err := os.Open(path)
	if err != nil {
		var identity Identity
		return identity, fmt.Errorf("opening bundle for hashing: %w", err)
	}
	defer file.Close()

	identity, err := IdentifyReader(file)
	if err != nil {
		return identity, fmt.Errorf("hashing %s: %w", path, err)
	}
	return identity, nil
}

// FormatHash returns the hex-encoded string representation of a hash.
// This is the canonical format used in desktop entries, logs, and CLI
// output.
func FormatHash(hash Hash) string {
	return hex.EncodeToString(hash[:])
}

// ParseHash parses a 64-character hex string into a Hash.
func ParseHash(hexString string) (Hash, error) {
	var hash Hash
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return hash, fmt.Errorf("parsing bundle hash: %w", err)
	}
	if len(decoded) != 32 {
		return hash, fmt.Errorf("bundle hash is %d bytes, want 32", len(decoded))
	}
	copy(hash[:], decoded)
	return hash, nil
}

// ShortRef returns the short bundle reference for an identity: the
// "box-" prefix followed by the first 12 hex characters. Short refs
// name mountpoints and desktop artifact files, so they stay stable
// across renames of the bundle file itself.
func ShortRef(identity Identity) string {
	return "box-" + hex.EncodeToString(identity[:6])
}

// keyedHash computes BLAKE3 keyed hash with the given domain key.
func keyedHash(key domainKey, data []byte) Hash {
	// NewKeyed requires exactly 32 bytes, which domainKey guarantees.
	// The error is only returned for wrong key length, so this cannot
	// fail with our fixed-size type.
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("bundle: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var hash Hash
	copy(hash[:], hasher.Sum(nil))
	return hash
}
