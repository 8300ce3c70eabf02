package atom

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"github.com/zeebo/blake3"
)

// DomainBond separates bonded-record digests from any other use of the hash.
const DomainBond = "atombond/bond/v1"

// Supported digest algorithms.
const (
	AlgorithmSHA256 = "sha256"
	AlgorithmBLAKE3 = "blake3"
)

// DefaultAlgorithm is used when a contract does not declare one.
const DefaultAlgorithm = AlgorithmSHA256

// newHash returns a hash for a (case-insensitive) algorithm name.
func newHash(algorithm string) (hash.Hash, error) {
	switch strings.ToLower(algorithm) {
	case "", AlgorithmSHA256, "sha-256":
		return sha256.New(), nil
	case AlgorithmBLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", algorithm)
	}
}

// SupportedAlgorithm reports whether Digest accepts the algorithm.
func SupportedAlgorithm(algorithm string) bool {
	_, err := newHash(algorithm)
	return err == nil
}

// Digest computes the content digest of a record.
// Format: hex(H(domain + 0x00 + canonical(record without digest))).
//
// The record's own lane and sequenceIndex are placement, not content, and are
// left out so every lane copy of a bonded record shares one digest.
func Digest(rec Atom, algorithm string) (string, error) {
	h, err := newHash(algorithm)
	if err != nil {
		return "", err
	}
	content := canonicalMap(rec, false)
	delete(content, "lane")
	delete(content, "sequenceIndex")
	canonical, err := MarshalCanonical(content)
	if err != nil {
		return "", fmt.Errorf("digest: %w", err)
	}
	h.Write([]byte(DomainBond))
	h.Write([]byte{0x00})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CanonicalJSON returns the canonical encoding of a record, digest included.
func CanonicalJSON(rec Atom) ([]byte, error) {
	return MarshalCanonical(canonicalMap(rec, true))
}

// canonicalMap converts an atom into the value tree MarshalCanonical accepts.
func canonicalMap(a Atom, withDigest bool) map[string]any {
	m := map[string]any{
		"frequency": a.Frequency.raw,
		"timestamp": a.Timestamp,
		"iv":        a.IV,
		"authTag":   a.AuthTag,
		"lane":      a.Lane,
	}
	if a.SequenceIndex != 0 {
		m["sequenceIndex"] = a.SequenceIndex
	}
	if !a.IsBonded() {
		return m
	}

	m["type"] = a.Type
	m["index"] = a.Index
	m["sourceTier"] = a.SourceTier
	m["atomicWeight"] = a.AtomicWeight

	used := make([]any, len(a.AtomsUsed))
	for i, c := range a.AtomsUsed {
		used[i] = canonicalMap(c, true)
	}
	m["atomsUsed"] = used

	if a.Indices != nil {
		seqs := make(map[string]any, len(a.Indices.Sequences))
		for lane, s := range a.Indices.Sequences {
			seqs[lane] = s
		}
		idx := map[string]any{"sequences": seqs}
		if len(a.Indices.Constituents) > 0 {
			idx["constituents"] = a.Indices.Constituents
		}
		m["indices"] = idx
	}
	if withDigest && a.Digest != "" {
		m["digest"] = a.Digest
	}
	return m
}
