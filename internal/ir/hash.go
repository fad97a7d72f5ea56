package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Domain prefixes for hashed content. The version suffix allows an
// algorithm migration without ambiguity.
const (
	DomainPayload = "shield/payload/v1"
	DomainRecord  = "shield/record/v1"
)

// GenesisHash is the previous_hash of record 0: 32 zero bytes, hex encoded.
var GenesisHash = strings.Repeat("0", 64)

// HashWithDomain computes SHA256(domain || 0x00 || data), hex encoded.
// The null separator removes domain/data boundary ambiguity.
func HashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// PayloadHash hashes the canonical JSON bytes of a proof payload.
func PayloadHash(payload []byte) string {
	return HashWithDomain(DomainPayload, payload)
}

// RecordHash computes the chained hash of a proof record from its header
// fields. The payload participates through payloadHash.
func RecordHash(seq int64, payloadHash, previousHash string, timestamp int64) (string, error) {
	header := IRObject{
		"payload_hash":  IRString(payloadHash),
		"previous_hash": IRString(previousHash),
		"seq":           IRInt(seq),
		"timestamp":     IRInt(timestamp),
	}
	canonical, err := MarshalCanonical(header)
	if err != nil {
		return "", fmt.Errorf("RecordHash: failed to marshal: %w", err)
	}
	return HashWithDomain(DomainRecord, canonical), nil
}

// SealRecord fills PayloadHash and RecordHash for a record whose Seq,
// PreviousHash, Timestamp and Payload are set.
func SealRecord(rec ProofRecord) (ProofRecord, error) {
	rec.PayloadHash = PayloadHash(rec.Payload)
	h, err := RecordHash(rec.Seq, rec.PayloadHash, rec.PreviousHash, rec.Timestamp)
	if err != nil {
		return ProofRecord{}, err
	}
	rec.RecordHash = h
	return rec, nil
}
