package anchor

import (
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/shield/internal/ir"
)

// Domain prefixes. Changing any of them changes every derived identity.
const (
	DomainFingerprint  = "shield/fingerprint/v1"
	DomainDID          = "shield/did/v1"
	DomainAnchorVector = "shield/anchor-vector/v1"
	DomainKeySeed      = "shield/key-seed/v1"
)

// DefaultMethod is the DID method used when none is configured.
const DefaultMethod = "axiom"

// FingerprintSize is the length of a fingerprint digest (SHA3-512).
const FingerprintSize = 64

// didBytes is the number of digest bytes rendered into the DID suffix.
const didBytes = 16

// nodeNamespace scopes UUIDv5 node ids derived from fingerprints.
var nodeNamespace = uuid.MustParse("6f1c7b8e-3d4a-5e2f-9b0c-1a2d3e4f5a6b")

// Fingerprint is the SHA3-512 digest anchoring an operator identity.
type Fingerprint [FingerprintSize]byte

// String returns the hex encoding of the fingerprint.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Equal compares two fingerprints in constant time.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return subtle.ConstantTimeCompare(f[:], other[:]) == 1
}

// ParseFingerprint decodes a hex fingerprint.
func ParseFingerprint(s string) (Fingerprint, error) {
	var f Fingerprint
	raw, err := hex.DecodeString(s)
	if err != nil {
		return f, fmt.Errorf("parse fingerprint: %w", err)
	}
	if len(raw) != FingerprintSize {
		return f, fmt.Errorf("parse fingerprint: got %d bytes, want %d", len(raw), FingerprintSize)
	}
	copy(f[:], raw)
	return f, nil
}

// Identity is the derived identity of an operator.
type Identity struct {
	NodeID      string
	DID         string
	Fingerprint Fingerprint
}

// Anchor derives identities for one lattice dimension and DID method.
type Anchor struct {
	dimension int
	method    string
}

// Option configures an Anchor.
type Option func(*Anchor)

// WithMethod sets the DID method segment ("did:<method>:...").
func WithMethod(method string) Option {
	return func(a *Anchor) {
		if method != "" {
			a.method = method
		}
	}
}

// New creates an Anchor for the given lattice dimension.
func New(dimension int, opts ...Option) (*Anchor, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("anchor: lattice dimension must be positive, got %d", dimension)
	}
	a := &Anchor{dimension: dimension, method: DefaultMethod}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Dimension returns the configured lattice dimension.
func (a *Anchor) Dimension() int {
	return a.dimension
}

// Method returns the configured DID method.
func (a *Anchor) Method() string {
	return a.method
}

// Derive computes the identity of operatorID from its trajectory.
//
// The fingerprint covers the GENESIS observation only; later observations
// feed the convergence check, not the identity. Derive is a pure function
// of (operatorID, trajectory[0], dimension, method).
func (a *Anchor) Derive(operatorID string, trajectory []ir.Observation) (Identity, error) {
	if err := ValidateTrajectory(trajectory, a.dimension); err != nil {
		return Identity{}, err
	}

	fp := fingerprint(operatorID, trajectory[0].Vector, a.dimension)
	return Identity{
		NodeID:      uuid.NewSHA1(nodeNamespace, fp[:]).String(),
		DID:         didFor(a.method, fp, operatorID),
		Fingerprint: fp,
	}, nil
}

// ValidateTrajectory checks the structural preconditions of Derive.
// Timestamps must strictly increase.
func ValidateTrajectory(trajectory []ir.Observation, dimension int) error {
	if len(trajectory) == 0 {
		return ir.NewError(ir.CodeEmptyTrajectory, "trajectory has no observations")
	}
	for i, obs := range trajectory {
		if len(obs.Vector) != dimension {
			return ir.NewError(ir.CodeDimensionMismatch,
				"observation %d has %d components, lattice dimension is %d", i, len(obs.Vector), dimension).
				WithDetail("index", fmt.Sprint(i))
		}
		for j, c := range obs.Vector {
			if c > ir.MaxFixed || c < -ir.MaxFixed {
				return ir.NewError(ir.CodeInvalidObservation,
					"observation %d component %d out of range", i, j)
			}
		}
		if i > 0 && obs.Timestamp <= trajectory[i-1].Timestamp {
			return ir.NewError(ir.CodeInvalidObservation,
				"observation %d timestamp %s does not follow %s", i, obs.Timestamp, trajectory[i-1].Timestamp).
				WithDetail("index", fmt.Sprint(i))
		}
	}
	if trajectory[0].Kind != ir.KindGenesis {
		return ir.NewError(ir.CodeInvalidGenesis,
			"first observation has kind %q, want %q", trajectory[0].Kind, ir.KindGenesis)
	}
	return nil
}

// VerifyDID reports whether did is the DID of the given fingerprint and
// operator under method. The comparison is constant time.
func VerifyDID(did, method string, fp Fingerprint, operatorID string) bool {
	want := didFor(method, fp, operatorID)
	return subtle.ConstantTimeCompare([]byte(did), []byte(want)) == 1
}

// AnchorVector expands a fingerprint into a lattice point of the given
// dimension. Each component is a fixed-point value in [-2^30, 2^30) raw
// units, read from a SHAKE256 stream.
func AnchorVector(fp Fingerprint, dimension int) []ir.Fixed {
	shake := sha3.NewShake256()
	shake.Write([]byte(DomainAnchorVector))
	shake.Write([]byte{0x00})
	shake.Write(fp[:])

	out := make([]ir.Fixed, dimension)
	var buf [8]byte
	for i := range out {
		shake.Read(buf[:])
		out[i] = ir.Fixed(int64(binary.BigEndian.Uint64(buf[:])) >> 33)
	}
	return out
}

// KeySeed derives a purpose-bound 32-byte seed from a fingerprint, for
// callers that need key material tied to the anchored identity.
func KeySeed(fp Fingerprint, purpose string) [32]byte {
	h := sha3.New256()
	h.Write([]byte(DomainKeySeed))
	h.Write([]byte{0x00})
	h.Write(fp[:])
	h.Write([]byte(purpose))
	var seed [32]byte
	copy(seed[:], h.Sum(nil))
	return seed
}

func fingerprint(operatorID string, genesis []ir.Fixed, dimension int) Fingerprint {
	op := norm.NFC.String(operatorID)

	h := sha3.New512()
	h.Write([]byte(DomainFingerprint))
	h.Write([]byte{0x00})

	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(len(op)))
	h.Write(u32[:])
	h.Write([]byte(op))

	binary.BigEndian.PutUint32(u32[:], uint32(dimension))
	h.Write(u32[:])

	var u64 [8]byte
	for _, c := range genesis {
		binary.BigEndian.PutUint64(u64[:], uint64(c))
		h.Write(u64[:])
	}

	var fp Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}

func didFor(method string, fp Fingerprint, operatorID string) string {
	h := sha3.New256()
	h.Write([]byte(DomainDID))
	h.Write([]byte{0x00})
	h.Write(fp[:])
	h.Write([]byte(norm.NFC.String(operatorID)))
	sum := h.Sum(nil)
	return "did:" + method + ":" + hex.EncodeToString(sum[:didBytes])
}
