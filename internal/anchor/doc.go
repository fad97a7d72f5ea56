// Package anchor derives deterministic identities from operator trajectories.
//
// A trajectory is an ordered list of fixed-point observations whose first
// element is the GENESIS point. The fingerprint is a SHA3-512 digest over
// the normalized operator id, the lattice dimension and the quantized
// GENESIS vector; the DID is a second digest over the fingerprint and
// operator id. No floating point is involved, so the same inputs give the
// same bytes on every platform.
package anchor
