// Package bark is the convergence validator. It decides whether an
// operator's recent trajectory settles onto its anchored identity, using
// only fixed-point integer arithmetic and a constant iteration bound.
//
// The validator reports a Verdict; consequences (quarantine) belong to the
// gate.
package bark
