package testutil

import "github.com/roach88/shield/internal/ir"

// Vector returns a lattice point of the given dimension with every
// component set to v.
func Vector(dim int, v ir.Fixed) []ir.Fixed {
	out := make([]ir.Fixed, dim)
	for i := range out {
		out[i] = v
	}
	return out
}

// StableTrajectory returns a GENESIS observation at the origin followed by
// n-1 UPDATE observations at the same point.
func StableTrajectory(dim, n int) []ir.Observation {
	return DriftTrajectory(dim, n, 0)
}

// DriftTrajectory returns a GENESIS observation at the origin followed by
// n-1 UPDATE observations offset by drift in every component.
func DriftTrajectory(dim, n int, drift ir.Fixed) []ir.Observation {
	obs := []ir.Observation{{Timestamp: 0, Vector: Vector(dim, 0), Kind: ir.KindGenesis}}
	for i := 1; i < n; i++ {
		obs = append(obs, ir.Observation{
			Timestamp: ir.FixedFromInt(int64(i)),
			Vector:    Vector(dim, drift),
			Kind:      ir.KindUpdate,
		})
	}
	return obs
}

// OscillatingTrajectory returns a GENESIS observation at the origin
// followed by n-1 UPDATE observations alternating between +amplitude and
// -amplitude in every component.
func OscillatingTrajectory(dim, n int, amplitude ir.Fixed) []ir.Observation {
	obs := []ir.Observation{{Timestamp: 0, Vector: Vector(dim, 0), Kind: ir.KindGenesis}}
	for i := 1; i < n; i++ {
		v := amplitude
		if i%2 == 0 {
			v = -amplitude
		}
		obs = append(obs, ir.Observation{
			Timestamp: ir.FixedFromInt(int64(i)),
			Vector:    Vector(dim, v),
			Kind:      ir.KindUpdate,
		})
	}
	return obs
}
