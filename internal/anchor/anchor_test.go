package anchor

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/shield/internal/ir"
	"github.com/roach88/shield/internal/testutil"
)

func newAnchor(t *testing.T, dim int) *Anchor {
	t.Helper()
	a, err := New(dim)
	require.NoError(t, err)
	return a
}

func TestDeriveIsDeterministic(t *testing.T) {
	a := newAnchor(t, 4)
	traj := testutil.StableTrajectory(4, 5)

	id1, err := a.Derive("operator-7", traj)
	require.NoError(t, err)
	id2, err := a.Derive("operator-7", traj)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.True(t, strings.HasPrefix(id1.DID, "did:axiom:"))
	assert.Len(t, id1.DID, len("did:axiom:")+32)
	assert.Len(t, id1.Fingerprint.String(), 128)
	assert.Len(t, id1.NodeID, 36)
}

func TestDeriveDependsOnlyOnGenesis(t *testing.T) {
	a := newAnchor(t, 3)
	base, err := a.Derive("op", testutil.StableTrajectory(3, 2))
	require.NoError(t, err)

	drifted, err := a.Derive("op", testutil.DriftTrajectory(3, 6, ir.FixedFromInt(2)))
	require.NoError(t, err)
	assert.Equal(t, base, drifted)
}

func TestDeriveChangesWithInputs(t *testing.T) {
	a := newAnchor(t, 3)
	traj := testutil.StableTrajectory(3, 1)
	base, err := a.Derive("op", traj)
	require.NoError(t, err)

	other, err := a.Derive("op-2", traj)
	require.NoError(t, err)
	assert.NotEqual(t, base.Fingerprint, other.Fingerprint)
	assert.NotEqual(t, base.DID, other.DID)
	assert.NotEqual(t, base.NodeID, other.NodeID)

	moved := testutil.StableTrajectory(3, 1)
	moved[0].Vector[2] = 1
	shifted, err := a.Derive("op", moved)
	require.NoError(t, err)
	assert.NotEqual(t, base.Fingerprint, shifted.Fingerprint)

	wide := newAnchor(t, 4)
	widened, err := wide.Derive("op", testutil.StableTrajectory(4, 1))
	require.NoError(t, err)
	assert.NotEqual(t, base.Fingerprint, widened.Fingerprint)
}

func TestDeriveNormalizesOperatorID(t *testing.T) {
	a := newAnchor(t, 2)
	traj := testutil.StableTrajectory(2, 1)
	composed, err := a.Derive("jos\u00e9", traj)
	require.NoError(t, err)
	decomposed, err := a.Derive("jose\u0301", traj)
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
}

func TestDeriveErrors(t *testing.T) {
	a := newAnchor(t, 4)

	_, err := a.Derive("op", nil)
	assert.True(t, errors.Is(err, ir.ErrEmptyTrajectory))

	_, err = a.Derive("op", testutil.StableTrajectory(3, 2))
	assert.True(t, errors.Is(err, ir.ErrDimensionMismatch))

	bad := testutil.StableTrajectory(4, 3)
	bad[2].Vector = bad[2].Vector[:2]
	_, err = a.Derive("op", bad)
	require.True(t, errors.Is(err, ir.ErrDimensionMismatch))
	var e *ir.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "2", e.Details["index"])

	first := testutil.StableTrajectory(4, 2)
	first[0].Kind = ir.KindUpdate
	_, err = a.Derive("op", first)
	assert.True(t, errors.Is(err, ir.ErrInvalidGenesis))

	repeated := testutil.StableTrajectory(4, 3)
	repeated[2].Timestamp = repeated[1].Timestamp
	_, err = a.Derive("op", repeated)
	require.True(t, errors.Is(err, ir.ErrInvalidObservation))
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "2", e.Details["index"])

	backwards := testutil.StableTrajectory(4, 3)
	backwards[1].Timestamp = ir.FixedFromInt(5)
	_, err = a.Derive("op", backwards)
	assert.True(t, errors.Is(err, ir.ErrInvalidObservation))

	huge := testutil.StableTrajectory(4, 1)
	huge[0].Vector[0] = ir.MaxFixed + 1
	_, err = a.Derive("op", huge)
	assert.True(t, errors.Is(err, ir.ErrInvalidObservation))
}

func TestNewRejectsNonPositiveDimension(t *testing.T) {
	_, err := New(0)
	assert.Error(t, err)
}

func TestWithMethod(t *testing.T) {
	a, err := New(2, WithMethod("shield"))
	require.NoError(t, err)
	id, err := a.Derive("op", testutil.StableTrajectory(2, 1))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id.DID, "did:shield:"))
	assert.Equal(t, "shield", a.Method())
}

func TestVerifyDID(t *testing.T) {
	a := newAnchor(t, 2)
	id, err := a.Derive("op", testutil.StableTrajectory(2, 1))
	require.NoError(t, err)

	assert.True(t, VerifyDID(id.DID, DefaultMethod, id.Fingerprint, "op"))
	assert.False(t, VerifyDID(id.DID, DefaultMethod, id.Fingerprint, "someone-else"))
	assert.False(t, VerifyDID(id.DID, "other", id.Fingerprint, "op"))
}

func TestFingerprintRoundTripAndEqual(t *testing.T) {
	a := newAnchor(t, 2)
	id, err := a.Derive("op", testutil.StableTrajectory(2, 1))
	require.NoError(t, err)

	parsed, err := ParseFingerprint(id.Fingerprint.String())
	require.NoError(t, err)
	assert.True(t, parsed.Equal(id.Fingerprint))

	parsed[0] ^= 0xff
	assert.False(t, parsed.Equal(id.Fingerprint))

	_, err = ParseFingerprint("abcd")
	assert.Error(t, err)
	_, err = ParseFingerprint("zz")
	assert.Error(t, err)
}

func TestAnchorVectorIsBoundedAndStable(t *testing.T) {
	a := newAnchor(t, 8)
	id, err := a.Derive("op", testutil.StableTrajectory(8, 1))
	require.NoError(t, err)

	v1 := AnchorVector(id.Fingerprint, 8)
	v2 := AnchorVector(id.Fingerprint, 8)
	assert.Equal(t, v1, v2)
	for _, c := range v1 {
		assert.True(t, c >= -(1<<30) && c < 1<<30)
	}
	assert.Equal(t, v1[:4], AnchorVector(id.Fingerprint, 4))
}

func TestKeySeedIsPurposeBound(t *testing.T) {
	var fp Fingerprint
	assert.Equal(t, KeySeed(fp, "signing"), KeySeed(fp, "signing"))
	assert.NotEqual(t, KeySeed(fp, "signing"), KeySeed(fp, "encryption"))
}
