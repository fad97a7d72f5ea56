package ir

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleNode() Node {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return Node{
		ID:          "node-1",
		DID:         "did:axiom:00ff",
		OperatorID:  "op",
		Fingerprint: "abcd",
		Balance:     MustParseFixed("10.5"),
		Stage:       StageRegistered,
		CreatedAt:   at,
		UpdatedAt:   at,
		Trajectory: []Observation{
			{Timestamp: 0, Vector: []Fixed{FixedScale, -FixedScale}, Kind: KindGenesis},
			{Timestamp: FixedScale, Vector: []Fixed{0, 0}, Kind: KindUpdate, Metadata: map[string]string{"src": "gps"}},
		},
	}
}

func TestMarshalPayloadIsCanonicalAndDecodes(t *testing.T) {
	n := sampleNode()
	d := Decision{NodeID: n.ID, To: StageRegistered, Outcome: OutcomePass, Actor: ActorSystem}

	data, err := MarshalPayload(d, n)
	require.NoError(t, err)

	again, err := MarshalPayload(d, n.Clone())
	require.NoError(t, err)
	assert.Equal(t, data, again)
	assert.Contains(t, string(data), `"balance":"10.5"`)
	assert.NotContains(t, string(data), `"from"`)

	p, err := UnmarshalPayload(data)
	require.NoError(t, err)
	assert.Equal(t, StageRegistered, p.Decision.To)
	assert.Equal(t, n.Balance, p.Node.Balance)
	assert.True(t, n.CreatedAt.Equal(p.Node.CreatedAt))
	require.Len(t, p.Node.Trajectory, 2)
	assert.Equal(t, n.Trajectory[1].Metadata, p.Node.Trajectory[1].Metadata)
	assert.Equal(t, n.Trajectory[0].Vector, p.Node.Trajectory[0].Vector)
}

func TestMarshalPayloadOmitsTrajectoryAfterRegistration(t *testing.T) {
	n := sampleNode()
	n.Stage = StageReviewed
	n.Review = &ReviewTicket{
		ID:       "t-1",
		Reviewer: "alice",
		OpenedAt: n.CreatedAt,
		Deadline: n.CreatedAt.Add(time.Minute),
	}
	d := Decision{
		NodeID:   n.ID,
		From:     StageValidated,
		To:       StageReviewed,
		Outcome:  OutcomePass,
		Actor:    ActorSystem,
		Evidence: map[string]string{"reviewer": "alice"},
	}

	data, err := MarshalPayload(d, n)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"trajectory"`)

	p, err := UnmarshalPayload(data)
	require.NoError(t, err)
	require.NotNil(t, p.Node.Review)
	assert.Equal(t, "alice", p.Node.Review.Reviewer)
	assert.Equal(t, StageValidated, p.Decision.From)
	assert.Equal(t, "alice", p.Decision.Evidence["reviewer"])
}

func TestUnmarshalPayloadRejectsUnknownStage(t *testing.T) {
	_, err := UnmarshalPayload([]byte(`{"decision":{"to":"LIMBO"},"node":{}}`))
	assert.Error(t, err)
}

func TestMarshalPayloadCarriesStageEntriesAndAppendedObservations(t *testing.T) {
	n := sampleNode()
	n.Stage = StageValidated
	n.StageTimestamps = map[Stage]time.Time{
		StageRegistered: n.CreatedAt,
		StageValidated:  n.CreatedAt.Add(time.Second),
	}
	appended := []Observation{{Timestamp: 2 * FixedScale, Vector: []Fixed{0, FixedScale}, Kind: KindUpdate}}
	n.Trajectory = append(n.Trajectory, appended...)
	d := Decision{
		NodeID:       n.ID,
		From:         StageValidated,
		To:           StageValidated,
		Outcome:      OutcomePass,
		Actor:        ActorSystem,
		Observations: appended,
	}

	data, err := MarshalPayload(d, n)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"stage_timestamps":{"REGISTERED":"2026-01-02T03:04:05Z","VALIDATED":"2026-01-02T03:04:06Z"}`)

	p, err := UnmarshalPayload(data)
	require.NoError(t, err)
	assert.Nil(t, p.Node.Trajectory, "only appended observations are carried")
	assert.Equal(t, appended, p.Decision.Observations)
	require.Len(t, p.Node.StageTimestamps, 2)
	assert.True(t, n.StageTimestamps[StageValidated].Equal(p.Node.StageTimestamps[StageValidated]))
}
