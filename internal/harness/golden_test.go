package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_Canonical(t *testing.T) {
	r := NewResult()
	r.Trace = []TraceEvent{
		{Type: EventStep, Seq: 0, Action: ActionWait},
		{Type: EventRecord, Seq: 7, Operator: "alice", From: "ACTIVE", To: "ACTIVE", Outcome: "PASS", Actor: "SYSTEM", Final: true},
	}

	data, err := Snapshot("snap", r)
	require.NoError(t, err)
	assert.Equal(t,
		`{"scenario_name":"snap","trace":[{"action":"wait","seq":0,"type":"step"},`+
			`{"actor":"SYSTEM","final":true,"from":"ACTIVE","operator":"alice","outcome":"PASS","seq":7,"to":"ACTIVE","type":"record"}]}`,
		string(data))
}

func TestSnapshot_EmptyTrace(t *testing.T) {
	data, err := Snapshot("empty", NewResult())
	require.NoError(t, err)
	assert.Equal(t, `{"scenario_name":"empty","trace":[]}`, string(data))
}
