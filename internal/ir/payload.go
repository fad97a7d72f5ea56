package ir

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the decoded body of a proof record: the decision that caused
// the transition and the node as it stood after the transition.
type Payload struct {
	Decision Decision `json:"decision"`
	Node     Node     `json:"node"`
}

// MarshalPayload encodes a decision and post-transition node snapshot as
// canonical JSON. The full trajectory is embedded only in the registration
// record; later records carry just the observations they append.
func MarshalPayload(d Decision, n Node) ([]byte, error) {
	node := IRObject{
		"id":          IRString(n.ID),
		"did":         IRString(n.DID),
		"operator_id": IRString(n.OperatorID),
		"fingerprint": IRString(n.Fingerprint),
		"balance":     IRString(n.Balance.String()),
		"stage":       IRString(n.Stage),
		"final":       IRBool(n.Final),
		"created_at":  IRString(formatTime(n.CreatedAt)),
		"updated_at":  IRString(formatTime(n.UpdatedAt)),
	}
	if !n.CanaryUntil.IsZero() {
		node["canary_until"] = IRString(formatTime(n.CanaryUntil))
	}
	if n.Review != nil {
		node["review"] = reviewObject(n.Review)
	}
	if len(n.StageTimestamps) > 0 {
		entered := make(IRObject, len(n.StageTimestamps))
		for st, at := range n.StageTimestamps {
			entered[string(st)] = IRString(formatTime(at))
		}
		node["stage_timestamps"] = entered
	}
	if d.From == "" && d.To == StageRegistered {
		node["trajectory"] = observationArray(n.Trajectory)
	}

	dec := IRObject{
		"node_id": IRString(d.NodeID),
		"to":      IRString(d.To),
		"outcome": IRString(d.Outcome),
		"actor":   IRString(d.Actor),
	}
	if d.From != "" {
		dec["from"] = IRString(d.From)
	}
	if d.Code != "" {
		dec["code"] = IRString(d.Code)
	}
	if d.Reason != "" {
		dec["reason"] = IRString(d.Reason)
	}
	if len(d.Evidence) > 0 {
		dec["evidence"] = StringMap(d.Evidence)
	}
	if d.Final {
		dec["final"] = IRBool(true)
	}
	if len(d.Observations) > 0 {
		dec["observations"] = observationArray(d.Observations)
	}

	data, err := MarshalCanonical(IRObject{"decision": dec, "node": node})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}

// UnmarshalPayload decodes a payload produced by MarshalPayload.
func UnmarshalPayload(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if !p.Decision.To.Valid() {
		return Payload{}, fmt.Errorf("unmarshal payload: unknown stage %q", p.Decision.To)
	}
	return p, nil
}

func reviewObject(r *ReviewTicket) IRObject {
	obj := IRObject{
		"id":        IRString(r.ID),
		"opened_at": IRString(formatTime(r.OpenedAt)),
		"deadline":  IRString(formatTime(r.Deadline)),
	}
	if r.Reviewer != "" {
		obj["reviewer"] = IRString(r.Reviewer)
	}
	if r.Decision != nil {
		dec := IRObject{
			"approve":    IRBool(r.Decision.Approve),
			"reviewer":   IRString(r.Decision.Reviewer),
			"decided_at": IRString(formatTime(r.Decision.DecidedAt)),
		}
		if r.Decision.Reason != "" {
			dec["reason"] = IRString(r.Decision.Reason)
		}
		obj["decision"] = dec
	}
	return obj
}

func observationArray(obs []Observation) IRArray {
	arr := make(IRArray, len(obs))
	for i, o := range obs {
		arr[i] = observationObject(o)
	}
	return arr
}

func observationObject(o Observation) IRObject {
	obj := IRObject{
		"timestamp": IRString(o.Timestamp.String()),
		"vector":    FixedArray(o.Vector),
		"kind":      IRString(o.Kind),
	}
	if len(o.Metadata) > 0 {
		obj["metadata"] = StringMap(o.Metadata)
	}
	return obj
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
