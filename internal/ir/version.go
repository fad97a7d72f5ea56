package ir

// Version constants recorded in ledger exports.
const (
	// PayloadVersion is the proof payload schema version.
	PayloadVersion = "1"

	// EngineVersion is the shield engine version.
	EngineVersion = "0.1.0"
)
