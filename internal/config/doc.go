// Package config holds the single explicit configuration struct.
//
// Files are YAML or JSONC. Before decoding, the raw document is unified
// with a closed CUE definition (schema.cue), so an unrecognized option is
// reported as INVALID_CONFIG instead of being ignored. Decoding itself uses
// yaml.v3 with KnownFields enabled, and decimal options decode straight
// into fixed-point values without passing through float64.
package config
