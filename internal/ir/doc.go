// Package ir provides the foundation types shared by every shield package:
// fixed-point numbers, observations and nodes, gate decisions, proof
// records, RFC 8785 canonical JSON and domain-separated hashing.
//
// All other internal packages import ir; ir imports nothing internal.
//
// Key constraints:
//   - NO float types anywhere. Quantities are Fixed (scaled int64).
//   - Hashed content is always canonical JSON.
//   - All JSON tags use snake_case.
package ir
