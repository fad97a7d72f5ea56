package gate

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/roach88/shield/internal/anchor"
	"github.com/roach88/shield/internal/ir"
)

// routingPurpose selects the identity key seed that keys canary routing.
const routingPurpose = "canary-routing"

// CanarySample is the traffic observed for one node during its canary
// window.
type CanarySample struct {
	Requests int64 `json:"requests"`
	Failures int64 `json:"failures"`
}

// ErrorRate returns Failures/Requests, or 0 for an empty sample.
func (s CanarySample) ErrorRate() ir.Fixed {
	if s.Requests <= 0 {
		return 0
	}
	return ir.Ratio(s.Failures, s.Requests)
}

// CanaryTraffic routes a fraction of requests to canary nodes and
// accumulates their outcomes. It is safe for concurrent use.
type CanaryTraffic struct {
	mu       sync.Mutex
	fraction ir.Fixed
	samples  map[string]CanarySample
}

// NewCanaryTraffic creates a router sending the given fraction (0..1) of
// requests to each canary node.
func NewCanaryTraffic(fraction ir.Fixed) *CanaryTraffic {
	return &CanaryTraffic{
		fraction: fraction,
		samples:  make(map[string]CanarySample),
	}
}

// Routed reports whether the request identified by requestKey belongs to
// the canary fraction of node. The split is a BLAKE3 hash keyed by the
// node's identity key seed, so the same request is always routed the same
// way and another node sees an independent split. A node without a valid
// fingerprint receives no canary traffic.
func (c *CanaryTraffic) Routed(node ir.Node, requestKey string) bool {
	fp, err := anchor.ParseFingerprint(node.Fingerprint)
	if err != nil {
		return false
	}
	key := anchor.KeySeed(fp, routingPurpose)
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("gate: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	h.Write([]byte(requestKey))
	sum := h.Sum(nil)
	bucket := binary.BigEndian.Uint64(sum[:8]) % uint64(ir.FixedScale)
	return ir.Fixed(bucket) < c.fraction
}

// Observe records the outcome of a request if it is routed to the canary.
// It reports whether the request was counted.
func (c *CanaryTraffic) Observe(node ir.Node, requestKey string, failed bool) bool {
	if !c.Routed(node, requestKey) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.samples[node.ID]
	if s.Requests == math.MaxInt64 {
		return false
	}
	s.Requests++
	if failed {
		s.Failures++
	}
	c.samples[node.ID] = s
	return true
}

// Aggregate adds pre-aggregated counts, for traffic that was routed
// elsewhere. A batch that would overflow the accumulated counts is
// rejected and leaves the sample unchanged.
func (c *CanaryTraffic) Aggregate(nodeID string, requests, failures int64) error {
	if requests < 0 || failures < 0 || failures > requests {
		return fmt.Errorf("canary: invalid sample requests=%d failures=%d", requests, failures)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.samples[nodeID]
	if requests > math.MaxInt64-s.Requests {
		return fmt.Errorf("canary: %d more requests overflow the %d already counted", requests, s.Requests)
	}
	s.Requests += requests
	s.Failures += failures
	c.samples[nodeID] = s
	return nil
}

// Sample returns the accumulated sample for nodeID.
func (c *CanaryTraffic) Sample(nodeID string) CanarySample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.samples[nodeID]
}

// Reset drops the sample for nodeID.
func (c *CanaryTraffic) Reset(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.samples, nodeID)
}

// Set replaces the sample for nodeID, as when persisted signals are
// reloaded.
func (c *CanaryTraffic) Set(nodeID string, s CanarySample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples[nodeID] = s
}
