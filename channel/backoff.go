// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import "time"

// BackoffPolicy computes the delay before reconnect attempt number
// attempt (1-based). The attempt counter resets to zero whenever a
// connection is established, so each outage starts the policy over.
type BackoffPolicy func(attempt int) time.Duration

// agentBackoffCap bounds the agent-side reconnect delay.
const agentBackoffCap = 30 * time.Second

// AgentBackoff is the agent-side policy: attempt² seconds, capped at
// 30s. The agent favors not hammering the relay — hundreds of agents
// reconnecting after a hub restart must spread out quickly.
func AgentBackoff(attempt int) time.Duration {
	delay := time.Duration(attempt) * time.Duration(attempt) * time.Second
	if delay > agentBackoffCap || delay <= 0 {
		return agentBackoffCap
	}
	return delay
}

// viewerBackoffDelay is the constant viewer-side reconnect delay.
const viewerBackoffDelay = 2 * time.Second

// ViewerBackoff is the viewer-side policy: a constant short delay.
// The viewer favors low perceived latency — a person is watching the
// screen waiting for the session to come back.
func ViewerBackoff(int) time.Duration {
	return viewerBackoffDelay
}
