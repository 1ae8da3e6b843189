// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by Invoke when the channel is not in the
// Connected state. The channel never queues invokes — a caller that
// needs delivery must wait for connection explicitly before invoking.
var ErrNotConnected = errors.New("channel: not connected")

// ErrStopped is returned by Connect when the channel was stopped
// before the initial connection succeeded.
var ErrStopped = errors.New("channel: stopped")

// RemoteError reports an application-level failure returned by the
// remote end of an invoke. Transport failures never surface this way;
// they appear as ErrNotConnected while the reconnect machine runs.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("channel: remote error from %s: %s", e.Method, e.Message)
}
