// ABOUTME: Sentinel errors for bus operations.
// ABOUTME: Timeouts are surfaced as ErrTimeout and never retried here.

package bus

import (
	"errors"
	"fmt"

	"github.com/2389/runtime-gateway/internal/message"
)

// ErrTimeout indicates no reply arrived within the request bound.
var ErrTimeout = fmt.Errorf("bus %w", message.ErrTimeout)

// ErrNotStarted indicates the component was used before Start.
var ErrNotStarted = errors.New("bus component not started")

// ErrKeyNotFound indicates the key does not exist or has expired.
var ErrKeyNotFound = errors.New("key not found")
