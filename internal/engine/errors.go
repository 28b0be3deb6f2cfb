package engine

import (
	"errors"

	"github.com/netguard/netguard/internal/backend"
)

// Sentinel errors forming the packet-plane error taxonomy (spec.md §7),
// comparable with errors.Is. BackendUnavailable and CaptureTransient
// alias internal/backend's own sentinels rather than redeclaring them,
// since the backend is where those conditions actually originate.
var (
	// ErrBackendUnavailable means the capture driver itself could not be
	// opened (missing interface, missing kernel support). Insufficient
	// privileges are reported separately as backend.ErrPermissionDenied.
	ErrBackendUnavailable = backend.ErrBackendUnavailable

	// ErrCaptureTransient means a single Recv() call failed but the
	// capture loop should retry without tearing anything down.
	ErrCaptureTransient = backend.ErrInterrupted

	// ErrCaptureFatal means the capture loop hit an unrecoverable error
	// and the engine transitioned to Faulted; only Stop() can clear it.
	ErrCaptureFatal = errors.New("engine: capture fatal")

	// ErrLimiterOverflow means a packet was dropped because its pid's
	// throttle queue was full (spec.md §4.4 tail-drop policy).
	ErrLimiterOverflow = errors.New("engine: limiter queue overflow")

	// ErrConfigRejected means a command argument violates a rule the
	// engine never allows, independent of current state — e.g. targeting
	// pid 0, the synthetic unresolved-flow bucket (spec.md §9: "pid 0 is
	// explicitly excluded from rule-based operations").
	ErrConfigRejected = errors.New("engine: configuration rejected")

	// ErrResolverStale means the Process-Endpoint Resolver hasn't
	// refreshed its mapping recently enough to be trusted for a
	// rule-based operation (spec.md §4.2).
	ErrResolverStale = errors.New("engine: resolver mapping stale")
)
