package types

import "errors"

var (
	ErrTransientConnectivity = errors.New("transient connectivity failure")
	ErrCheckpointStale       = errors.New("checkpoint no longer present in replication log")
	ErrPartialBatchFailure   = errors.New("bulk mutation reported item failures")
	ErrAttachmentOverflow    = errors.New("attachment exceeds tracking limits")
	ErrTargetUnavailable     = errors.New("target index unavailable")
	ErrAuthentication        = errors.New("authentication failed")
	ErrTargetGone            = errors.New("target index permanently gone")
)

// IsFatal reports whether err must stop the coordinator.
func IsFatal(err error) bool {
	return errors.Is(err, ErrCheckpointStale) ||
		errors.Is(err, ErrAuthentication) ||
		errors.Is(err, ErrTargetGone)
}
