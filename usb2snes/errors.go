package usb2snes

import "errors"

// Every public operation either returns a value or fails wrapping exactly
// one of these sentinels; callers branch with errors.Is.
var (
	// ErrConnection means the channel closed or errored. Fatal to the
	// session; the caller must reconnect.
	ErrConnection = errors.New("connection closed")

	// ErrTimeout means no frame arrived within the deadline. The session
	// is suspect after a blocking-wrapper timeout and refuses further
	// commands until reconnected.
	ErrTimeout = errors.New("timed out")

	// ErrTransferIncomplete means a byte-count mismatch on an upload or
	// download. Retry the whole transfer, never a partial range.
	ErrTransferIncomplete = errors.New("transfer incomplete")

	// ErrVerification means the post-upload existence check failed.
	ErrVerification = errors.New("upload verification failed")

	// ErrDirectory means the destination directory could not be confirmed
	// or created; the transfer was never attempted.
	ErrDirectory = errors.New("destination directory unavailable")

	// ErrNotFound means the path does not exist on the device.
	ErrNotFound = errors.New("path not found")

	// ErrProtocol means a malformed or unexpected reply shape.
	ErrProtocol = errors.New("unexpected reply")

	// ErrNoDevice means DeviceList returned nothing to attach to.
	ErrNoDevice = errors.New("no device found")

	// ErrNotAttached means the operation needs an attached device.
	ErrNotAttached = errors.New("not attached to a device")
)
