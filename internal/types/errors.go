package types

import (
	"errors"
	"fmt"
)

var (
	// ErrNoFaceDetected means no face met the confidence threshold. It is transient.
	ErrNoFaceDetected = errors.New("no face detected")
	// ErrUnavailable means a category could not be anchored from the available landmarks.
	ErrUnavailable = errors.New("anchor unavailable")
)

// DeviceError reports that the camera became unavailable. It is fatal for the render loop.
type DeviceError struct {
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("camera %s unavailable", e.Device)
	}
	return fmt.Sprintf("camera %s unavailable: %v", e.Device, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// IsDeviceError reports whether err wraps a DeviceError.
func IsDeviceError(err error) bool {
	var de *DeviceError
	return errors.As(err, &de)
}
