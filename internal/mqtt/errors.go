package mqtt

import "errors"

// Sentinel errors
var (
	ErrConnectionFailed = errors.New("mqtt connection failed")
	ErrNotConnected     = errors.New("mqtt not connected")
)
