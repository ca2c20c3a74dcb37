package audio

import "context"

// SourceKind selects which capture devices feed a session.
type SourceKind string

const (
	SourceMicrophone       SourceKind = "microphone"
	SourceMicrophoneSystem SourceKind = "microphone_system"
	SourceWearable         SourceKind = "wearable"
)

// Valid reports whether k is a known source kind.
func (k SourceKind) Valid() bool {
	switch k {
	case SourceMicrophone, SourceMicrophoneSystem, SourceWearable:
		return true
	}
	return false
}

// Channels returns how many recognizer channels the source feeds. Wearable
// audio is mono duplicated onto both channels.
func (k SourceKind) Channels() int {
	if k == SourceMicrophone {
		return 1
	}
	return 2
}

// ChunkFunc receives 16-bit little-endian mono PCM.
type ChunkFunc func(pcm []byte)

// LevelFunc receives a normalised 0..1 level.
type LevelFunc func(level float64)

// Provider is one capture device.
type Provider interface {
	Name() string
	StartCapture(onChunk ChunkFunc, onLevel LevelFunc) error
	StopCapture()
}

// DeviceNamer is implemented by providers that can report the active input device.
type DeviceNamer interface {
	DeviceName() string
}

// PermissionChecker reports whether the OS granted capture permission.
type PermissionChecker interface {
	Granted() bool
}

// ButtonState is a wearable button gesture.
type ButtonState int

const (
	ButtonSingleTap ButtonState = 1
	ButtonDoubleTap ButtonState = 2
	ButtonLongPress ButtonState = 3
)

func (s ButtonState) String() string {
	switch s {
	case ButtonSingleTap:
		return "single_tap"
	case ButtonDoubleTap:
		return "double_tap"
	case ButtonLongPress:
		return "long_press"
	default:
		return "unknown"
	}
}

// Wearable is a Bluetooth (or bridged) device that also reports button gestures.
type Wearable interface {
	Provider
	Connected() bool
	// Buttons streams gestures until ctx is done or the device disconnects.
	Buttons(ctx context.Context) <-chan ButtonState
}

// PermissionFunc adapts a function to PermissionChecker.
type PermissionFunc func() bool

func (f PermissionFunc) Granted() bool { return f() }
