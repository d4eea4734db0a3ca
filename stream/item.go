// Package stream defines the channels of a stereo camera and the items that
// flow through them. Items are immutable once produced: consumers receive
// them by value and must not modify the pixel buffers they reference.
package stream

// PixelFormat describes the layout of Image.Data.
type PixelFormat int

const (
	FormatGray8 PixelFormat = iota
	FormatBGR24
	FormatDepth16
)

// BytesPerPixel returns the pixel stride for the format.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case FormatBGR24:
		return 3
	case FormatDepth16:
		return 2
	default:
		return 1
	}
}

func (f PixelFormat) String() string {
	switch f {
	case FormatGray8:
		return "gray8"
	case FormatBGR24:
		return "bgr24"
	case FormatDepth16:
		return "depth16"
	default:
		return "unknown"
	}
}

func (f PixelFormat) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// Image is one decoded frame.
type Image struct {
	Width, Height int
	Format        PixelFormat
	Data          []byte
}

// InfoItem is per-frame metadata reported by the device alongside images.
type InfoItem struct {
	FrameID uint32
	// Timestamp is in device clock microseconds.
	Timestamp    uint64
	ExposureTime uint16
}

// StreamItem is one frame of one image stream.
type StreamItem struct {
	Type      ImageType
	FrameID   uint32
	Timestamp uint64
	Image     *Image

	// Info is set when image info synchronization is enabled and a matching
	// InfoItem was found within the pairing window.
	Info *InfoItem
}

// Paired reports whether the item carries its image info.
func (s StreamItem) Paired() bool {
	return s.Info != nil
}

// MotionFlag tells which sensors a MotionItem carries.
type MotionFlag int

const (
	MotionAccel MotionFlag = 1 << iota
	MotionGyro

	MotionAll = MotionAccel | MotionGyro
)

// MotionItem is one inertial sample.
type MotionItem struct {
	Flag      MotionFlag
	Timestamp uint64
	// Accel is in g, Gyro in deg/s, Temperature in degrees Celsius.
	Accel       [3]float64
	Gyro        [3]float64
	Temperature float64
}
