package stream

import (
	"fmt"
)

// ImageType identifies one image stream of the stereo device.
type ImageType int

const (
	ImageLeftColor ImageType = iota
	ImageRightColor
	ImageDepth

	imageTypeCount
)

// ImageTypes lists every valid ImageType in a stable order.
var ImageTypes = []ImageType{ImageLeftColor, ImageRightColor, ImageDepth}

func (t ImageType) Valid() bool {
	return t >= 0 && t < imageTypeCount
}

func (t ImageType) String() string {
	switch t {
	case ImageLeftColor:
		return "left_color"
	case ImageRightColor:
		return "right_color"
	case ImageDepth:
		return "depth"
	default:
		return fmt.Sprintf("image(%d)", int(t))
	}
}

func (t ImageType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// ParseImageType is the inverse of ImageType.String.
func ParseImageType(s string) (ImageType, bool) {
	for _, t := range ImageTypes {
		if t.String() == s {
			return t, true
		}
	}
	return 0, false
}

// Category is the kind of data carried by a channel.
type Category int

const (
	CategoryImageStream Category = iota
	CategoryImageInfo
	CategoryMotion
)

func (c Category) String() string {
	switch c {
	case CategoryImageStream:
		return "stream"
	case CategoryImageInfo:
		return "info"
	case CategoryMotion:
		return "motion"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// ChannelID names a logical, independently configurable data path. Image is
// only meaningful for CategoryImageStream and must be zero otherwise.
type ChannelID struct {
	Category Category
	Image    ImageType
}

var (
	// ImageInfo is the channel carrying per-frame image metadata.
	ImageInfo = ChannelID{Category: CategoryImageInfo}
	// Motion is the channel carrying inertial samples.
	Motion = ChannelID{Category: CategoryMotion}
)

// ImageStream returns the channel of the given image type.
func ImageStream(t ImageType) ChannelID {
	return ChannelID{Category: CategoryImageStream, Image: t}
}

// Valid reports whether the id names an existing channel.
func (id ChannelID) Valid() bool {
	switch id.Category {
	case CategoryImageStream:
		return id.Image.Valid()
	case CategoryImageInfo, CategoryMotion:
		return id.Image == 0
	default:
		return false
	}
}

func (id ChannelID) String() string {
	if id.Category == CategoryImageStream {
		return "stream/" + id.Image.String()
	}
	return id.Category.String()
}

func (id ChannelID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// ParseChannelID parses the form produced by ChannelID.String.
func ParseChannelID(s string) (ChannelID, bool) {
	switch s {
	case "info":
		return ImageInfo, true
	case "motion":
		return Motion, true
	}
	const prefix = "stream/"
	if len(s) > len(prefix) && s[:len(prefix)] == prefix {
		if t, ok := ParseImageType(s[len(prefix):]); ok {
			return ImageStream(t), true
		}
	}
	return ChannelID{}, false
}

// Channels lists every valid channel id.
func Channels() []ChannelID {
	ids := make([]ChannelID, 0, len(ImageTypes)+2)
	for _, t := range ImageTypes {
		ids = append(ids, ImageStream(t))
	}
	return append(ids, ImageInfo, Motion)
}
