package capture

import (
	"fmt"

	"gocv.io/x/gocv"

	"stereocam/stream"
)

func matType(f stream.PixelFormat) (gocv.MatType, error) {
	switch f {
	case stream.FormatGray8:
		return gocv.MatTypeCV8UC1, nil
	case stream.FormatBGR24:
		return gocv.MatTypeCV8UC3, nil
	case stream.FormatDepth16:
		return gocv.MatTypeCV16UC1, nil
	}
	return 0, fmt.Errorf("unsupported pixel format %v", f)
}

func pixelFormat(t gocv.MatType) (stream.PixelFormat, error) {
	switch t {
	case gocv.MatTypeCV8UC1:
		return stream.FormatGray8, nil
	case gocv.MatTypeCV8UC3:
		return stream.FormatBGR24, nil
	case gocv.MatTypeCV16UC1:
		return stream.FormatDepth16, nil
	}
	return 0, fmt.Errorf("unsupported mat type %v", t)
}

// ToMat copies img into a new Mat. The caller closes it.
func ToMat(img *stream.Image) (gocv.Mat, error) {
	mt, err := matType(img.Format)
	if err != nil {
		return gocv.Mat{}, err
	}
	if want := img.Width * img.Height * img.Format.BytesPerPixel(); len(img.Data) != want {
		return gocv.Mat{}, fmt.Errorf("image data is %d bytes, want %d", len(img.Data), want)
	}
	return gocv.NewMatFromBytes(img.Height, img.Width, mt, img.Data)
}

// FromMat copies m into an Image. m may be a non-continuous region.
func FromMat(m gocv.Mat) (*stream.Image, error) {
	format, err := pixelFormat(m.Type())
	if err != nil {
		return nil, err
	}
	c := m.Clone()
	defer c.Close()
	return &stream.Image{
		Width:  c.Cols(),
		Height: c.Rows(),
		Format: format,
		Data:   c.ToBytes(),
	}, nil
}

// EncodeJPEG renders img as a JPEG. Depth images are scaled to 8 bits first.
func EncodeJPEG(img *stream.Image) ([]byte, error) {
	m, err := ToMat(img)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	enc := m
	if img.Format == stream.FormatDepth16 {
		scaled := gocv.NewMat()
		defer scaled.Close()
		m.ConvertToWithParams(&scaled, gocv.MatTypeCV8UC1, 1.0/256, 0)
		enc = scaled
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, enc)
	if err != nil {
		return nil, err
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}
