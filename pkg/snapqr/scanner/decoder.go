package scanner

import (
	"errors"
	"fmt"
	"image"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
)

// ErrNotFound is returned by a Decoder when the image holds no code. It is
// the expected outcome for most frames.
var ErrNotFound = errors.New("scanner: no code found")

// Point is a location reported by the decoder, in frame pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Detection is a successfully decoded code.
type Detection struct {
	Text   string
	Points []Point
}

// Decoder converts an image into decoded text.
type Decoder interface {
	Decode(img image.Image) (*Detection, error)

	// Reset drops any state kept between Decode calls.
	Reset()
}

// QRDecoder decodes QR codes with gozxing.
type QRDecoder struct {
	reader gozxing.Reader
	hints  map[gozxing.DecodeHintType]interface{}
}

// NewQRDecoder creates a QR decoder. tryHarder trades speed for accuracy on
// small or skewed codes.
func NewQRDecoder(tryHarder bool) *QRDecoder {
	hints := make(map[gozxing.DecodeHintType]interface{})
	if tryHarder {
		hints[gozxing.DecodeHintType_TRY_HARDER] = true
	}

	return &QRDecoder{
		reader: qrcode.NewQRCodeReader(),
		hints:  hints,
	}
}

// Decode implements Decoder.
func (d *QRDecoder) Decode(img image.Image) (*Detection, error) {
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return nil, fmt.Errorf("prepare bitmap: %w", err)
	}

	result, err := d.reader.Decode(bmp, d.hints)
	if err != nil {
		var notFound gozxing.NotFoundException
		if errors.As(err, &notFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("decode qr code: %w", err)
	}

	detection := &Detection{Text: result.GetText()}
	for _, p := range result.GetResultPoints() {
		detection.Points = append(detection.Points, Point{X: p.GetX(), Y: p.GetY()})
	}

	return detection, nil
}

// Reset implements Decoder.
func (d *QRDecoder) Reset() {
	d.reader.Reset()
}
