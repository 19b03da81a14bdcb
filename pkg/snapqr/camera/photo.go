package camera

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chai2010/webp"
	"github.com/google/uuid"
	"golang.org/x/image/draw"
)

// PhotoFormat is the encoding of a captured still.
type PhotoFormat string

const (
	FormatJPEG PhotoFormat = "jpeg"
	FormatWebP PhotoFormat = "webp"

	// DefaultQuality is the fixed encoder quality for captures.
	DefaultQuality = 80
)

// ParsePhotoFormat converts a config value into a PhotoFormat.
func ParsePhotoFormat(s string) (PhotoFormat, error) {
	switch PhotoFormat(strings.ToLower(strings.TrimSpace(s))) {
	case FormatJPEG, "jpg", "":
		return FormatJPEG, nil
	case FormatWebP:
		return FormatWebP, nil
	}
	return "", fmt.Errorf("unknown photo format %q", s)
}

// Extension returns the file extension used for downloads.
func (f PhotoFormat) Extension() string {
	if f == FormatWebP {
		return "webp"
	}
	return "jpg"
}

// ContentType returns the MIME type of the format.
func (f PhotoFormat) ContentType() string {
	if f == FormatWebP {
		return "image/webp"
	}
	return "image/jpeg"
}

// Photo is a single captured still. It is held in memory only, until the
// caller clears or saves it.
type Photo struct {
	ID      string      `json:"id"`
	Data    []byte      `json:"-"`
	Format  PhotoFormat `json:"format"`
	Width   int         `json:"width"`
	Height  int         `json:"height"`
	TakenAt time.Time   `json:"taken_at"`
}

// Filename encodes the capture time, e.g. photo_1700000000000.jpg.
func (p *Photo) Filename() string {
	return fmt.Sprintf("photo_%d.%s", p.TakenAt.UnixMilli(), p.Format.Extension())
}

// ContentType returns the MIME type of the encoded data.
func (p *Photo) ContentType() string {
	return p.Format.ContentType()
}

// DataURL returns the photo as a data: URL.
func (p *Photo) DataURL() string {
	return "data:" + p.ContentType() + ";base64," + base64.StdEncoding.EncodeToString(p.Data)
}

// Save writes the photo into dir under Filename and returns the full path.
func (p *Photo) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return "", fmt.Errorf("ensure photo directory (%s): %w", dir, err)
	}

	path := filepath.Join(dir, p.Filename())
	if err := os.WriteFile(path, p.Data, 0644); err != nil {
		return "", fmt.Errorf("write photo: %w", err)
	}

	return path, nil
}

// encodePhoto renders img at size (scaling when it differs from the image
// bounds) and encodes it.
func encodePhoto(img image.Image, size Resolution, format PhotoFormat, quality int) (*Photo, error) {
	bounds := img.Bounds()
	if bounds.Dx() != size.Width || bounds.Dy() != size.Height {
		dst := image.NewRGBA(image.Rect(0, 0, size.Width, size.Height))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
		img = dst
	}

	var buf bytes.Buffer
	switch format {
	case FormatWebP:
		if err := webp.Encode(&buf, img, &webp.Options{Quality: float32(quality)}); err != nil {
			return nil, fmt.Errorf("encode webp: %w", err)
		}
	default:
		format = FormatJPEG
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	}

	return &Photo{
		ID:      uuid.NewString(),
		Data:    buf.Bytes(),
		Format:  format,
		Width:   size.Width,
		Height:  size.Height,
		TakenAt: time.Now(),
	}, nil
}
