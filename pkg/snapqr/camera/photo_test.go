package camera

import (
	"encoding/base64"
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhotoFilenameEncodesCaptureTime(t *testing.T) {
	p := &Photo{Format: FormatJPEG, TakenAt: time.UnixMilli(1700000000123)}
	assert.Equal(t, "photo_1700000000123.jpg", p.Filename())

	p.Format = FormatWebP
	assert.Equal(t, "photo_1700000000123.webp", p.Filename())
	assert.Equal(t, "image/webp", p.ContentType())
}

func TestPhotoSaveWritesIntoDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "photos")
	p := &Photo{Data: []byte("jpeg bytes"), Format: FormatJPEG, TakenAt: time.Now()}

	path, err := p.Save(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, p.Filename()), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, p.Data, data)
}

func TestPhotoDataURL(t *testing.T) {
	p := &Photo{Data: []byte{1, 2, 3}, Format: FormatJPEG}

	url := p.DataURL()
	require.True(t, strings.HasPrefix(url, "data:image/jpeg;base64,"))

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(url, "data:image/jpeg;base64,"))
	require.NoError(t, err)
	assert.Equal(t, p.Data, decoded)
}

func TestEncodePhotoScalesToRequestedSize(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 40, 30))

	photo, err := encodePhoto(img, Resolution{Width: 20, Height: 15}, FormatJPEG, DefaultQuality)
	require.NoError(t, err)
	assert.Equal(t, 20, photo.Width)
	assert.Equal(t, 15, photo.Height)
	assert.NotEmpty(t, photo.ID)

	decoded, _, err := image.DecodeConfig(strings.NewReader(string(photo.Data)))
	require.NoError(t, err)
	assert.Equal(t, 20, decoded.Width)
}

func TestParsePhotoFormat(t *testing.T) {
	f, err := ParsePhotoFormat("JPG")
	require.NoError(t, err)
	assert.Equal(t, FormatJPEG, f)

	f, err = ParsePhotoFormat("webp")
	require.NoError(t, err)
	assert.Equal(t, FormatWebP, f)

	_, err = ParsePhotoFormat("png")
	assert.Error(t, err)
}

func TestParseFacingMode(t *testing.T) {
	f, err := ParseFacingMode("User")
	require.NoError(t, err)
	assert.Equal(t, FacingUser, f)
	assert.Equal(t, FacingEnvironment, f.Opposite())

	f, err = ParseFacingMode("")
	require.NoError(t, err)
	assert.Equal(t, FacingEnvironment, f)

	_, err = ParseFacingMode("left")
	assert.Error(t, err)
}
