package capture

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/nvr-ai/go-detbus/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, dir, name string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	f, err := os.Create(filepath.Join(dir, name))
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestListImageFilesOrdersByFrame(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, dir, "frame-10.png", 4, 4)
	writePNG(t, dir, "frame-2.png", 4, 4)
	writePNG(t, dir, "snapshot.png", 4, 4)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o700))

	files, err := ListImageFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 3)

	assert.Equal(t, 2, files[0].Frame)
	assert.Equal(t, 10, files[1].Frame)
	assert.Equal(t, 11, files[2].Frame)
	assert.Equal(t, "snapshot.png", filepath.Base(files[2].Path))
}

func TestDirectorySource(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, dir, "frame-1.png", 8, 6)
	writePNG(t, dir, "frame-2.png", 8, 6)

	src, err := OpenDirectory(dir)
	require.NoError(t, err)

	for want := 1; want <= 2; want++ {
		frame, err := src.Next()
		require.NoError(t, err)
		assert.Equal(t, want, frame.ID)
		assert.Equal(t, image.Rect(0, 0, 8, 6), frame.Image.Bounds())
		assert.False(t, frame.Timestamp.IsZero())
	}

	_, err = src.Next()
	assert.ErrorIs(t, err, pipeline.ErrEndOfStream)
	require.NoError(t, src.Close())
}

func TestDirectorySourceErrors(t *testing.T) {
	_, err := OpenDirectory(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	_, err = OpenDirectory(t.TempDir())
	assert.Error(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "frame-1.jpg"), []byte("not an image"), 0o600))
	src, err := OpenDirectory(dir)
	require.NoError(t, err)
	_, err = src.Next()
	assert.Error(t, err)
	assert.NotErrorIs(t, err, pipeline.ErrEndOfStream)
}

func TestOpenCameraMissingVideo(t *testing.T) {
	_, err := OpenCamera(CameraConfig{Video: filepath.Join(t.TempDir(), "missing.mp4")}, nil)
	assert.Error(t, err)
}
