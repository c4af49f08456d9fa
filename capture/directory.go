package capture

import (
	"bytes"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nvr-ai/go-detbus/pipeline"
	"github.com/pkg/errors"
)

// ImageFile is one image in a directory source.
type ImageFile struct {
	// Path is the path to the image file.
	Path string
	// Frame is the frame number parsed from a frame-N name, or the position
	// in name order.
	Frame int
}

// ListImageFiles lists the images in a directory, ordered by frame number.
// Files named frame-N.ext are ordered by N, everything else by name after them.
//
// Arguments:
//   - dir: Directory path containing image files.
//
// Returns:
//   - []ImageFile: The images.
//   - error: Error if the directory cannot be read.
func ListImageFiles(dir string) ([]ImageFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", dir)
	}

	var numbered, named []ImageFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		switch ext {
		case ".jpg", ".jpeg", ".png":
		default:
			continue
		}

		file := ImageFile{Path: filepath.Join(dir, entry.Name())}
		stem := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		if n, err := strconv.Atoi(strings.TrimPrefix(stem, "frame-")); err == nil {
			file.Frame = n
			numbered = append(numbered, file)
		} else {
			named = append(named, file)
		}
	}

	sort.SliceStable(numbered, func(i, j int) bool {
		return numbered[i].Frame < numbered[j].Frame
	})
	// ReadDir returns entries sorted by name.
	next := 0
	if len(numbered) > 0 {
		next = numbered[len(numbered)-1].Frame
	}
	for i := range named {
		next++
		named[i].Frame = next
	}

	return append(numbered, named...), nil
}

// Directory replays the images in a directory once. It implements
// pipeline.FrameSource.
type Directory struct {
	files []ImageFile
	pos   int
}

// OpenDirectory lists a directory of images.
//
// Arguments:
//   - dir: The directory.
//
// Returns:
//   - *Directory: The source.
//   - error: An error if the directory cannot be read or holds no images.
func OpenDirectory(dir string) (*Directory, error) {
	files, err := ListImageFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.Errorf("no images in %s", dir)
	}
	return &Directory{files: files}, nil
}

// Next implements pipeline.FrameSource.
func (d *Directory) Next() (pipeline.Frame, error) {
	if d.pos >= len(d.files) {
		return pipeline.Frame{}, pipeline.ErrEndOfStream
	}
	file := d.files[d.pos]
	d.pos++

	data, err := os.ReadFile(file.Path)
	if err != nil {
		return pipeline.Frame{}, errors.Wrapf(err, "read %s", file.Path)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return pipeline.Frame{}, errors.Wrapf(err, "decode %s", file.Path)
	}
	return pipeline.Frame{ID: file.Frame, Image: img, Timestamp: time.Now()}, nil
}

// Close implements pipeline.FrameSource.
func (d *Directory) Close() error {
	d.pos = len(d.files)
	return nil
}
