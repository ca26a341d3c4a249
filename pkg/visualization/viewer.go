// Package visualization renders quick-look previews of processed volumes.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"flairstar/internal/models"
	"flairstar/pkg/errors"
	"flairstar/pkg/logging"
)

// Viewer cuts 2D slices out of a volume and stores them as JPEG images.
// Intensities are windowed once over the whole volume so that previews of
// different slices are comparable.
type Viewer struct {
	// volume holds the samples, slice axis last
	volume *models.Volume

	// low and high bound the display window
	low  float64
	high float64

	// Quality is the JPEG quality used by SaveSlice
	Quality int

	logger zerolog.Logger
}

// NewViewer creates a viewer windowed on the volume's full intensity range
func NewViewer(vol *models.Volume) *Viewer {
	low, high := vol.MinMax()
	return &Viewer{
		volume:  vol,
		low:     low,
		high:    high,
		Quality: 90,
		logger:  logging.GetLogger("visualization"),
	}
}

// SetWindow overrides the display window. Samples at or below low render
// black, samples at or above high render white.
func (v *Viewer) SetWindow(low, high float64) {
	v.low, v.high = low, high
}

// gray maps one sample into the display window.
func (v *Viewer) gray(value float64) color.Gray {
	if v.high <= v.low || math.IsNaN(value) {
		return color.Gray{}
	}
	t := (value - v.low) / (v.high - v.low)
	return color.Gray{Y: uint8(math.Max(0, math.Min(255, t*255)))}
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, errors.New(errors.ErrInvalidInput, "position must be non-negative")
	}

	vol := v.volume
	var img *image.Gray

	switch axis {
	case "x", "X":
		// YZ plane
		if position >= vol.Width {
			return nil, errors.Newf(errors.ErrInvalidInput, "position %d exceeds width %d", position, vol.Width)
		}
		img = image.NewGray(image.Rect(0, 0, vol.Depth, vol.Height))
		for y := 0; y < vol.Height; y++ {
			for z := 0; z < vol.Depth; z++ {
				img.SetGray(z, y, v.gray(vol.At(position, y, z)))
			}
		}

	case "y", "Y":
		// XZ plane
		if position >= vol.Height {
			return nil, errors.Newf(errors.ErrInvalidInput, "position %d exceeds height %d", position, vol.Height)
		}
		img = image.NewGray(image.Rect(0, 0, vol.Width, vol.Depth))
		for z := 0; z < vol.Depth; z++ {
			for x := 0; x < vol.Width; x++ {
				img.SetGray(x, z, v.gray(vol.At(x, position, z)))
			}
		}

	case "z", "Z":
		// XY plane
		if position >= vol.Depth {
			return nil, errors.Newf(errors.ErrInvalidInput, "position %d exceeds depth %d", position, vol.Depth)
		}
		img = image.NewGray(image.Rect(0, 0, vol.Width, vol.Height))
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				img.SetGray(x, y, v.gray(vol.At(x, y, position)))
			}
		}

	default:
		return nil, errors.Newf(errors.ErrInvalidInput, "invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return errors.Wrap(err, errors.ErrIO, "error creating preview")
	}
	defer file.Close()

	if err := jpeg.Encode(file, img, &jpeg.Options{Quality: v.Quality}); err != nil {
		return errors.Wrap(err, errors.ErrIO, "error encoding preview")
	}
	return nil
}

// SaveSliceSequence extracts and saves every slice along the specified axis.
// It returns the number of images written.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) (int, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return 0, errors.Wrap(err, errors.ErrIO, "error creating preview directory")
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.volume.Width
	case "y", "Y":
		maxPos = v.volume.Height
	case "z", "Z":
		maxPos = v.volume.Depth
	default:
		return 0, errors.Newf(errors.ErrInvalidInput, "invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return pos, err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return pos, err
		}
	}

	v.logger.Info().Str("axis", axis).Int("images", maxPos).Str("dir", outputDir).Msg("Saved previews")
	return maxPos, nil
}
