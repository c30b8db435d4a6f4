package visualization

import (
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/tiff"

	"niftiview/pkg/volume"
	"niftiview/pkg/windowing"
)

// ImageFormat selects the encoding used when exporting slices.
type ImageFormat string

const (
	JPEG ImageFormat = "jpeg"
	TIFF ImageFormat = "tiff"
)

// ParseImageFormat accepts "jpeg", "jpg", "tiff" or "tif".
func ParseImageFormat(s string) (ImageFormat, error) {
	switch strings.ToLower(s) {
	case "jpeg", "jpg":
		return JPEG, nil
	case "tiff", "tif":
		return TIFF, nil
	}
	return "", fmt.Errorf("invalid image format: %s (must be jpeg or tiff)", s)
}

// Ext returns the file extension for the format, including the dot.
func (f ImageFormat) Ext() string {
	if f == TIFF {
		return ".tif"
	}
	return ".jpg"
}

// Viewer gives offline access to a decoded volume: slicing, region
// extraction and exporting slice images to disk.
type Viewer struct {
	vol *volume.Volume

	// Format and Quality control SaveSlice; Quality only applies to JPEG.
	Format  ImageFormat
	Quality int

	// Rescale applies the header's scl_slope and scl_inter before slices
	// are windowed.
	Rescale bool
}

// NewViewer creates a viewer over vol exporting JPEG at quality 90.
func NewViewer(vol *volume.Volume) *Viewer {
	return &Viewer{vol: vol, Format: JPEG, Quality: 90}
}

// Volume returns the volume being viewed.
func (v *Viewer) Volume() *volume.Volume {
	return v.vol
}

// ExtractSlice extracts a 2D slice from the volume along plane.
func (v *Viewer) ExtractSlice(plane volume.Plane, index int) (*Slice, error) {
	return ExtractSlice(v.vol, plane, index)
}

// ExtractRegion extracts a 3D subregion from the volume, returned x-fastest
// like the source buffer.
func (v *Viewer) ExtractRegion(startX, startY, startZ, sizeX, sizeY, sizeZ int) ([]float64, error) {
	if startX < 0 || startY < 0 || startZ < 0 {
		return nil, &volume.RangeError{Op: "region", Detail: "start coordinates must be non-negative"}
	}
	if sizeX <= 0 || sizeY <= 0 || sizeZ <= 0 {
		return nil, &volume.RangeError{Op: "region", Detail: "size dimensions must be positive"}
	}
	nx, ny, nz := v.vol.Header.Dims[0], v.vol.Header.Dims[1], v.vol.Header.Dims[2]
	if startX+sizeX > nx || startY+sizeY > ny || startZ+sizeZ > nz {
		return nil, &volume.RangeError{Op: "region", Detail: "region extends beyond volume boundaries"}
	}

	region := make([]float64, sizeX*sizeY*sizeZ)
	for z := 0; z < sizeZ; z++ {
		for y := 0; y < sizeY; y++ {
			src := (startZ+z)*nx*ny + (startY+y)*nx + startX
			dst := z*sizeX*sizeY + y*sizeX
			for x := 0; x < sizeX; x++ {
				region[dst+x] = v.vol.Voxels.At(src + x)
			}
		}
	}
	return region, nil
}

// RegionVolume is ExtractRegion returned as a float64 volume that keeps the
// source spacing and intensity scaling, so it can be sliced and exported like
// the original.
func (v *Viewer) RegionVolume(startX, startY, startZ, sizeX, sizeY, sizeZ int) (*volume.Volume, error) {
	region, err := v.ExtractRegion(startX, startY, startZ, sizeX, sizeY, sizeZ)
	if err != nil {
		return nil, err
	}
	h := v.vol.Header
	h.Dims = [3]int{sizeX, sizeY, sizeZ}
	h.Datatype = volume.DTFloat64
	h.Frames = 1
	h.VoxOffset = 0
	return volume.New(h, volume.Wrap(region), v.vol.Filename)
}

// SaveSlice encodes img to filename in the viewer's format.
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}

	switch v.Format {
	case TIFF:
		err = tiff.Encode(file, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		err = jpeg.Encode(file, img, &jpeg.Options{Quality: v.Quality})
	}
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	return err
}

// SaveSliceSequence renders every slice along plane with setting and writes
// them to outputDir as slice_<plane>_NNN.<ext>.
func (v *Viewer) SaveSliceSequence(plane volume.Plane, outputDir string, setting *windowing.Setting) error {
	if !plane.Valid() {
		return fmt.Errorf("invalid plane: %s", plane)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var buf []float64
	for pos := 0; pos < v.vol.SliceCount(plane); pos++ {
		s, err := ExtractSliceInto(buf, v.vol, plane, pos)
		if err != nil {
			return err
		}
		buf = s.Data
		if v.Rescale {
			s.Rescale(v.vol.Header)
		}

		img, err := s.Render(setting)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d%s", plane, pos, v.Format.Ext()))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}
	return nil
}
