// Package imagery defines the image and mask data model shared by the
// pool, store and segmentation strategies.
package imagery

import (
	"image"
	"path"
	"strings"
	"time"
)

// Key uniquely identifies a source image within the project tree.
type Key struct {
	Experiment string
	Date       string
	Filename   string
}

// String returns the key as a relative path, Experiment/Date/Filename.
func (k Key) String() string {
	return path.Join(k.Experiment, k.Date, k.Filename)
}

// Method identifies how a mask was generated.
type Method string

const (
	MethodManual    Method = "manual"
	MethodThreshold Method = "threshold"
	MethodMarkerSAM Method = "marker-sam"
	MethodAutoSAM   Method = "auto-sam"
	MethodUnknown   Method = "unknown"
)

// Marker is a user-placed point prompt. Foreground markers indicate the
// object of interest, background markers indicate regions to exclude.
// Markers are ephemeral strategy input and are never persisted.
type Marker struct {
	X          int
	Y          int
	Foreground bool
}

// ForegroundThreshold is the fixed pixel value at or above which a mask
// pixel counts as foreground.
const ForegroundThreshold = 128

// MaskRecord is a single-channel raster aligned 1:1 with its source image.
type MaskRecord struct {
	Mask       *image.Gray
	Regions    int
	Method     Method
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// Bounds returns the mask raster bounds.
func (m *MaskRecord) Bounds() image.Rectangle {
	return m.Mask.Bounds()
}

// ForegroundPixels counts mask pixels at or above the foreground threshold.
func (m *MaskRecord) ForegroundPixels() int {
	return CountForeground(m.Mask)
}

// HasForeground reports whether the mask selects at least one pixel.
func (m *MaskRecord) HasForeground() bool {
	return m.ForegroundPixels() > 0
}

// CountForeground counts pixels at or above the foreground threshold.
func CountForeground(mask *image.Gray) int {
	if mask == nil {
		return 0
	}
	count := 0
	for _, v := range mask.Pix {
		if v >= ForegroundThreshold {
			count++
		}
	}
	return count
}

// EmptyMask returns an all-background mask record of the given size.
func EmptyMask(width, height int, method Method) *MaskRecord {
	now := time.Now()
	return &MaskRecord{
		Mask:       image.NewGray(image.Rect(0, 0, width, height)),
		Regions:    0,
		Method:     method,
		CreatedAt:  now,
		ModifiedAt: now,
	}
}

// imageExtensions is the set of accepted raster file extensions.
var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
}

// IsImageFile reports whether the filename has an accepted raster extension.
func IsImageFile(name string) bool {
	return imageExtensions[strings.ToLower(path.Ext(name))]
}
