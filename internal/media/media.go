// media.go holds MIME detection and the processed-image type shared by
// the optimizer.
package media

import (
	"github.com/gabriel-vasile/mimetype"
)

// Inbound photos are reduced to these bounds before they reach the
// agent's scratchpad.
const (
	MaxDimension = 2000            // Max width or height in pixels
	MaxBytes     = 5 * 1024 * 1024 // 5MB max file size
	MinQuality   = 35              // Minimum JPEG quality to try
	MaxQuality   = 85              // Starting JPEG quality
)

// Supported image MIME types for optimization
var SupportedMIMETypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// ImageData represents a processed image
type ImageData struct {
	Data     []byte // Raw image bytes
	MimeType string // MIME type (e.g., "image/jpeg")
	Width    int    // Width in pixels
	Height   int    // Height in pixels
}

// Size returns the size in bytes
func (img *ImageData) Size() int {
	return len(img.Data)
}

// IsWithinLimits returns true if the image meets the optimization bounds
func (img *ImageData) IsWithinLimits() bool {
	return img.Width <= MaxDimension &&
		img.Height <= MaxDimension &&
		len(img.Data) <= MaxBytes
}

// DetectMIME returns the MIME type from magic bytes (not file extension)
func DetectMIME(data []byte) string {
	return mimetype.Detect(data).String()
}

// DetectMIMEFile returns the MIME type of a file on disk.
func DetectMIMEFile(path string) string {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "application/octet-stream"
	}
	return mt.String()
}

// IsSupported returns true if the MIME type can be optimized
func IsSupported(mimeType string) bool {
	return SupportedMIMETypes[mimeType]
}
