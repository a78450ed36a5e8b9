package delivery

import (
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"path/filepath"
	"strings"
)

// ImageInfo describes an image payload. Every field is optional and is
// passed through to the receiver in img_meta.
type ImageInfo struct {
	Format string
	Width  int
	Height int
}

// DetectImage reads the image header from src. Formats the standard decoders
// do not know fall back to the file extension of name with no dimensions.
func DetectImage(src io.ReaderAt, size int64, name string) ImageInfo {
	cfg, format, err := image.DecodeConfig(io.NewSectionReader(src, 0, size))
	if err == nil {
		return ImageInfo{Format: format, Width: cfg.Width, Height: cfg.Height}
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	if ext == "jpg" {
		ext = "jpeg"
	}
	return ImageInfo{Format: ext}
}

// metadata is the side-metadata carried by chunk 0.
func (i ImageInfo) metadata(totalSize int64, compressed bool) map[string]any {
	format := i.Format
	if format == "" {
		format = "unknown"
	}
	m := map[string]any{
		"image_format":        format,
		"total_size":          totalSize,
		"compression_enabled": compressed,
	}
	if i.Width > 0 && i.Height > 0 {
		m["width"] = i.Width
		m["height"] = i.Height
	}
	return m
}
