package imagex

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/HugoSmits86/nativewebp"
	"github.com/nfnt/resize"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp" // registers the WebP decoder
)

// ErrUnsupportedFormat is returned when an output extension has no encoder.
var ErrUnsupportedFormat = errors.New("unsupported output format")

// JPEGQuality is used for .jpg/.jpeg output.
const JPEGQuality = 95

// Open reads and decodes an image file. PNG, JPEG, BMP, TIFF and WebP are recognised.
func Open(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

// Decode decodes any registered format from b.
func Decode(b []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(b))
	return img, err
}

// EncodePNG is the wire format between the engine and the inference worker; it keeps alpha.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CheckFormat returns ErrUnsupportedFormat, with a hint, if Encode cannot write path.
func CheckFormat(path string) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".png", ".jpg", ".jpeg", ".bmp", ".tif", ".tiff", ".webp":
		return nil
	default:
		return fmt.Errorf("%w %q (try --format png)", ErrUnsupportedFormat, ext)
	}
}

// CanEncode reports whether Encode supports the extension of path.
func CanEncode(path string) bool { return CheckFormat(path) == nil }

// Encode writes img in the format implied by the extension of path.
//
// JPEG and BMP cannot carry an alpha channel, so the cut-out is flattened onto white
// for those formats. WebP is written lossless, alpha included.
func Encode(w io.Writer, img image.Image, path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return png.Encode(w, img)
	case ".jpg", ".jpeg":
		return jpeg.Encode(w, Flatten(img, color.White), &jpeg.Options{Quality: JPEGQuality})
	case ".bmp":
		return bmp.Encode(w, Flatten(img, color.White))
	case ".tif", ".tiff":
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	case ".webp":
		return nativewebp.Encode(w, img, nil)
	default:
		return CheckFormat(path)
	}
}

// Flatten composites img over an opaque background colour.
func Flatten(img image.Image, bg color.Color) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(bg), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}

// ResizeWithinMax scales img so its longest edge is at most maxSize, keeping aspect ratio.
// Images already small enough are returned unchanged.
func ResizeWithinMax(img image.Image, maxSize int) image.Image {
	if maxSize <= 0 {
		return img
	}
	w := img.Bounds().Dx()
	h := img.Bounds().Dy()
	if max(w, h) <= maxSize {
		return img
	}

	if w >= h {
		return resize.Resize(uint(maxSize), 0, img, resize.Lanczos3)
	}
	return resize.Resize(0, uint(maxSize), img, resize.Lanczos3)
}
