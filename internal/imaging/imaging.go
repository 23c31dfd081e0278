// Package imaging decodes uploaded images and normalizes them to the input
// shape the verification model expects.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"

	"golang.org/x/image/draw"
)

// TargetWidth and TargetHeight are the fixed dimensions the verification
// model expects.
const (
	TargetWidth  = 224
	TargetHeight = 224
)

const jpegQuality = 90

// DecodeError reports that uploaded bytes could not be decoded as an image.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	if e == nil || e.Err == nil {
		return "failed to decode image"
	}
	return fmt.Sprintf("failed to decode image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Decode sniffs the format from the byte stream and decodes PNG or JPEG
// content. The filename plays no part in detection. On success the decoded
// image and format name are returned; every failure is a *DecodeError, and
// a nil image is never returned without one.
func Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", &DecodeError{Err: errors.New("empty image data")}
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", &DecodeError{Err: err}
	}
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, "", &DecodeError{Err: errors.New("decoded image is empty")}
	}
	return img, format, nil
}

// Resize scales img to the given dimensions on a fresh RGBA canvas using
// Catmull-Rom interpolation.
func Resize(img image.Image, width, height int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return dst
}

// Encode writes img in the named format, as reported by Decode.
func Encode(w io.Writer, img image.Image, format string) error {
	switch format {
	case "jpeg":
		return jpeg.Encode(w, img, &jpeg.Options{Quality: jpegQuality})
	case "png":
		return png.Encode(w, img)
	default:
		return fmt.Errorf("unsupported image format %q", format)
	}
}

// Stage decodes the upload, resizes it to the model's target dimensions,
// and writes it to a uniquely named temp_* file in the process working
// directory. The caller owns removal of the returned path.
func Stage(data []byte) (string, error) {
	img, format, err := Decode(data)
	if err != nil {
		return "", err
	}
	resized := Resize(img, TargetWidth, TargetHeight)

	ext := ".jpg"
	if format == "png" {
		ext = ".png"
	}
	tmp, err := os.CreateTemp(".", "temp_*"+ext)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if err := Encode(tmp, resized, format); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return tmp.Name(), nil
}
