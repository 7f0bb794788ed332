// Package provider adapts image translation requests to a backing
// provider, normalizing images on the way in and classifying failures on
// the way out so the key rotator can react appropriately.
package provider

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	_ "image/gif"
	_ "image/png"

	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrorClass buckets provider failures the way the key rotator needs to
// react to them: quota/rate exhaustion disables a credential briefly,
// auth failure disables it for much longer, everything else is merely
// transient.
type ErrorClass string

const (
	ErrorQuotaOrRate ErrorClass = "QUOTA_OR_RATE"
	ErrorAuth        ErrorClass = "AUTH"
	ErrorTransient   ErrorClass = "TRANSIENT"
)

// MaxLongestSide is the longest-edge pixel bound images are downscaled to
// before being handed to a provider.
const MaxLongestSide = 2048

// Error wraps a provider failure with its class.
type Error struct {
	Class ErrorClass
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("provider: %s: %v", e.Class, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Classify returns the ErrorClass of err, defaulting to TRANSIENT when err
// isn't a provider Error.
func Classify(err error) ErrorClass {
	var pe *Error
	if ok := asError(err, &pe); ok {
		return pe.Class
	}
	return ErrorTransient
}

func asError(err error, target **Error) bool {
	for err != nil {
		if pe, ok := err.(*Error); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Credential is the minimal shape an Adapter needs from a selected
// credential — just enough to authenticate a single call.
type Credential struct {
	ID     string
	APIKey string
}

// Adapter is a single operation: translate normalized image bytes into
// text using the given credential and prompt. Adapters receive
// already-decoded, RGB-normalized, downscaled image bytes — decoding and
// normalization happens in NormalizeImage before the adapter ever sees
// the payload.
type Adapter interface {
	Translate(ctx context.Context, cred Credential, imageBytes []byte, prompt string) (text string, tokensUsed int64, err error)
}

// NormalizeImage decodes an arbitrary supported image format, converts it
// to RGB against a white background (flattening any alpha/palette), and
// resamples it down to MaxLongestSide on its longest edge using a
// high-quality filter, re-encoding as JPEG for a compact, provider-ready
// payload.
func NormalizeImage(raw []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}

	rgb := flattenToRGB(img)
	resized := downscale(rgb, MaxLongestSide)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encoding normalized image: %w", err)
	}
	return buf.Bytes(), nil
}

// flattenToRGB converts any source image (RGBA, paletted, grayscale with
// alpha, etc.) into an opaque RGB image composited against white.
func flattenToRGB(src image.Image) *image.RGBA {
	bounds := src.Bounds()
	dst := image.NewRGBA(bounds)
	draw.Draw(dst, bounds, &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, bounds, src, bounds.Min, draw.Over)
	return dst
}

// downscale resamples img so its longest edge is at most maxSide, using a
// Catmull-Rom filter for quality. Images already within bounds are
// returned unchanged.
func downscale(img *image.RGBA, maxSide int) image.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	longest := w
	if h > longest {
		longest = h
	}
	if longest <= maxSide {
		return img
	}

	scale := float64(maxSide) / float64(longest)
	newW := int(float64(w) * scale)
	newH := int(float64(h) * scale)
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, xdraw.Over, nil)
	return dst
}
