//go:build !cgo

package encode

import (
	"fmt"
	"image"
)

const webpCGOAvailable = false

// newWebPEncoder without CGO falls back to none — the pure-Go gen2brain/webp
// codec this package uses for DecodeImage's "webp" case only decodes, so a
// CGO_ENABLED=0 build can read bundles containing WebP tiles but cannot
// produce them; WriterOptions callers needing WebP output must build with
// libwebp available.
func newWebPEncoder(quality int) (Encoder, error) {
	return nil, fmt.Errorf("encode: native libwebp encoder requires CGO (install libwebp-dev and build with CGO_ENABLED=1)")
}

// DecodeWebP (the native-libwebp path) is unavailable without CGO; decodeWebP
// in decode.go's DecodeImage("webp") case covers decoding regardless.
func DecodeWebP(data []byte) (image.Image, error) {
	return nil, fmt.Errorf("encode: native libwebp decoder requires CGO (install libwebp-dev and build with CGO_ENABLED=1)")
}

func imageToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			rgba.Set(x, y, img.At(x, y))
		}
	}
	return rgba
}
