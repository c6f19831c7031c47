package encode

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"

	"github.com/gen2brain/webp"
)

// DecodeImage decodes one rendered tile back into an image.Image, for
// serve-time re-encoding and the bundle verifier's round-trip checks.
// Supported formats: "png", "terrarium" (elevation-encoded PNG), "jpeg"/
// "jpg", "webp".
func DecodeImage(data []byte, format string) (image.Image, error) {
	r := bytes.NewReader(data)
	switch format {
	case "png", "terrarium":
		return png.Decode(r)
	case "jpeg", "jpg":
		return jpeg.Decode(r)
	case "webp":
		return decodeWebP(r)
	default:
		return nil, fmt.Errorf("encode: unsupported decode format: %q", format)
	}
}

// decodeWebP decodes a WebP tile via the pure-Go gen2brain/webp codec,
// kept separate from DecodeImage so a CGO libwebp path can slot in later
// without touching the format dispatch above.
func decodeWebP(r io.Reader) (image.Image, error) {
	return webp.Decode(r)
}
