package texture

import (
	"fmt"
	"image"
	"image/draw"

	"github.com/anthonynsimon/bild/imgio"
	_ "golang.org/x/image/webp" // register WebP for image.Decode
)

// Asset is the overlay texture. It is immutable once created.
type Asset struct {
	img *image.RGBA
}

// NewAsset wraps img, converting it to premultiplied RGBA once.
// A nil image yields an empty asset.
func NewAsset(img image.Image) *Asset {
	if img == nil {
		return &Asset{}
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return &Asset{img: rgba}
}

// Load decodes the texture at path (PNG, JPEG or WebP).
func Load(path string) (*Asset, error) {
	img, err := imgio.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load texture %s: %w", path, err)
	}
	return NewAsset(img), nil
}

// Image returns the texture raster, or nil for an empty asset.
func (a *Asset) Image() *image.RGBA {
	if a == nil {
		return nil
	}
	return a.img
}

// Width returns the texture width in pixels.
func (a *Asset) Width() int {
	if a.Empty() {
		return 0
	}
	return a.img.Rect.Dx()
}

// Height returns the texture height in pixels.
func (a *Asset) Height() int {
	if a.Empty() {
		return 0
	}
	return a.img.Rect.Dy()
}

// Empty reports whether the asset has no drawable pixels.
func (a *Asset) Empty() bool {
	return a == nil || a.img == nil || a.img.Rect.Empty()
}
