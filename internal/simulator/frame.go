package simulator

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"math/rand/v2"
)

// Frame dimensions.
const (
	frameWidth  = 160
	frameHeight = 120
	frameStars  = 40
)

// Frame renders a synthetic star field JPEG. The same index always yields
// the same field, shifted slightly per index to mimic dithering.
func Frame(index int) []byte {
	img := image.NewGray(image.Rect(0, 0, frameWidth, frameHeight))
	rng := rand.New(rand.NewPCG(0x5eed, 0xa57))
	shift := index % 5
	for y := 0; y < frameHeight; y++ {
		for x := 0; x < frameWidth; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(8 + (x+y)%6)})
		}
	}
	for i := 0; i < frameStars; i++ {
		cx := (rng.IntN(frameWidth) + shift) % frameWidth
		cy := (rng.IntN(frameHeight) + shift) % frameHeight
		peak := uint8(120 + rng.IntN(135))
		drawStar(img, cx, cy, peak)
	}

	var buf bytes.Buffer
	// Encoding into a bytes.Buffer cannot fail for a valid image.
	_ = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80})
	return buf.Bytes()
}

func drawStar(img *image.Gray, cx, cy int, peak uint8) {
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			x, y := cx+dx, cy+dy
			if !(image.Point{X: x, Y: y}.In(img.Rect)) {
				continue
			}
			v := peak
			if dx != 0 || dy != 0 {
				v = peak / 3
			}
			if v > img.GrayAt(x, y).Y {
				img.SetGray(x, y, color.Gray{Y: v})
			}
		}
	}
}
