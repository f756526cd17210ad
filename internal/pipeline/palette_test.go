package pipeline

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"photoforge/internal/domain"
)

func solidPNG(t *testing.T, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestExtractPaletteDominantColor(t *testing.T) {
	data := solidPNG(t, color.RGBA{R: 0xff, A: 0xff})
	palette := ExtractPalette(data, 3)
	if len(palette) != 1 {
		t.Fatalf("palette = %v, want single color", palette)
	}
	if palette[0] != "#ff0000" {
		t.Errorf("palette[0] = %s, want #ff0000", palette[0])
	}
}

func TestExtractPaletteGarbageInput(t *testing.T) {
	if p := ExtractPalette([]byte("not an image"), 3); p != nil {
		t.Errorf("palette = %v, want nil for undecodable data", p)
	}
}

func TestAggregatePaletteOrderAndDedup(t *testing.T) {
	images := map[string]domain.ProcessedImage{
		"front": {Palette: []string{"#ff0000", "#00ff00"}},
		"back":  {Palette: []string{"#ff0000", "#0000ff"}},
	}
	got := AggregatePalette(images, 5)
	want := []string{"#ff0000", "#00ff00", "#0000ff"}
	if len(got) != len(want) {
		t.Fatalf("palette = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("palette[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}
