package pipeline

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"sort"

	"photoforge/internal/domain"
)

const maxPaletteColors = 5

// ExtractPalette returns the dominant colors of an encoded image as hex
// strings, most frequent first. Pixels are sampled on a coarse grid and
// quantized to 4 bits per channel so near-identical shades collapse into one
// bucket. Undecodable data yields an empty palette rather than an error;
// palettes are advisory.
func ExtractPalette(data []byte, max int) []string {
	if max <= 0 {
		max = maxPaletteColors
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil
	}
	bounds := img.Bounds()
	stepX := bounds.Dx() / 64
	if stepX < 1 {
		stepX = 1
	}
	stepY := bounds.Dy() / 64
	if stepY < 1 {
		stepY = 1
	}

	counts := map[uint32]int{}
	for y := bounds.Min.Y; y < bounds.Max.Y; y += stepY {
		for x := bounds.Min.X; x < bounds.Max.X; x += stepX {
			r, g, b, a := img.At(x, y).RGBA()
			if a < 0x8000 {
				continue
			}
			// 4 bits per channel.
			key := (r >> 12 << 8) | (g >> 12 << 4) | (b >> 12)
			counts[key]++
		}
	}
	if len(counts) == 0 {
		return nil
	}

	type bucket struct {
		key   uint32
		count int
	}
	buckets := make([]bucket, 0, len(counts))
	for k, c := range counts {
		buckets = append(buckets, bucket{k, c})
	}
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].count != buckets[j].count {
			return buckets[i].count > buckets[j].count
		}
		return buckets[i].key < buckets[j].key
	})
	if len(buckets) > max {
		buckets = buckets[:max]
	}

	out := make([]string, 0, len(buckets))
	for _, b := range buckets {
		r := (b.key >> 8 & 0xf) * 17
		g := (b.key >> 4 & 0xf) * 17
		bl := (b.key & 0xf) * 17
		out = append(out, fmt.Sprintf("#%02x%02x%02x", r, g, bl))
	}
	return out
}

// AggregatePalette merges per-angle palettes in canonical angle order,
// deduplicated, capped at max colors.
func AggregatePalette(images map[string]domain.ProcessedImage, max int) []string {
	if max <= 0 {
		max = maxPaletteColors
	}
	seen := map[string]bool{}
	var out []string
	for _, angle := range domain.MeshAngles {
		img, ok := images[angle]
		if !ok {
			continue
		}
		for _, c := range img.Palette {
			if seen[c] || len(out) >= max {
				continue
			}
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}
