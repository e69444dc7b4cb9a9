package enhance

import (
	"image"
	"math"
	"runtime"
	"sync"
)

// Bilateral smooths img while keeping edges. Neighbours within a disc of the
// given diameter are weighted by spatial distance and by the L1 colour
// distance to the centre pixel. Borders replicate the edge pixels; alpha is
// copied through unchanged.
func Bilateral(img *image.NRGBA, diameter int, sigmaColor, sigmaSpace float64) *image.NRGBA {
	b := img.Bounds()
	dst := image.NewNRGBA(b)
	if b.Empty() {
		return dst
	}

	if sigmaColor <= 0 {
		sigmaColor = 1
	}
	if sigmaSpace <= 0 {
		sigmaSpace = 1
	}
	radius := diameter / 2
	if diameter <= 0 {
		radius = int(math.Round(sigmaSpace * 1.5))
	}
	if radius < 1 {
		copy(dst.Pix, img.Pix)
		return dst
	}

	type tap struct {
		dx, dy int
		w      float64
	}
	var taps []tap
	spaceCoeff := -0.5 / (sigmaSpace * sigmaSpace)
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			r2 := float64(dx*dx + dy*dy)
			if math.Sqrt(r2) > float64(radius) {
				continue
			}
			taps = append(taps, tap{dx: dx, dy: dy, w: math.Exp(r2 * spaceCoeff)})
		}
	}

	colorCoeff := -0.5 / (sigmaColor * sigmaColor)
	colorWeight := make([]float64, 3*255+1)
	for i := range colorWeight {
		colorWeight[i] = math.Exp(float64(i*i) * colorCoeff)
	}

	w, h := b.Dx(), b.Dy()
	pixel := func(x, y int) []uint8 {
		x = clampInt(x, 0, w-1)
		y = clampInt(y, 0, h-1)
		i := y*img.Stride + x*4
		return img.Pix[i : i+4 : i+4]
	}

	rows := make(chan int, h)
	for y := 0; y < h; y++ {
		rows <- y
	}
	close(rows)

	var wg sync.WaitGroup
	for n := 0; n < runtime.GOMAXPROCS(0); n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for y := range rows {
				for x := 0; x < w; x++ {
					c := pixel(x, y)
					var sumR, sumG, sumB, sumW float64
					for _, t := range taps {
						p := pixel(x+t.dx, y+t.dy)
						d := absDiff(p[0], c[0]) + absDiff(p[1], c[1]) + absDiff(p[2], c[2])
						wt := t.w * colorWeight[d]
						sumR += float64(p[0]) * wt
						sumG += float64(p[1]) * wt
						sumB += float64(p[2]) * wt
						sumW += wt
					}
					i := y*dst.Stride + x*4
					dst.Pix[i+0] = saturate(sumR / sumW)
					dst.Pix[i+1] = saturate(sumG / sumW)
					dst.Pix[i+2] = saturate(sumB / sumW)
					dst.Pix[i+3] = c[3]
				}
			}
		}()
	}
	wg.Wait()
	return dst
}

func absDiff(a, b uint8) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
