package anonymize

import (
	"image"
	"math"
	"math/rand"

	"github.com/occultashield/shield-api/config"
	"github.com/occultashield/shield-api/detection"
	"github.com/occultashield/shield-api/video"
)

// Regions smaller than this fraction of the frame are skipped for
// polygon-masked effects; near-empty polygons otherwise smear into blobs.
const minMaskedAreaRatio = 0.001

// effects applies the per-region pixel operations. Stateful only for the
// pixelation noise, which must repeat across frames of the same track.
type effects struct {
	cfg config.EditionConfig

	// noise tensors keyed by (track_id, blocks), generated once and reused
	// so pixelation does not shimmer between frames.
	noise map[noiseKey][]float64
}

type noiseKey struct {
	trackID int
	blocks  int
}

func newEffects(cfg config.EditionConfig) *effects {
	if cfg.PixelateBlocks <= 0 {
		cfg.PixelateBlocks = 10
	}
	if cfg.BlurKernel <= 0 {
		cfg.BlurKernel = 31
	}
	return &effects{cfg: cfg, noise: map[noiseKey][]float64{}}
}

// apply runs one action's effect over its region of the frame. Masked
// application only happens for blur and pixelate.
func (e *effects) apply(frame *video.Frame, a *Action, box detection.BoundingBox, mask []float64) {
	rect := box.Rect(0, frame.Bounds())
	if rect.Empty() {
		return
	}
	if len(mask) >= 6 {
		frameArea := float64(frame.Width * frame.Height)
		if box.Area()/frameArea < minMaskedAreaRatio {
			return
		}
	}

	switch a.Type {
	case "blur":
		e.blendMasked(frame, rect, mask, e.blurred(frame, rect))
	case "pixelate":
		e.blendMasked(frame, rect, mask, e.pixelated(frame, rect, a.TrackID))
	case "mask":
		e.scramble(frame, rect)
	}
}

// blurred returns a Gaussian-blurred copy of the region. The kernel size is
// forced odd.
func (e *effects) blurred(frame *video.Frame, rect image.Rectangle) []byte {
	kernelSize := e.cfg.BlurKernel
	if kernelSize%2 == 0 {
		kernelSize++
	}
	sigma := e.cfg.BlurSigma
	if sigma <= 0 {
		sigma = 0.3*(float64(kernelSize-1)*0.5-1) + 0.8
	}
	kernel := gaussianKernel(kernelSize, sigma)
	radius := kernelSize / 2

	w, h := rect.Dx(), rect.Dy()
	src := copyRegion(frame, rect)
	tmp := make([]float64, w*h*3)

	// Horizontal pass.
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var b, g, r float64
			for k := -radius; k <= radius; k++ {
				xx := clampInt(x+k, 0, w-1)
				i := (y*w + xx) * 3
				weight := kernel[k+radius]
				b += float64(src[i]) * weight
				g += float64(src[i+1]) * weight
				r += float64(src[i+2]) * weight
			}
			o := (y*w + x) * 3
			tmp[o], tmp[o+1], tmp[o+2] = b, g, r
		}
	}

	// Vertical pass.
	out := make([]byte, w*h*3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var b, g, r float64
			for k := -radius; k <= radius; k++ {
				yy := clampInt(y+k, 0, h-1)
				i := (yy*w + x) * 3
				weight := kernel[k+radius]
				b += tmp[i] * weight
				g += tmp[i+1] * weight
				r += tmp[i+2] * weight
			}
			o := (y*w + x) * 3
			out[o] = clampByte(b)
			out[o+1] = clampByte(g)
			out[o+2] = clampByte(r)
		}
	}
	return out
}

// pixelated returns a mosaic copy of the region: blocks × blocks cells with
// a stable additive noise pattern per track.
func (e *effects) pixelated(frame *video.Frame, rect image.Rectangle, trackID int) []byte {
	blocks := e.cfg.PixelateBlocks
	w, h := rect.Dx(), rect.Dy()
	src := copyRegion(frame, rect)
	noise := e.noiseFor(trackID, blocks)

	out := make([]byte, w*h*3)
	for by := 0; by < blocks; by++ {
		y0 := by * h / blocks
		y1 := (by + 1) * h / blocks
		if y1 <= y0 {
			y1 = y0 + 1
		}
		for bx := 0; bx < blocks; bx++ {
			x0 := bx * w / blocks
			x1 := (bx + 1) * w / blocks
			if x1 <= x0 {
				x1 = x0 + 1
			}

			var sums [3]float64
			var count float64
			for y := y0; y < y1 && y < h; y++ {
				for x := x0; x < x1 && x < w; x++ {
					i := (y*w + x) * 3
					sums[0] += float64(src[i])
					sums[1] += float64(src[i+1])
					sums[2] += float64(src[i+2])
					count++
				}
			}
			if count == 0 {
				continue
			}

			cell := (by*blocks + bx) * 3
			var vals [3]byte
			for ch := 0; ch < 3; ch++ {
				vals[ch] = clampByte(sums[ch]/count + noise[cell+ch])
			}
			for y := y0; y < y1 && y < h; y++ {
				for x := x0; x < x1 && x < w; x++ {
					i := (y*w + x) * 3
					out[i], out[i+1], out[i+2] = vals[0], vals[1], vals[2]
				}
			}
		}
	}
	return out
}

// noiseFor builds (once) the additive noise tensor for a (track, blocks)
// pair. Stability across frames is the point: a fresh pattern per frame
// shimmers and betrays the effect.
func (e *effects) noiseFor(trackID, blocks int) []float64 {
	key := noiseKey{trackID: trackID, blocks: blocks}
	if n, ok := e.noise[key]; ok {
		return n
	}
	rng := rand.New(rand.NewSource(int64(trackID)*31 + int64(blocks)))
	n := make([]float64, blocks*blocks*3)
	for i := range n {
		n[i] = (rng.Float64() - 0.5) * 24
	}
	e.noise[key] = n
	return n
}

// scramble permutes the region's pixels deterministically under the
// configured key.
func (e *effects) scramble(frame *video.Frame, rect image.Rectangle) {
	w, h := rect.Dx(), rect.Dy()
	n := w * h
	perm := rand.New(rand.NewSource(e.cfg.ScrambleKey)).Perm(n)

	src := copyRegion(frame, rect)
	for idx, target := range perm {
		sx, sy := idx%w, idx/w
		tx, ty := target%w, target/w
		i := (sy*w + sx) * 3
		frame.SetBGR(rect.Min.X+tx, rect.Min.Y+ty, src[i], src[i+1], src[i+2])
	}
}

// blendMasked writes the effect output back into the frame. With a polygon
// mask, out = roi·(1−m) + effect·m; without one the whole region is
// replaced.
func (e *effects) blendMasked(frame *video.Frame, rect image.Rectangle, mask []float64, effect []byte) {
	w := rect.Dx()
	var raster []bool
	if len(mask) >= 6 {
		raster = rasterizePolygon(mask, rect)
	}
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			local := ((y-rect.Min.Y)*w + (x - rect.Min.X))
			if raster != nil && !raster[local] {
				continue
			}
			i := local * 3
			frame.SetBGR(x, y, effect[i], effect[i+1], effect[i+2])
		}
	}
}

// rasterizePolygon marks the region pixels inside the flat [x,y,...]
// polygon using even-odd crossing.
func rasterizePolygon(poly []float64, rect image.Rectangle) []bool {
	w, h := rect.Dx(), rect.Dy()
	out := make([]bool, w*h)
	nPts := len(poly) / 2

	for y := 0; y < h; y++ {
		py := float64(rect.Min.Y+y) + 0.5
		for x := 0; x < w; x++ {
			px := float64(rect.Min.X+x) + 0.5
			inside := false
			j := nPts - 1
			for i := 0; i < nPts; i++ {
				xi, yi := poly[2*i], poly[2*i+1]
				xj, yj := poly[2*j], poly[2*j+1]
				if (yi > py) != (yj > py) && px < (xj-xi)*(py-yi)/(yj-yi)+xi {
					inside = !inside
				}
				j = i
			}
			out[y*w+x] = inside
		}
	}
	return out
}

func copyRegion(frame *video.Frame, rect image.Rectangle) []byte {
	w, h := rect.Dx(), rect.Dy()
	out := make([]byte, w*h*3)
	for y := 0; y < h; y++ {
		srcOff := ((rect.Min.Y+y)*frame.Width + rect.Min.X) * 3
		copy(out[y*w*3:(y+1)*w*3], frame.Data[srcOff:srcOff+w*3])
	}
	return out
}

func gaussianKernel(size int, sigma float64) []float64 {
	kernel := make([]float64, size)
	radius := size / 2
	var sum float64
	for i := range kernel {
		d := float64(i - radius)
		kernel[i] = math.Exp(-d * d / (2 * sigma * sigma))
		sum += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
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

func clampByte(v float64) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
