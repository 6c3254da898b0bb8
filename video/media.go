package video

import (
	"fmt"
	"image"
	"time"
)

// InputVideo holds the immutable source metadata probed from an upload.
type InputVideo struct {
	Path        string  `json:"path"`
	Format      string  `json:"format"`
	Codec       string  `json:"codec"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	FPS         float64 `json:"fps"`
	TotalFrames int     `json:"total_frames"`
	Duration    float64 `json:"duration_seconds"`
	SizeBytes   int64   `json:"size_bytes"`
	HasAudio    bool    `json:"has_audio"`
}

func (v InputVideo) DurationTime() time.Duration {
	return time.Duration(v.Duration * float64(time.Second))
}

// Frame is a single decoded frame in packed BGR24 layout, matching the
// rawvideo pix_fmt we ask ffmpeg for. Num is 1-based.
type Frame struct {
	Data   []byte
	Width  int
	Height int
	Num    int
}

func (f *Frame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.Width, f.Height)
}

// BGR returns the pixel at (x, y). No bounds checking.
func (f *Frame) BGR(x, y int) (b, g, r uint8) {
	i := (y*f.Width + x) * 3
	return f.Data[i], f.Data[i+1], f.Data[i+2]
}

func (f *Frame) SetBGR(x, y int, b, g, r uint8) {
	i := (y*f.Width + x) * 3
	f.Data[i], f.Data[i+1], f.Data[i+2] = b, g, r
}

// ToRGBA copies the region rect of the frame into a standalone RGBA image.
// rect is clipped to the frame bounds.
func (f *Frame) ToRGBA(rect image.Rectangle) *image.RGBA {
	rect = rect.Intersect(f.Bounds())
	img := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			b, g, r := f.BGR(x, y)
			o := img.PixOffset(x-rect.Min.X, y-rect.Min.Y)
			img.Pix[o], img.Pix[o+1], img.Pix[o+2], img.Pix[o+3] = r, g, b, 0xff
		}
	}
	return img
}

// Clone returns a deep copy. The anonymizer mutates frames in place, so
// captures taken from the detection pass never alias writer buffers.
func (f *Frame) Clone() *Frame {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	return &Frame{Data: data, Width: f.Width, Height: f.Height, Num: f.Num}
}

func frameSize(width, height int) (int, error) {
	if width <= 0 || height <= 0 {
		return 0, fmt.Errorf("invalid frame dimensions %dx%d", width, height)
	}
	return width * height * 3, nil
}
