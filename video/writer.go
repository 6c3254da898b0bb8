package video

import (
	"context"
	"fmt"
	"io"
	"os/exec"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// FrameWriter encodes BGR24 frames into an H.264 mp4 by piping rawvideo into
// ffmpeg. No audio track is produced.
type FrameWriter struct {
	pipe   io.WriteCloser
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan error
	size   int
}

func NewFrameWriter(ctx context.Context, outputPath string, width, height int, fps float64, crf int, preset string) (*FrameWriter, error) {
	size, err := frameSize(width, height)
	if err != nil {
		return nil, err
	}
	if crf <= 0 {
		crf = 23
	}
	if preset == "" {
		preset = "fast"
	}

	pr, pw := io.Pipe()
	cmd := ffmpeg.Input("pipe:", ffmpeg.KwArgs{
		"format":    "rawvideo",
		"pix_fmt":   "bgr24",
		"s":         fmt.Sprintf("%dx%d", width, height),
		"framerate": fmt.Sprintf("%f", fps),
	}).
		Output(outputPath, ffmpeg.KwArgs{
			"c:v":     "libx264",
			"pix_fmt": "yuv420p",
			"crf":     crf,
			"preset":  preset,
			"an":      "",
		}).
		OverWriteOutput().
		WithInput(pr).
		Silent(true).
		Compile()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("error starting ffmpeg encoder: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		<-ctx.Done()
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}()
	go func() {
		done <- cmd.Wait()
	}()

	return &FrameWriter{pipe: pw, cmd: cmd, cancel: cancel, done: done, size: size}, nil
}

func (w *FrameWriter) WriteFrame(f *Frame) error {
	if len(f.Data) != w.size {
		return fmt.Errorf("frame %d has %d bytes, expected %d", f.Num, len(f.Data), w.size)
	}
	if _, err := w.pipe.Write(f.Data); err != nil {
		return fmt.Errorf("error writing frame %d to encoder: %w", f.Num, err)
	}
	return nil
}

// Close flushes the pipe and waits for the encoder to finish writing the
// container.
func (w *FrameWriter) Close() error {
	defer w.cancel()
	if err := w.pipe.Close(); err != nil {
		return err
	}
	return <-w.done
}

// Abort kills the encoder without waiting; used on the error path where the
// partial output will be deleted anyway.
func (w *FrameWriter) Abort() {
	_ = w.pipe.Close()
	w.cancel()
	<-w.done
}
