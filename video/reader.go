package video

import (
	"context"
	"fmt"
	"io"
	"os/exec"

	"github.com/occultashield/shield-api/log"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// FrameReader decodes the source into fixed-size batches of BGR24 frames by
// piping ffmpeg rawvideo output. Frames are delivered strictly in order,
// numbered from 1.
type FrameReader struct {
	videoID string
	input   InputVideo
	pipe    io.ReadCloser
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	next    int
	size    int
}

func NewFrameReader(ctx context.Context, videoID string, input InputVideo) (*FrameReader, error) {
	size, err := frameSize(input.Width, input.Height)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	cmd := ffmpeg.Input(input.Path).
		Output("pipe:", ffmpeg.KwArgs{"format": "rawvideo", "pix_fmt": "bgr24"}).
		WithOutput(pw).
		Silent(true).
		Compile()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("error starting ffmpeg decoder: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-ctx.Done()
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}()
	go func() {
		err := cmd.Wait()
		// Closing with the ffmpeg exit error propagates decode failures to
		// the blocked ReadBatch call; a clean exit yields io.EOF.
		_ = pw.CloseWithError(err)
	}()

	return &FrameReader{
		videoID: videoID,
		input:   input,
		pipe:    pr,
		cmd:     cmd,
		cancel:  cancel,
		next:    1,
		size:    size,
	}, nil
}

// ReadBatch reads up to batchSize frames. It returns io.EOF alongside any
// final short batch once the stream is exhausted.
func (r *FrameReader) ReadBatch(ctx context.Context, batchSize int) ([]*Frame, error) {
	frames := make([]*Frame, 0, batchSize)
	for len(frames) < batchSize {
		if err := ctx.Err(); err != nil {
			return frames, err
		}
		buf := make([]byte, r.size)
		if _, err := io.ReadFull(r.pipe, buf); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return frames, io.EOF
			}
			return frames, fmt.Errorf("error reading frame %d: %w", r.next, err)
		}
		frames = append(frames, &Frame{Data: buf, Width: r.input.Width, Height: r.input.Height, Num: r.next})
		r.next++
	}
	return frames, nil
}

func (r *FrameReader) Close() {
	r.cancel()
	if err := r.pipe.Close(); err != nil {
		log.Log(r.videoID, "error closing decoder pipe", "err", err)
	}
}
