package video

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/occultashield/shield-api/errors"
	"github.com/occultashield/shield-api/log"
	"gopkg.in/vansante/go-ffprobe.v2"
)

var unsupportedVideoCodecList = []string{"mjpeg", "jpeg", "png"}

type Prober interface {
	ProbeFile(videoID, path string, ffProbeOptions ...string) (InputVideo, error)
}

type Probe struct {
	IgnoreErrMessages []string
}

func (p Probe) ProbeFile(videoID string, path string, ffProbeOptions ...string) (InputVideo, error) {
	iv, err := p.runProbe(path, ffProbeOptions...)
	if err == nil {
		return iv, nil
	}
	if errors.IsUnretriable(err) {
		return InputVideo{}, err
	}

	// ignore these probing errors if found and re-run with fatal loglevel to obtain the probe data
	errMsg := strings.ToLower(err.Error())
	for _, ignoreMsg := range p.IgnoreErrMessages {
		if strings.Contains(errMsg, ignoreMsg) {
			log.Log(videoID, "ignoring probe error", "err", err)
			return p.runProbe(path, "-loglevel", "fatal")
		}
	}
	return InputVideo{}, err
}

func (p Probe) runProbe(path string, ffProbeOptions ...string) (iv InputVideo, err error) {
	if len(ffProbeOptions) == 0 {
		ffProbeOptions = []string{"-loglevel", "error"}
	}
	var data *ffprobe.ProbeData
	operation := func() error {
		probeCtx, probeCancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer probeCancel()
		data, err = ffprobe.ProbeURL(probeCtx, path, ffProbeOptions...)
		if err != nil && isUnretriableProbeErr(err) {
			return backoff.Permanent(errors.Unretriable(err))
		}
		return err
	}

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = 500 * time.Millisecond
	backOff.MaxInterval = 2 * time.Second
	backOff.MaxElapsedTime = 0
	err = backoff.Retry(operation, backoff.WithMaxRetries(backOff, 3))
	if err != nil {
		return InputVideo{}, errors.InvalidInput("error probing file", err)
	}
	return parseProbeOutput(path, data)
}

// Probe failures a re-run cannot fix.
var unretriableProbeMessages = []string{
	"no such file",
	"invalid data found",
	"invalid argument",
	"permission denied",
}

func isUnretriableProbeErr(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, m := range unretriableProbeMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func parseProbeOutput(path string, probeData *ffprobe.ProbeData) (InputVideo, error) {
	videoStream := probeData.FirstVideoStream()
	if videoStream == nil {
		return InputVideo{}, errors.InvalidInput("no video stream found", nil)
	}
	for _, codec := range unsupportedVideoCodecList {
		if strings.ToLower(videoStream.CodecName) == codec {
			return InputVideo{}, errors.InvalidInput("unsupported video codec "+videoStream.CodecName, nil)
		}
	}
	if probeData.Format == nil {
		return InputVideo{}, errors.InvalidInput("container format information missing", nil)
	}

	if videoStream.Width <= 0 || videoStream.Height <= 0 {
		return InputVideo{}, errors.InvalidInput("video has zero dimensions", nil)
	}

	fps, err := parseFps(videoStream.AvgFrameRate)
	if err != nil || fps == 0 {
		fps, err = parseFps(videoStream.RFrameRate)
		if err != nil {
			return InputVideo{}, errors.InvalidInput("error parsing frame rate from probed data", err)
		}
	}
	if fps <= 0 {
		return InputVideo{}, errors.InvalidInput("video has zero frame rate", nil)
	}

	duration := probeData.Format.DurationSeconds
	totalFrames := 0
	if videoStream.NbFrames != "" {
		totalFrames, _ = strconv.Atoi(videoStream.NbFrames)
	}
	if totalFrames == 0 && duration > 0 {
		totalFrames = int(duration * fps)
	}
	if totalFrames <= 0 {
		return InputVideo{}, errors.InvalidInput("video has zero frames", nil)
	}

	var size int64
	if probeData.Format.Size != "" {
		size, err = strconv.ParseInt(probeData.Format.Size, 10, 64)
		if err != nil {
			return InputVideo{}, errors.InvalidInput("error parsing filesize from probed data", err)
		}
	}

	return InputVideo{
		Path:        path,
		Format:      probeData.Format.FormatName,
		Codec:       videoStream.CodecName,
		Width:       videoStream.Width,
		Height:      videoStream.Height,
		FPS:         fps,
		TotalFrames: totalFrames,
		Duration:    duration,
		SizeBytes:   size,
		HasAudio:    probeData.FirstAudioStream() != nil,
	}, nil
}

func parseFps(framerate string) (float64, error) {
	if framerate == "" {
		return 0, nil
	}
	parts := strings.Split(framerate, "/")
	if len(parts) < 2 {
		fps, err := strconv.ParseFloat(framerate, 64)
		if err != nil {
			return 0, err
		}
		return fps, nil
	}
	num, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, err
	}
	den, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, err
	}
	if den == 0 {
		return 0, nil
	}
	return num / den, nil
}
