// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/nodegst/playerd/service/media"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/h264reader"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const (
	opusSampleRate = 48000
	oggPageMs      = 20
)

// sampleReader yields encoded media samples ready to be written on a track.
// NextSample returns io.EOF once the source is exhausted.
type sampleReader interface {
	NextSample() (pmedia.Sample, error)
	Close() error
}

type readerParams struct {
	URL      string
	Kind     media.TrackKind
	MimeType string
	Bitrate  int
	// MaxBitrate caps the video encoder rate, zero leaves it uncapped.
	MaxBitrate int
	Channels   int
	Height     int
	FrameRate  int
}

type readerFactory func(ctx context.Context, params readerParams) (sampleReader, error)

// ffmpegArgs builds the command line transcoding the given source into a
// raw stream of the requested codec written to stdout.
func ffmpegArgs(params readerParams) ([]string, error) {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostdin",
		"-re",
		"-i", params.URL,
	}

	switch params.Kind {
	case media.TrackKindVideo:
		args = append(args,
			"-map", "0:v:0",
			"-an",
			"-vf", fmt.Sprintf("scale=-2:%d,fps=%d", params.Height, params.FrameRate),
			"-b:v", strconv.Itoa(params.Bitrate),
		)
		if params.MaxBitrate > 0 {
			args = append(args,
				"-maxrate", strconv.Itoa(params.MaxBitrate),
				"-bufsize", strconv.Itoa(params.MaxBitrate),
			)
		}
		switch params.MimeType {
		case webrtc.MimeTypeVP8:
			args = append(args, "-c:v", "libvpx", "-deadline", "realtime", "-f", "ivf")
		case webrtc.MimeTypeVP9:
			args = append(args, "-c:v", "libvpx-vp9", "-deadline", "realtime", "-row-mt", "1", "-f", "ivf")
		case webrtc.MimeTypeH264:
			args = append(args,
				"-c:v", "libx264",
				"-preset", "ultrafast",
				"-tune", "zerolatency",
				"-profile:v", "baseline",
				"-bsf:v", "h264_mp4toannexb",
				"-f", "h264")
		default:
			return nil, fmt.Errorf("unsupported video codec %q", params.MimeType)
		}
	case media.TrackKindAudio:
		if params.MimeType != webrtc.MimeTypeOpus {
			return nil, fmt.Errorf("unsupported audio codec %q", params.MimeType)
		}
		args = append(args,
			"-map", "0:a:0",
			"-vn",
			"-c:a", "libopus",
			"-b:a", strconv.Itoa(params.Bitrate),
			"-ac", strconv.Itoa(params.Channels),
			"-ar", strconv.Itoa(opusSampleRate),
			"-page_duration", strconv.Itoa(oggPageMs*1000),
			"-f", "ogg")
	default:
		return nil, fmt.Errorf("invalid track kind %q", params.Kind)
	}

	return append(args, "pipe:1"), nil
}

func newFFmpegReaderFactory(ffmpegPath string, log mlog.LoggerIFace) readerFactory {
	return func(ctx context.Context, params readerParams) (sampleReader, error) {
		args, err := ffmpegArgs(params)
		if err != nil {
			return nil, err
		}

		var stderr strings.Builder
		cmd := exec.CommandContext(ctx, ffmpegPath, args...)
		cmd.Stderr = &stderr
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
		}

		log.Debug("rtc: starting encoder", mlog.String("kind", string(params.Kind)),
			mlog.String("codec", params.MimeType), mlog.Int("bitrate", params.Bitrate))

		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
		}

		closer := func() error {
			_ = stdout.Close()
			err := cmd.Wait()
			if err != nil && ctx.Err() == nil && stderr.Len() > 0 {
				return fmt.Errorf("ffmpeg failed: %s", strings.TrimSpace(stderr.String()))
			}
			return nil
		}

		rd, err := newStreamReader(stdout, params)
		if err != nil {
			if closeErr := closer(); closeErr != nil {
				return nil, closeErr
			}
			return nil, err
		}

		return &procReader{sampleReader: rd, closeFn: closer}, nil
	}
}

// newStreamReader wraps a raw encoded stream with the matching pion parser.
func newStreamReader(in io.Reader, params readerParams) (sampleReader, error) {
	switch params.MimeType {
	case webrtc.MimeTypeVP8, webrtc.MimeTypeVP9:
		// The frame rate is forced by the encoder so the container timebase
		// can be ignored.
		rd, _, err := ivfreader.NewWith(in)
		if err != nil {
			return nil, fmt.Errorf("failed to read ivf header: %w", err)
		}
		return &ivfSampleReader{rd: rd, frameDuration: time.Second / time.Duration(params.FrameRate)}, nil
	case webrtc.MimeTypeH264:
		rd, err := h264reader.NewReader(in)
		if err != nil {
			return nil, fmt.Errorf("failed to create h264 reader: %w", err)
		}
		return &h264SampleReader{rd: rd, frameDuration: time.Second / time.Duration(params.FrameRate)}, nil
	case webrtc.MimeTypeOpus:
		rd, _, err := oggreader.NewWith(in)
		if err != nil {
			return nil, fmt.Errorf("failed to read ogg header: %w", err)
		}
		return &oggSampleReader{rd: rd}, nil
	}
	return nil, fmt.Errorf("unsupported codec %q", params.MimeType)
}

type procReader struct {
	sampleReader
	closeFn func() error
}

func (r *procReader) Close() error {
	return r.closeFn()
}

type ivfSampleReader struct {
	rd            *ivfreader.IVFReader
	frameDuration time.Duration
}

func (r *ivfSampleReader) NextSample() (pmedia.Sample, error) {
	frame, _, err := r.rd.ParseNextFrame()
	if err != nil {
		return pmedia.Sample{}, err
	}
	return pmedia.Sample{Data: frame, Duration: r.frameDuration}, nil
}

func (r *ivfSampleReader) Close() error {
	return nil
}

type h264SampleReader struct {
	rd            *h264reader.H264Reader
	frameDuration time.Duration
}

func (r *h264SampleReader) NextSample() (pmedia.Sample, error) {
	nal, err := r.rd.NextNAL()
	if err != nil {
		return pmedia.Sample{}, err
	}
	var duration time.Duration
	// Parameter sets share the timestamp of the slice that follows them.
	if nal.UnitType == h264reader.NalUnitTypeCodedSliceIdr || nal.UnitType == h264reader.NalUnitTypeCodedSliceNonIdr {
		duration = r.frameDuration
	}
	return pmedia.Sample{Data: nal.Data, Duration: duration}, nil
}

func (r *h264SampleReader) Close() error {
	return nil
}

type oggSampleReader struct {
	rd          *oggreader.OggReader
	lastGranule uint64
}

func (r *oggSampleReader) NextSample() (pmedia.Sample, error) {
	page, hdr, err := r.rd.ParseNextPage()
	if err != nil {
		return pmedia.Sample{}, err
	}
	var duration time.Duration
	if hdr.GranulePosition > r.lastGranule {
		samples := hdr.GranulePosition - r.lastGranule
		duration = time.Duration(samples) * time.Second / opusSampleRate
	}
	r.lastGranule = hdr.GranulePosition
	return pmedia.Sample{Data: page, Duration: duration}, nil
}

func (r *oggSampleReader) Close() error {
	return nil
}
