// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/nodegst/playerd/service/media"

	"github.com/cenkalti/backoff/v4"
	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

const (
	// Up to 240p so that the further downscaled output isn't half bad, then
	// anything that's small.
	videoFormat = "worstvideo[height<=240]+bestaudio/bestvideo+bestaudio/best"
	audioFormat = "bestaudio/best"
	formatSort  = "+size,+br,+res,+fps"
)

// Extractor resolves a video page URL into the raw media sources to play.
// A nil slice with a nil error means nothing could be extracted.
type Extractor interface {
	Extract(ctx context.Context, videoURL string, wantVideo bool) ([]media.Source, error)
}

type runFn func(ctx context.Context, name string, args ...string) ([]byte, error)

// YTDLP is an Extractor backed by the yt-dlp command line tool.
type YTDLP struct {
	cfg           Config
	log           mlog.LoggerIFace
	run           runFn
	retryInterval time.Duration
}

func NewYTDLP(cfg Config, log mlog.LoggerIFace) (*YTDLP, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	if log == nil {
		return nil, fmt.Errorf("log should not be nil")
	}

	return &YTDLP{
		cfg:           cfg,
		log:           log,
		run:           runCommand,
		retryInterval: 500 * time.Millisecond,
	}, nil
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(lastLine(stderr.String())); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return out, nil
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if idx := strings.LastIndexByte(s, '\n'); idx >= 0 {
		return s[idx+1:]
	}
	return s
}

func buildArgs(videoURL string, wantVideo bool) []string {
	format := audioFormat
	if wantVideo {
		format = videoFormat
	}
	return []string{
		"-g",
		"-f", format,
		"--format-sort", formatSort,
		videoURL,
	}
}

func (e *YTDLP) Extract(ctx context.Context, videoURL string, wantVideo bool) ([]media.Source, error) {
	args := buildArgs(videoURL, wantVideo)

	var out []byte
	var attempt int
	op := func() error {
		attempt++

		runCtx := ctx
		if e.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
			defer cancel()
		}

		var err error
		out, err = e.run(runCtx, e.cfg.Binary, args...)
		if err != nil {
			var execErr *exec.Error
			if errors.As(err, &execErr) || ctx.Err() != nil {
				// Missing binary or caller gone, retrying won't help.
				return backoff.Permanent(err)
			}
			e.log.Warn("extraction attempt failed",
				mlog.String("videoURL", videoURL),
				mlog.Int("attempt", attempt),
				mlog.Err(err))
			return err
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.retryInterval
	bo.MaxInterval = 10 * e.retryInterval
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(e.cfg.MaxRetries)), ctx)); err != nil {
		return nil, fmt.Errorf("failed to run %s: %w", e.cfg.Binary, err)
	}

	sources, err := parseOutput(string(out), wantVideo)
	if err != nil {
		return nil, err
	}

	e.log.Debug("media extracted",
		mlog.String("videoURL", videoURL),
		mlog.Bool("wantVideo", wantVideo),
		mlog.Int("sources", len(sources)))

	return sources, nil
}

// parseOutput turns the URLs printed by yt-dlp into sources. A single URL
// carries everything, two URLs come as video first then audio.
func parseOutput(out string, wantVideo bool) ([]media.Source, error) {
	var urls []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			urls = append(urls, line)
		}
	}

	switch len(urls) {
	case 0:
		return nil, nil
	case 1:
		src, err := media.NewSource(urls[0], wantVideo, true)
		if err != nil {
			return nil, err
		}
		return []media.Source{src}, nil
	}

	video, err := media.NewSource(urls[0], true, false)
	if err != nil {
		return nil, err
	}
	audio, err := media.NewSource(urls[1], false, true)
	if err != nil {
		return nil, err
	}

	return []media.Source{video, audio}, nil
}
