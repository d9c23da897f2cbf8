// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package media

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

type ContentClass string

const (
	ContentClassAudioOnly  ContentClass = "audio-only"
	ContentClassVideoOnly  ContentClass = "video-only"
	ContentClassAudioVideo ContentClass = "audio+video"
)

const (
	videoMinHeight     = 1
	videoMaxHeight     = 144
	videoMinFrameRate  = 1
	videoMaxFrameRate  = 5
	videoStartBitrate  = 32000
	videoMaxBitrate    = 50000
	audioChannelsMixed = 1
	audioChannelsOnly  = 2
)

var (
	// H265 is left out since its encoder doesn't support bitrate control, AV1
	// since its payloader produces packets bigger than the MTU.
	videoCodecs = []string{
		webrtc.MimeTypeVP9,
		webrtc.MimeTypeVP8,
		webrtc.MimeTypeH264,
	}

	// Sessions carrying video reserve most of the budget for it.
	audioBitrates = map[ContentClass]int{
		ContentClassAudioOnly:  32000,
		ContentClassAudioVideo: 10000,
	}
)

// SourcePlan lists the tracks a given source feeds.
type SourcePlan struct {
	Index  int         `json:"index"`
	URL    string      `json:"url"`
	Tracks []TrackKind `json:"tracks"`
}

func (p SourcePlan) Feeds(kind TrackKind) bool {
	for _, k := range p.Tracks {
		if k == kind {
			return true
		}
	}
	return false
}

type VideoPolicy struct {
	// Codecs holds the accepted video mime types, most preferred first.
	Codecs       []string `json:"codecs"`
	MinHeight    int      `json:"minHeight"`
	MaxHeight    int      `json:"maxHeight"`
	MinFrameRate int      `json:"minFrameRate"`
	MaxFrameRate int      `json:"maxFrameRate"`
	StartBitrate int      `json:"startBitrate"`
	MaxBitrate   int      `json:"maxBitrate"`
}

type AudioPolicy struct {
	Codec    string `json:"codec"`
	Channels int    `json:"channels"`
	Bitrate  int    `json:"bitrate"`
}

// Plan is the topology handed to the media engine: which source feeds which
// track and the codec/bitrate policy to apply.
type Plan struct {
	Sources []SourcePlan `json:"sources"`
	Class   ContentClass `json:"class"`
	Video   *VideoPolicy `json:"video,omitempty"`
	Audio   *AudioPolicy `json:"audio,omitempty"`
}

func (p Plan) HasVideo() bool {
	return p.Video != nil
}

func (p Plan) HasAudio() bool {
	return p.Audio != nil
}

func (p Plan) TrackCount() int {
	var n int
	for _, src := range p.Sources {
		n += len(src.Tracks)
	}
	return n
}

// BitrateFor returns the bitrate the encoder feeding a track of the given
// kind should start at, zero if the plan has no such track. Video may grow up
// to VideoPolicy.MaxBitrate.
func (p Plan) BitrateFor(kind TrackKind) int {
	switch kind {
	case TrackKindAudio:
		if p.Audio != nil {
			return p.Audio.Bitrate
		}
	case TrackKindVideo:
		if p.Video != nil {
			return p.Video.StartBitrate
		}
	}
	return 0
}

// NewPlan maps one or two sources onto outgoing tracks. Two sources are
// expected to be ordered video first, audio second.
func NewPlan(sources []Source) (Plan, error) {
	if len(sources) == 0 || len(sources) > 2 {
		return Plan{}, fmt.Errorf("invalid sources count %d: should be 1 or 2", len(sources))
	}

	for _, src := range sources {
		if err := src.IsValid(); err != nil {
			return Plan{}, err
		}
	}

	var plan Plan
	if len(sources) == 1 {
		src := SourcePlan{
			Index: 0,
			URL:   sources[0].URL,
		}
		if sources[0].ExpectVideo {
			src.Tracks = append(src.Tracks, TrackKindVideo)
		}
		if sources[0].ExpectAudio {
			src.Tracks = append(src.Tracks, TrackKindAudio)
		}
		plan.Sources = []SourcePlan{src}
	} else {
		plan.Sources = []SourcePlan{
			{Index: 0, URL: sources[0].URL, Tracks: []TrackKind{TrackKindVideo}},
			{Index: 1, URL: sources[1].URL, Tracks: []TrackKind{TrackKindAudio}},
		}
	}

	var hasVideo, hasAudio bool
	for _, src := range plan.Sources {
		hasVideo = hasVideo || src.Feeds(TrackKindVideo)
		hasAudio = hasAudio || src.Feeds(TrackKindAudio)
	}

	switch {
	case hasVideo && hasAudio:
		plan.Class = ContentClassAudioVideo
	case hasVideo:
		plan.Class = ContentClassVideoOnly
	default:
		plan.Class = ContentClassAudioOnly
	}

	if hasVideo {
		plan.Video = &VideoPolicy{
			Codecs:       append([]string(nil), videoCodecs...),
			MinHeight:    videoMinHeight,
			MaxHeight:    videoMaxHeight,
			MinFrameRate: videoMinFrameRate,
			MaxFrameRate: videoMaxFrameRate,
			StartBitrate: videoStartBitrate,
			MaxBitrate:   videoMaxBitrate,
		}
	}

	if hasAudio {
		channels := audioChannelsOnly
		if hasVideo {
			channels = audioChannelsMixed
		}
		plan.Audio = &AudioPolicy{
			Codec:    webrtc.MimeTypeOpus,
			Channels: channels,
			Bitrate:  audioBitrates[plan.Class],
		}
	}

	return plan, nil
}
