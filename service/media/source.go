// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package media

import (
	"fmt"
)

// ValidationError is returned when a media descriptor doesn't satisfy its
// invariants.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s value: %s", e.Field, e.Reason)
}

// Source describes a raw media URL as resolved by the extractor, along with
// the kind of content it's expected to carry.
type Source struct {
	URL         string `json:"url" msgpack:"url"`
	ExpectVideo bool   `json:"expectVideo" msgpack:"expect_video"`
	ExpectAudio bool   `json:"expectAudio" msgpack:"expect_audio"`
}

// NewSource returns a validated Source.
func NewSource(url string, expectVideo, expectAudio bool) (Source, error) {
	src := Source{
		URL:         url,
		ExpectVideo: expectVideo,
		ExpectAudio: expectAudio,
	}
	if err := src.IsValid(); err != nil {
		return Source{}, err
	}
	return src, nil
}

func (s Source) IsValid() error {
	if s.URL == "" {
		return &ValidationError{Field: "URL", Reason: "should not be empty"}
	}

	if !s.ExpectVideo && !s.ExpectAudio {
		return &ValidationError{Field: "Source", Reason: "should expect video or audio"}
	}

	return nil
}
