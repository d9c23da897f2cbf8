// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"fmt"

	"github.com/nodegst/playerd/service/engine"
	"github.com/nodegst/playerd/service/extract"
)

type Option func(s *Service) error

// WithExtractor lets the caller replace the yt-dlp based extractor.
func WithExtractor(extractor extract.Extractor) Option {
	return func(s *Service) error {
		if extractor == nil {
			return fmt.Errorf("extractor should not be nil")
		}
		s.extractor = extractor
		return nil
	}
}

// WithEngineFactory lets the caller replace the media engine factory. When set
// the RTC server is still created but sessions don't use it.
func WithEngineFactory(factory engine.Factory) Option {
	return func(s *Service) error {
		if factory == nil {
			return fmt.Errorf("factory should not be nil")
		}
		s.factory = factory
		return nil
	}
}
