// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package media

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewSource(t *testing.T) {
	t.Run("empty url", func(t *testing.T) {
		src, err := NewSource("", true, true)
		require.Error(t, err)
		require.Empty(t, src)
		var vErr *ValidationError
		require.True(t, errors.As(err, &vErr))
		require.Equal(t, "URL", vErr.Field)
	})

	t.Run("neither audio nor video", func(t *testing.T) {
		src, err := NewSource("https://example.com/a", false, false)
		require.Error(t, err)
		require.Empty(t, src)
		var vErr *ValidationError
		require.True(t, errors.As(err, &vErr))
		require.Equal(t, "invalid Source value: should expect video or audio", err.Error())
	})

	t.Run("valid", func(t *testing.T) {
		for _, flags := range [][2]bool{{true, false}, {false, true}, {true, true}} {
			src, err := NewSource("https://example.com/a", flags[0], flags[1])
			require.NoError(t, err)
			require.True(t, src.ExpectVideo || src.ExpectAudio)
			require.Equal(t, flags[0], src.ExpectVideo)
			require.Equal(t, flags[1], src.ExpectAudio)
		}
	})
}
