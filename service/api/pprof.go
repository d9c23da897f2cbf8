// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package api

import (
	"fmt"
	"io"
	"net/http"

	"github.com/mattermost/mattermost/server/public/shared/mlog"

	"github.com/grafana/pyroscope-go/godeltaprof"
)

type deltaProfiler interface {
	Profile(w io.Writer) error
}

func (s *Server) registerProfiling() {
	profilers := map[string]deltaProfiler{
		"delta_heap":  godeltaprof.NewHeapProfiler(),
		"delta_mutex": godeltaprof.NewMutexProfiler(),
		"delta_block": godeltaprof.NewBlockProfiler(),
	}

	for name, p := range profilers {
		s.RegisterHandleFunc("/debug/pprof/"+name, s.profileHandler(name, p))
	}
}

// profileHandler serves the profile gathered since the previous request.
// Profilers are stateful so concurrent scrapes would split the deltas between
// them.
func (s *Server) profileHandler(name string, p deltaProfiler) HandleFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
		if err := p.Profile(w); err != nil {
			s.log.Error("failed to write profile", mlog.String("profile", name), mlog.Err(err))
		}
	}
}
