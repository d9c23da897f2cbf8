// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

const cpuSampleDuration = time.Second

// SystemInfo describes how loaded the host is and how much of that comes
// from the sessions running here.
type SystemInfo struct {
	CPULoad float64 `json:"cpu_load"`
	// RSS is the resident memory of this process, in bytes.
	RSS        int `json:"rss"`
	Goroutines int `json:"goroutines"`
	Sessions   int `json:"sessions"`
	// CPULoadPerSession spreads the host load over live sessions, zero when
	// there are none.
	CPULoadPerSession float64 `json:"cpu_load_per_session"`
}

// cpuLoad samples host CPU usage over d.
func (s *Service) cpuLoad(ctx context.Context, d time.Duration) (float64, error) {
	st1, err := s.proc.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to get cpu stat: %w", err)
	}
	t0 := time.Now()

	select {
	case <-time.After(d):
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	st2, err := s.proc.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to get cpu stat: %w", err)
	}

	idleDiff := st2.CPUTotal.Idle - st1.CPUTotal.Idle
	if idleDiff <= 0 {
		return 0, fmt.Errorf("no idle time sampled")
	}
	return 1 / (idleDiff / time.Since(t0).Seconds()), nil
}

func (s *Service) getSystemInfo(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.NotFound(w, req)
		return
	}

	info := SystemInfo{
		Goroutines: runtime.NumGoroutine(),
	}

	load, err := s.cpuLoad(req.Context(), cpuSampleDuration)
	if err != nil {
		s.log.Error("failed to sample cpu load", mlog.Err(err))
	}
	info.CPULoad = load

	if p, err := s.proc.Self(); err != nil {
		s.log.Error("failed to get process", mlog.Err(err))
	} else if st, err := p.Stat(); err != nil {
		s.log.Error("failed to get process stat", mlog.Err(err))
	} else {
		info.RSS = st.ResidentMemory()
	}

	info.Sessions = s.registry.Len()
	if info.Sessions > 0 {
		info.CPULoadPerSession = info.CPULoad / float64(info.Sessions)
	}

	w.Header().Add("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(&info); err != nil {
		s.log.Error("failed to encode data", mlog.Err(err))
	}
}
