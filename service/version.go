// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"encoding/json"
	"net/http"
	"os/exec"
	"runtime"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

// Set through -ldflags at build time.
var (
	buildVersion string
	buildHash    string
	buildDate    string
)

// ToolInfo tells whether one of the external programs sessions depend on
// can be found.
type ToolInfo struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	Available bool   `json:"available"`
}

type VersionInfo struct {
	Name         string     `json:"name"`
	BuildDate    string     `json:"buildDate"`
	BuildVersion string     `json:"buildVersion"`
	BuildHash    string     `json:"buildHash"`
	GoVersion    string     `json:"goVersion"`
	GoOS         string     `json:"goOS"`
	GoArch       string     `json:"goArch"`
	Tools        []ToolInfo `json:"tools,omitempty"`
}

func getVersionInfo() VersionInfo {
	return VersionInfo{
		Name:         "playerd",
		BuildDate:    buildDate,
		BuildVersion: buildVersion,
		BuildHash:    buildHash,
		GoVersion:    runtime.Version(),
		GoOS:         runtime.GOOS,
		GoArch:       runtime.GOARCH,
	}
}

func lookupTool(name, bin string) ToolInfo {
	info := ToolInfo{Name: name, Path: bin}
	if path, err := exec.LookPath(bin); err == nil {
		info.Path = path
		info.Available = true
	}
	return info
}

// tools reports the extractor and encoder binaries the service is configured
// with.
func (s *Service) tools() []ToolInfo {
	return []ToolInfo{
		lookupTool("extractor", s.cfg.Extractor.Binary),
		lookupTool("encoder", s.cfg.RTC.FFmpegPath),
	}
}

func (v VersionInfo) logFields() []mlog.Field {
	fields := []mlog.Field{
		mlog.String("buildDate", v.BuildDate),
		mlog.String("buildVersion", v.BuildVersion),
		mlog.String("buildHash", v.BuildHash),
		mlog.String("goVersion", v.GoVersion),
	}
	for _, t := range v.Tools {
		fields = append(fields, mlog.Bool(t.Name+"Available", t.Available))
	}
	return fields
}

func (s *Service) getVersion(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.NotFound(w, req)
		return
	}

	info := getVersionInfo()
	info.Tools = s.tools()

	w.Header().Add("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(info); err != nil {
		s.log.Error("failed to encode data", mlog.Err(err))
	}
}
