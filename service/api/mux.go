// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package api

import (
	"net/http"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

type HandleFunc func(http.ResponseWriter, *http.Request)

// RegisterHandleFunc adds hf to the mux. pattern follows http.ServeMux
// syntax so it may carry a method and wildcards (e.g. "GET /sessions/{id}").
func (s *Server) RegisterHandleFunc(pattern string, hf HandleFunc) {
	s.mux.HandleFunc(pattern, s.logRequest(hf))
}

func (s *Server) RegisterHandler(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

func (s *Server) logRequest(hf HandleFunc) HandleFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.log.Debug("api: request",
			mlog.String("method", r.Method),
			mlog.String("path", r.URL.Path),
			mlog.String("remoteAddr", r.RemoteAddr),
		)
		hf(w, r)
	}
}
