// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"errors"
	"net/http"

	"github.com/nodegst/playerd/service/media"
	"github.com/nodegst/playerd/service/signal"
	"github.com/nodegst/playerd/service/store"
)

// sessionView is what the API exposes about a session. Resolved media URLs
// are left out.
type sessionView struct {
	ID        string       `json:"id"`
	Class     string       `json:"class"`
	Sources   []sourceView `json:"sources"`
	CreatedAt int64        `json:"createdAt"`
	EndedAt   int64        `json:"endedAt,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	HasOwner  bool         `json:"hasOwner"`
}

type sourceView struct {
	Video bool `json:"video"`
	Audio bool `json:"audio"`
}

func newSourceViews(sources []media.Source) []sourceView {
	views := make([]sourceView, 0, len(sources))
	for _, src := range sources {
		views = append(views, sourceView{Video: src.ExpectVideo, Audio: src.ExpectAudio})
	}
	return views
}

func newLiveSessionView(info signal.SessionInfo) sessionView {
	return sessionView{
		ID:        info.ID,
		Class:     string(info.Class),
		Sources:   newSourceViews(info.Sources),
		CreatedAt: info.CreatedAt.UnixMilli(),
		HasOwner:  info.HasOwner,
	}
}

func newEndedSessionView(rec store.SessionRecord) sessionView {
	return sessionView{
		ID:        rec.ID,
		Class:     rec.Class,
		Sources:   newSourceViews(rec.Sources),
		CreatedAt: rec.CreatedAt,
		EndedAt:   rec.EndedAt,
		Reason:    rec.Reason,
	}
}

func (s *Service) getSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}

	data := newHTTPData()
	defer s.httpAudit("getSessions", data, w, r)

	infos := s.registry.List()
	sessions := make([]sessionView, 0, len(infos))
	for _, info := range infos {
		sessions = append(sessions, newLiveSessionView(info))
	}

	data.resData["sessions"] = sessions
	data.code = http.StatusOK
}

// getSession returns the live session matching the id or, failing that, the
// journal record of the last session that ended with it.
func (s *Service) getSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}

	data := newHTTPData()
	defer s.httpAudit("getSession", data, w, r)

	sessionID := r.PathValue("id")
	data.reqData["sessionID"] = sessionID

	if session := s.registry.Lookup(sessionID); session != nil {
		data.resData["live"] = true
		data.resData["session"] = newLiveSessionView(session.Info())
		data.code = http.StatusOK
		return
	}

	rec, err := s.journal.Lookup(sessionID)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrEmptyKey) {
		data.err = "session not found"
		data.code = http.StatusNotFound
		return
	} else if err != nil {
		data.err = err.Error()
		data.code = http.StatusInternalServerError
		return
	}

	data.resData["live"] = false
	data.resData["session"] = newEndedSessionView(rec)
	data.code = http.StatusOK
}
