// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package signal

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nodegst/playerd/service/engine"
	"github.com/nodegst/playerd/service/media"
	"github.com/nodegst/playerd/service/random"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

const (
	defaultMaxIDAttempts = 100
	defaultEOSDelay      = time.Second
)

var ErrIDSpaceExhausted = errors.New("session id space exhausted")

// SessionInfo is a point in time description of a session.
type SessionInfo struct {
	ID        string             `json:"id"`
	Class     media.ContentClass `json:"class"`
	Sources   []media.Source     `json:"sources"`
	CreatedAt time.Time          `json:"createdAt"`
	HasOwner  bool               `json:"hasOwner"`
}

type EndedCb func(info SessionInfo, reason string, endedAt time.Time)

type RegistryOption func(r *Registry) error

func WithCodeGenerator(gen func() (string, error)) RegistryOption {
	return func(r *Registry) error {
		if gen == nil {
			return fmt.Errorf("invalid code generator: should not be nil")
		}
		r.genCode = gen
		return nil
	}
}

func WithMaxIDAttempts(n int) RegistryOption {
	return func(r *Registry) error {
		if n <= 0 {
			return fmt.Errorf("invalid max id attempts: should be greater than zero")
		}
		r.maxIDAttempts = n
		return nil
	}
}

func WithEndedCb(cb EndedCb) RegistryOption {
	return func(r *Registry) error {
		r.endedCb = cb
		return nil
	}
}

func WithEOSDelay(d time.Duration) RegistryOption {
	return func(r *Registry) error {
		if d < 0 {
			return fmt.Errorf("invalid EOS delay: should not be negative")
		}
		r.eosDelay = d
		return nil
	}
}

func WithMetrics(m Metrics) RegistryOption {
	return func(r *Registry) error {
		r.metrics = m
		return nil
	}
}

// Registry is the sole owner of live sessions.
type Registry struct {
	factory       engine.Factory
	log           mlog.LoggerIFace
	genCode       func() (string, error)
	maxIDAttempts int
	eosDelay      time.Duration
	endedCb       EndedCb
	metrics       Metrics

	mut      sync.RWMutex
	sessions map[string]*Session
	reserved map[string]struct{}
}

func NewRegistry(factory engine.Factory, log mlog.LoggerIFace, opts ...RegistryOption) (*Registry, error) {
	if factory == nil {
		return nil, fmt.Errorf("factory should not be nil")
	}
	if log == nil {
		return nil, fmt.Errorf("log should not be nil")
	}

	r := &Registry{
		factory:       factory,
		log:           log,
		genCode:       random.NewSessionCode,
		maxIDAttempts: defaultMaxIDAttempts,
		eosDelay:      defaultEOSDelay,
		sessions:      make(map[string]*Session),
		reserved:      make(map[string]struct{}),
	}

	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	return r, nil
}

// Create plans the given sources and builds a new session bound to owner.
// The session only becomes visible once fully constructed.
func (r *Registry) Create(sources []media.Source, owner Owner, sched Scheduler) (*Session, error) {
	if sched == nil {
		return nil, fmt.Errorf("scheduler should not be nil")
	}

	plan, err := media.NewPlan(sources)
	if err != nil {
		return nil, fmt.Errorf("failed to plan pipeline: %w", err)
	}

	id, err := r.reserveID()
	if err != nil {
		return nil, err
	}

	eng, err := r.factory.NewEngine(id, plan)
	if err != nil {
		r.releaseID(id)
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	s := newSession(id, sources, plan, eng, r, owner, sched)

	r.mut.Lock()
	delete(r.reserved, id)
	r.sessions[id] = s
	r.mut.Unlock()

	if r.metrics != nil {
		r.metrics.IncSessions()
	}

	r.log.Debug("session created",
		mlog.String("sessionID", id),
		mlog.String("class", string(plan.Class)),
		mlog.Int("tracks", plan.TrackCount()),
	)

	return s, nil
}

func (r *Registry) reserveID() (string, error) {
	r.mut.Lock()
	defer r.mut.Unlock()

	for i := 0; i < r.maxIDAttempts; i++ {
		id, err := r.genCode()
		if err != nil {
			return "", fmt.Errorf("failed to generate session id: %w", err)
		}
		if _, ok := r.sessions[id]; ok {
			continue
		}
		if _, ok := r.reserved[id]; ok {
			continue
		}
		r.reserved[id] = struct{}{}
		return id, nil
	}

	return "", fmt.Errorf("%w: no free id after %d attempts", ErrIDSpaceExhausted, r.maxIDAttempts)
}

func (r *Registry) releaseID(id string) {
	r.mut.Lock()
	delete(r.reserved, id)
	r.mut.Unlock()
}

// Remove drops the session with the given id. Removing an unknown id is
// tolerated and reported by returning false.
func (r *Registry) Remove(id string) bool {
	r.mut.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mut.Unlock()

	if !ok {
		r.log.Warn("session not found, ended twice?", mlog.String("sessionID", id))
		return false
	}

	if r.metrics != nil {
		r.metrics.DecSessions()
	}

	return true
}

func (r *Registry) sessionEnded(s *Session, reason string) {
	if !r.Remove(s.id) {
		return
	}

	if r.metrics != nil {
		r.metrics.IncSessionEnds(reasonLabel(reason))
	}

	if r.endedCb != nil {
		r.endedCb(s.Info(), reason, time.Now())
	}
}

func (r *Registry) Lookup(id string) *Session {
	r.mut.RLock()
	defer r.mut.RUnlock()
	return r.sessions[id]
}

func (r *Registry) Len() int {
	r.mut.RLock()
	defer r.mut.RUnlock()
	return len(r.sessions)
}

func (r *Registry) List() []SessionInfo {
	sessions := r.getSessions()
	infos := make([]SessionInfo, len(sessions))
	for i, s := range sessions {
		infos[i] = s.Info()
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID < infos[j].ID
	})
	return infos
}

func (r *Registry) getSessions() []*Session {
	r.mut.RLock()
	defer r.mut.RUnlock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// reasonLabel strips the variable part of reasons such as engine errors so
// they can be used as metric labels.
func reasonLabel(reason string) string {
	if idx := strings.Index(reason, ":"); idx > 0 {
		return reason[:idx]
	}
	return reason
}
