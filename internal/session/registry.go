package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nmea-ws-proxy/backend/internal/logger"
	"github.com/nmea-ws-proxy/backend/internal/metrics"
	"github.com/nmea-ws-proxy/backend/internal/model"
)

const mirrorTimeout = 2 * time.Second

// Mirror publishes session snapshots to a store shared by several proxy instances.
// *repository.RedisSessionMirror satisfies it.
type Mirror interface {
	Publish(ctx context.Context, sessions []model.SessionInfo, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

// Stats is the aggregate reported by the stats reporter.
type Stats struct {
	Total     int `json:"total"`
	Streaming int `json:"streaming"`
}

// Registry tracks live sessions by identity.
type Registry struct {
	mirror Mirror
	log    zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	closing  bool
}

// NewRegistry creates an empty registry. mirror may be nil.
func NewRegistry(mirror Mirror) *Registry {
	return &Registry{
		mirror:   mirror,
		log:      logger.Component("registry"),
		sessions: make(map[string]*Session),
	}
}

// Add registers a session. Keys are unique. Once CloseAll has run, Add returns model.ErrRegistryClosed.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closing {
		return model.ErrRegistryClosed
	}
	if _, exists := r.sessions[s.ID()]; exists {
		return fmt.Errorf("session %s already registered", s.ID())
	}
	r.sessions[s.ID()] = s
	metrics.SessionsActive.Set(float64(len(r.sessions)))
	return nil
}

// Remove unregisters a session and drops its mirrored snapshot. It reports whether the session was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	_, exists := r.sessions[id]
	delete(r.sessions, id)
	metrics.SessionsActive.Set(float64(len(r.sessions)))
	r.mu.Unlock()

	if exists && r.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := r.mirror.Delete(ctx, id); err != nil {
			r.log.Warn().Err(err).Str("session_id", id).Msg("failed to delete mirrored session")
		}
	}
	return exists
}

// Get returns a live session or model.ErrSessionNotFound.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, exists := r.sessions[id]
	if !exists {
		return nil, model.ErrSessionNotFound
	}
	return s, nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns every live session's info, oldest first.
func (r *Registry) Snapshot() []model.SessionInfo {
	r.mu.RLock()
	infos := make([]model.SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, s.Info())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Stats counts total and streaming sessions.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{Total: len(r.sessions)}
	for _, s := range r.sessions {
		if info := s.Info(); info.IsStreaming() {
			stats.Streaming++
		}
	}
	return stats
}

// CloseAll hangs up every session and waits until they have all been removed or ctx expires.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	r.log.Info().Int("count", len(sessions)).Msg("closing sessions")
	for _, s := range sessions {
		if err := s.Hangup(); err != nil {
			r.log.Debug().Err(err).Str("session_id", s.ID()).Msg("hangup")
		}
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for r.Len() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to drain %d sessions: %w", r.Len(), ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}
