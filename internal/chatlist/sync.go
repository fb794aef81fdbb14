// Package chatlist keeps the chat list in line with the persistence API.
package chatlist

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/nova/internal/api"
	"github.com/matheus3301/nova/internal/loop"
	"github.com/matheus3301/nova/internal/metrics"
	"github.com/matheus3301/nova/internal/model"
	"github.com/matheus3301/nova/internal/state"
)

// Synchronizer replaces the chat list wholesale from GET /chats. Concurrent
// refreshes are allowed; the most recently issued one that completes wins.
type Synchronizer struct {
	loop   *loop.Loop
	store  *state.Store
	api    api.Persistence
	logger *zap.Logger

	issued atomic.Uint64

	// loop-owned
	applied   uint64
	onCleared func(chatID string)
}

// New creates a synchronizer.
func New(l *loop.Loop, s *state.Store, p api.Persistence, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{loop: l, store: s, api: p, logger: logger.Named("chatlist")}
}

// OnActiveCleared sets the hook run on the loop when a refresh drops the
// open chat. Must be set before the first refresh.
func (s *Synchronizer) OnActiveCleared(fn func(chatID string)) {
	s.onCleared = fn
}

// Refresh fetches the chat list and applies it unless a newer refresh has
// already been applied. On failure the current list is kept.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	seq := s.issued.Add(1)
	start := time.Now()
	chats, err := s.api.ListChats(ctx)
	metrics.RefreshDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.Refreshes.WithLabelValues("failed").Inc()
		s.logger.Warn("refresh failed", zap.Uint64("seq", seq), zap.Error(err))
		return err
	}

	return s.loop.Do(context.WithoutCancel(ctx), func() {
		if seq < s.applied {
			metrics.Refreshes.WithLabelValues("stale").Inc()
			s.logger.Debug("dropping stale chat list", zap.Uint64("seq", seq), zap.Uint64("applied", s.applied))
			return
		}
		s.applied = seq
		prev := s.store.ActiveChatID()
		if s.store.ReplaceChats(chats) && s.onCleared != nil {
			s.onCleared(prev)
		}
		metrics.Refreshes.WithLabelValues("applied").Inc()
	})
}

// RefreshAsync runs Refresh in the background.
func (s *Synchronizer) RefreshAsync() {
	s.loop.Spawn(func(ctx context.Context) {
		_ = s.Refresh(ctx)
	})
}

// Filter returns the chats whose other participant or latest message
// matches query, case-insensitively. An empty query matches everything.
func Filter(chats []model.Chat, meID, query string) []model.Chat {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return chats
	}
	var out []model.Chat
	for _, c := range chats {
		other := c.Other(meID)
		fields := []string{other.DisplayName, other.Username}
		if c.LatestMessage != nil {
			fields = append(fields, c.LatestMessage.Content)
		}
		for _, f := range fields {
			if strings.Contains(strings.ToLower(f), q) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}
