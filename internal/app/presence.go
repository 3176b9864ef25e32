package app

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

const presencePersistTimeout = 5 * time.Second

type presenceEvent struct {
	UserID   domain.UserID         `json:"userId"`
	Name     string                `json:"name"`
	Avatar   string                `json:"avatar,omitempty"`
	Status   domain.PresenceStatus `json:"status"`
	LastSeen time.Time             `json:"lastSeen"`
}

// Presence broadcasts online/offline transitions reported by the registry
// and records them in the store without waiting for the write.
type Presence struct {
	reg   *Registry
	store core.PresenceStore
	now   func() time.Time
	wg    sync.WaitGroup
}

func NewPresence(reg *Registry, store core.PresenceStore) *Presence {
	p := &Presence{reg: reg, store: store, now: time.Now}
	reg.SetObserver(p)
	return p
}

func (p *Presence) PresenceChanged(user domain.User, status domain.PresenceStatus) {
	now := p.now().UTC()
	p.reg.Broadcast(core.NewEvent("presence.changed", presenceEvent{
		UserID:   user.ID,
		Name:     user.Name,
		Avatar:   user.Avatar,
		Status:   status,
		LastSeen: now,
	}))
	if p.store == nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), presencePersistTimeout)
		defer cancel()
		if err := p.store.UpdatePresence(ctx, user.ID, status, now); err != nil {
			log.Error().Err(err).Str("module", "app.presence").Str("user", string(user.ID)).Str("status", string(status)).Msg("persist presence")
		}
	}()
}

func (p *Presence) Online() []domain.User {
	return p.reg.OnlineUsers()
}

// Wait blocks until in-flight presence writes finish.
func (p *Presence) Wait() {
	p.wg.Wait()
}
