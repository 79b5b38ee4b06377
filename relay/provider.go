/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package relay

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aerolora/aerolink/interlink"
)

// Session is one client being relayed for.
type Session struct {
	ClientSysID    uint8
	StartedAt      time.Time
	LastHeartbeat  time.Time
	PacketsRelayed uint64
}

// ProviderConfig bounds the provider side.
type ProviderConfig struct {
	Capacity       int
	ClientTimeout  time.Duration
	AnnouncePeriod time.Duration
}

// DefaultProviderConfig returns the canonical provider settings.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Capacity:       2,
		ClientTimeout:  5 * time.Second,
		AnnouncePeriod: 2 * time.Second,
	}
}

// Provider accepts relay clients and supervises their sessions on a
// Secondary.
type Provider struct {
	cfg   ProviderConfig
	sysID uint8

	available bool
	gcs       interlink.Metrics
	pos       interlink.Position

	sessions   map[uint8]*Session
	announceAt time.Time

	Evictions uint64

	// SendFrame broadcasts one mesh frame.
	SendFrame func(b []byte)
}

// NewProvider creates an available relay provider.
func NewProvider(sysID uint8, cfg ProviderConfig) *Provider {
	return &Provider{
		cfg:       cfg,
		sysID:     sysID,
		available: true,
		sessions:  map[uint8]*Session{},
	}
}

// SetAvailable flips the availability flag carried in announcements.
func (p *Provider) SetAvailable(v bool) { p.available = v }

// SetGCSMetrics records the Primary's reported GCS link state for the
// next announcements.
func (p *Provider) SetGCSMetrics(m interlink.Metrics) { p.gcs = m }

// SetPosition records the own-aircraft fix for the next announcements.
func (p *Provider) SetPosition(pos interlink.Position) { p.pos = pos }

// Sessions returns the live session count.
func (p *Provider) Sessions() int { return len(p.sessions) }

// Session returns one session, or nil.
func (p *Provider) Session(clientSysID uint8) *Session {
	return p.sessions[clientSysID]
}

// HandleRequest answers a relay request addressed to us. Re-requests
// from a live client refresh the session and are re-accepted, so a
// lost ACCEPT resolves itself.
func (p *Provider) HandleRequest(r *Request, now time.Time) {
	if r.TargetSysID != p.sysID {
		return
	}
	if s, ok := p.sessions[r.ClientSysID]; ok {
		s.LastHeartbeat = now
		p.accept(r)
		return
	}
	if !p.available || len(p.sessions) >= p.cfg.Capacity {
		reason := RejectCapacityFull
		if !p.available {
			reason = RejectUnavailable
		}
		rej := &Reject{ProviderSysID: p.sysID, ClientSysID: r.ClientSysID, Seq: r.Seq, Reason: reason}
		if p.SendFrame != nil {
			p.SendFrame(rej.Marshal())
		}
		log.WithFields(log.Fields{
			"client": r.ClientSysID,
			"reason": reason.String(),
		}).Info("relay provider: request rejected")
		return
	}
	p.sessions[r.ClientSysID] = &Session{
		ClientSysID:   r.ClientSysID,
		StartedAt:     now,
		LastHeartbeat: now,
	}
	p.accept(r)
	log.WithFields(log.Fields{
		"client":   r.ClientSysID,
		"sessions": len(p.sessions),
	}).Info("relay provider: client accepted")
}

func (p *Provider) accept(r *Request) {
	a := &Accept{ProviderSysID: p.sysID, ClientSysID: r.ClientSysID, Seq: r.Seq}
	if p.SendFrame != nil {
		p.SendFrame(a.Marshal())
	}
}

// HandleHeartbeat refreshes a session keepalive.
func (p *Provider) HandleHeartbeat(h *Heartbeat, now time.Time) {
	if h.ProviderSysID != p.sysID {
		return
	}
	if s, ok := p.sessions[h.ClientSysID]; ok {
		s.LastHeartbeat = now
	}
}

// ObserveClientFrame accounts one relayed packet and reports whether
// the client has a live session. Traffic counts as a heartbeat.
func (p *Provider) ObserveClientFrame(clientSysID uint8, now time.Time) bool {
	s, ok := p.sessions[clientSysID]
	if !ok {
		return false
	}
	s.LastHeartbeat = now
	s.PacketsRelayed++
	return true
}

// Tick evicts timed-out clients and emits the periodic announcement.
// Eviction is silent on the air; the session just stops existing.
func (p *Provider) Tick(now time.Time) {
	for id, s := range p.sessions {
		if now.Sub(s.LastHeartbeat) > p.cfg.ClientTimeout {
			delete(p.sessions, id)
			p.Evictions++
			log.WithFields(log.Fields{
				"client":  id,
				"relayed": s.PacketsRelayed,
				"silence": now.Sub(s.LastHeartbeat),
			}).Warning("relay provider: client evicted on heartbeat timeout")
		}
	}
	if p.announceAt.IsZero() || now.Sub(p.announceAt) >= p.cfg.AnnouncePeriod {
		p.announceAt = now
		a := &Announcement{
			SysID:     p.sysID,
			Available: p.available && len(p.sessions) < p.cfg.Capacity,
			GCS:       p.gcs,
			Pos:       p.pos,
		}
		if p.SendFrame != nil {
			p.SendFrame(a.Marshal())
		}
	}
}
