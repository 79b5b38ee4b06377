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

// ClientState is the client half of the relay state machine.
type ClientState uint8

// Client states. Discovering and Requesting are transitional and ride
// the watchdog; Idle and Connected are stable.
const (
	StateIdle ClientState = iota
	StateDiscovering
	StateRequesting
	StateConnected
)

func (s ClientState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateDiscovering:
		return "DISCOVERING"
	case StateRequesting:
		return "REQUESTING"
	case StateConnected:
		return "CONNECTED"
	}
	return "?"
}

// ClientConfig times the client state machine.
type ClientConfig struct {
	RequestTimeout  time.Duration // wait for ACCEPT/REJECT
	RequestRetries  int           // discovery rounds before giving up
	WatchdogTimeout time.Duration // revert stuck transitional states
	ProviderTimeout time.Duration // announcement silence ending a session
	HeartbeatPeriod time.Duration // session keepalive interval
	StaleTimeout    time.Duration // discovery table entry lifetime
}

// DefaultClientConfig returns the canonical client timings.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RequestTimeout:  500 * time.Millisecond,
		RequestRetries:  3,
		WatchdogTimeout: 2 * time.Second,
		ProviderTimeout: 5 * time.Second,
		HeartbeatPeriod: time.Second,
		StaleTimeout:    10 * time.Second,
	}
}

// Client runs relay discovery and the request handshake on a Secondary.
// All methods are driven from the node loop; outputs are callbacks.
type Client struct {
	cfg    ClientConfig
	sysID  uint8
	table  *Table
	scorer *Scorer

	state     ClientState
	prevState ClientState
	armedAt   time.Time // watchdog arm time, zero when disarmed

	ownPos  *interlink.Position
	reqSeq  uint8
	target  uint8
	sentAt  time.Time
	retries int

	provider      uint8
	providerHeard time.Time
	heartbeatAt   time.Time

	// TransitionFailures counts watchdog-forced reverts.
	TransitionFailures uint64

	// SendFrame broadcasts one mesh frame.
	SendFrame func(b []byte)
	// OnSelected reports the scoring winner before the request goes out.
	OnSelected func(e *Entry)
	// OnEstablished reports a completed handshake.
	OnEstablished func(providerSysID uint8)
	// OnLost reports the end of a session or a failed discovery.
	OnLost func(providerSysID uint8, reason interlink.LostReason)
}

// NewClient creates an idle relay client.
func NewClient(sysID uint8, cfg ClientConfig, scorer *Scorer) *Client {
	return &Client{
		cfg:    cfg,
		sysID:  sysID,
		table:  NewTable(sysID, cfg.StaleTimeout),
		scorer: scorer,
	}
}

// State returns the current client state.
func (c *Client) State() ClientState { return c.state }

// Table exposes the discovery table.
func (c *Client) Table() *Table { return c.table }

// Provider returns the connected provider's system id, valid in
// StateConnected only.
func (c *Client) Provider() uint8 { return c.provider }

// setState performs a transition and arms the watchdog for
// transitional targets.
func (c *Client) setState(to ClientState, now time.Time) {
	if to == c.state {
		return
	}
	log.WithFields(log.Fields{
		"from": c.state.String(),
		"to":   to.String(),
		"at":   now,
	}).Info("relay client: transition")
	c.prevState = c.state
	c.state = to
	if to == StateDiscovering || to == StateRequesting {
		c.armedAt = now
	} else {
		c.armedAt = time.Time{}
	}
}

// StartDiscovery begins scoring after the Primary signals GCS link
// loss. The position feeds the distance term.
func (c *Client) StartDiscovery(pos interlink.Position, now time.Time) {
	if c.state != StateIdle {
		return
	}
	c.ownPos = &pos
	c.retries = 0
	c.setState(StateDiscovering, now)
}

// GCSRestored ends any relay activity: the direct link is back.
func (c *Client) GCSRestored(now time.Time) {
	if c.state == StateConnected && c.OnLost != nil {
		c.OnLost(c.provider, interlink.LostGCSRestored)
	}
	c.setState(StateIdle, now)
}

// OnMeshFrame dispatches one received mesh frame by magic.
func (c *Client) OnMeshFrame(b []byte, rssi, snr float64, now time.Time) {
	if len(b) == 0 {
		return
	}
	switch b[0] {
	case MagicAnnounce:
		a, err := UnmarshalAnnouncement(b)
		if err != nil {
			return
		}
		c.table.Observe(a, rssi, snr, now)
		if c.state == StateConnected && a.SysID == c.provider {
			c.providerHeard = now
		}
	case MagicAccept:
		a, err := UnmarshalAccept(b)
		if err != nil {
			return
		}
		c.onAccept(a, now)
	case MagicReject:
		r, err := UnmarshalReject(b)
		if err != nil {
			return
		}
		c.onReject(r, now)
	}
}

func (c *Client) onAccept(a *Accept, now time.Time) {
	if c.state != StateRequesting || a.ClientSysID != c.sysID || a.Seq != c.reqSeq {
		return
	}
	if a.ProviderSysID != c.target {
		return
	}
	c.provider = a.ProviderSysID
	c.providerHeard = now
	c.heartbeatAt = now
	c.setState(StateConnected, now)
	if c.OnEstablished != nil {
		c.OnEstablished(c.provider)
	}
}

func (c *Client) onReject(r *Reject, now time.Time) {
	if c.state != StateRequesting || r.ClientSysID != c.sysID || r.Seq != c.reqSeq {
		return
	}
	log.WithFields(log.Fields{
		"provider": r.ProviderSysID,
		"reason":   r.Reason.String(),
	}).Info("relay client: request rejected")
	// out of the running for this attempt
	c.table.Remove(r.ProviderSysID)
	c.setState(StateDiscovering, now)
}

// Tick advances timers: watchdog, discovery scoring, request timeout,
// session heartbeats and provider supervision.
func (c *Client) Tick(now time.Time) {
	c.table.Purge(now)

	if !c.armedAt.IsZero() && now.Sub(c.armedAt) > c.cfg.WatchdogTimeout {
		c.TransitionFailures++
		log.WithFields(log.Fields{
			"state":  c.state.String(),
			"revert": c.prevState.String(),
		}).Warning("relay client: transition watchdog fired")
		// direct revert, bypassing setState so prevState is kept intact
		c.state = c.prevState
		c.armedAt = time.Time{}
		return
	}

	switch c.state {
	case StateDiscovering:
		best, err := c.scorer.Best(c.table, c.ownPos)
		if err != nil {
			log.Errorf("relay client: scoring: %v", err)
			return
		}
		if best == nil {
			return
		}
		if c.OnSelected != nil {
			c.OnSelected(best)
		}
		c.reqSeq++
		c.target = best.SysID
		c.sentAt = now
		// enter REQUESTING before the frame goes out; the answer may
		// arrive before SendFrame returns
		c.setState(StateRequesting, now)
		req := &Request{ClientSysID: c.sysID, TargetSysID: best.SysID, Seq: c.reqSeq}
		if c.SendFrame != nil {
			c.SendFrame(req.Marshal())
		}

	case StateRequesting:
		if now.Sub(c.sentAt) <= c.cfg.RequestTimeout {
			return
		}
		c.retries++
		if c.retries > c.cfg.RequestRetries {
			log.Warning("relay client: request retries exhausted, giving up")
			if c.OnLost != nil {
				c.OnLost(c.target, interlink.LostHeartbeatTimeout)
			}
			c.setState(StateIdle, now)
			return
		}
		c.setState(StateDiscovering, now)

	case StateConnected:
		if now.Sub(c.providerHeard) > c.cfg.ProviderTimeout {
			log.WithFields(log.Fields{
				"provider": c.provider,
				"silence":  now.Sub(c.providerHeard),
			}).Warning("relay client: provider heartbeat timeout")
			if c.OnLost != nil {
				c.OnLost(c.provider, interlink.LostHeartbeatTimeout)
			}
			c.setState(StateIdle, now)
			return
		}
		if now.Sub(c.heartbeatAt) >= c.cfg.HeartbeatPeriod {
			c.heartbeatAt = now
			hb := &Heartbeat{ClientSysID: c.sysID, ProviderSysID: c.provider}
			if c.SendFrame != nil {
				c.SendFrame(hb.Marshal())
			}
		}
	}
}
