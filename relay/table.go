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

// Entry is one discovered peer in the relay table.
type Entry struct {
	SysID     uint8
	Available bool
	GCS       interlink.Metrics
	Pos       interlink.Position

	// mesh-link quality observed locally on reception
	MeshRSSIdBm float64
	MeshSNRdB   float64

	LastHeard time.Time
	Score     float64
}

// Table holds the peers a client can choose a relay from. At most one
// entry per system id; the local node's own id is never stored.
type Table struct {
	ownSysID     uint8
	staleTimeout time.Duration
	entries      map[uint8]*Entry
}

// NewTable creates a table for the given local system id.
func NewTable(ownSysID uint8, staleTimeout time.Duration) *Table {
	return &Table{
		ownSysID:     ownSysID,
		staleTimeout: staleTimeout,
		entries:      map[uint8]*Entry{},
	}
}

// Observe applies one received announcement, recording the mesh-link
// quality of the reception itself. Own-node announcements are ignored.
func (t *Table) Observe(a *Announcement, meshRSSI, meshSNR float64, now time.Time) {
	if a.SysID == t.ownSysID {
		return
	}
	t.entries[a.SysID] = &Entry{
		SysID:       a.SysID,
		Available:   a.Available,
		GCS:         a.GCS,
		Pos:         a.Pos,
		MeshRSSIdBm: meshRSSI,
		MeshSNRdB:   meshSNR,
		LastHeard:   now,
	}
}

// Remove drops one peer, e.g. after it rejected a request.
func (t *Table) Remove(sysID uint8) {
	delete(t.entries, sysID)
}

// Purge evicts entries not heard from within the stale timeout.
func (t *Table) Purge(now time.Time) int {
	purged := 0
	for id, e := range t.entries {
		if now.Sub(e.LastHeard) > t.staleTimeout {
			delete(t.entries, id)
			purged++
		}
	}
	if purged > 0 {
		log.Debugf("relay: purged %d stale peers, %d remain", purged, len(t.entries))
	}
	return purged
}

// Get returns one entry, or nil.
func (t *Table) Get(sysID uint8) *Entry {
	return t.entries[sysID]
}

// Len returns the table population.
func (t *Table) Len() int { return len(t.entries) }

// Available returns the peers whose availability flag is set.
func (t *Table) Available() []*Entry {
	var out []*Entry
	for _, e := range t.entries {
		if e.Available {
			out = append(out, e)
		}
	}
	return out
}
