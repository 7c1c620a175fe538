// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sipsignal

import (
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
)

type callRecord struct {
	ID        string
	Peer      string
	Channel   string
	Recipient sip.Uri

	// endedAt is zero while call is live
	endedAt time.Time
}

// callCache indexes live connections by call id and by server dialog id,
// and keeps records of calls that can still be resumed.
type callCache struct {
	live    sync.Map
	dialogs sync.Map

	window  time.Duration
	mu      sync.Mutex
	records map[string]callRecord
	now     func() time.Time
}

func newCallCache(window time.Duration) *callCache {
	return &callCache{
		window:  window,
		records: make(map[string]callRecord),
		now:     time.Now,
	}
}

func (c *callCache) storeLive(conn *Connection) {
	c.live.Store(conn.id, conn)
}

func (c *callCache) loadLive(id string) (*Connection, bool) {
	v, ok := c.live.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Connection), true
}

func (c *callCache) storeDialog(dialogID string, conn *Connection) {
	c.dialogs.Store(dialogID, conn)
}

func (c *callCache) loadDialog(dialogID string) (*Connection, bool) {
	v, ok := c.dialogs.Load(dialogID)
	if !ok {
		return nil, false
	}
	return v.(*Connection), true
}

// ended removes conn from live indexes and starts reconnect window of its record.
func (c *callCache) ended(conn *Connection, dialogID string) {
	c.live.CompareAndDelete(conn.id, conn)
	if dialogID != "" {
		c.dialogs.CompareAndDelete(dialogID, conn)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.records[conn.id]; ok {
		rec.endedAt = c.now()
		c.records[conn.id] = rec
	}
	c.expireLocked()
}

func (c *callCache) remember(rec callRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[rec.ID] = rec
	c.expireLocked()
}

func (c *callCache) record(id string) (callRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked()
	rec, ok := c.records[id]
	return rec, ok
}

func (c *callCache) expireLocked() {
	now := c.now()
	for id, rec := range c.records {
		if !rec.endedAt.IsZero() && now.Sub(rec.endedAt) > c.window {
			delete(c.records, id)
		}
	}
}
