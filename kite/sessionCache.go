/*
 * Copyright (c) 2021, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package kite

import (
	"time"

	"github.com/bifurcation/mint"
	cache "github.com/patrickmn/go-cache"
)

const (
	sessionCacheExpiry        = 6 * time.Hour
	sessionCacheCleanupPeriod = 1 * time.Minute
)

// sessionCache is a expiring pre-shared key store enabling TLS session
// resumption across the frequent reconnects a relay makes to its front
// ends. Entries expire so stale tickets are not offered indefinitely.
type sessionCache struct {
	psks *cache.Cache
}

// NewSessionCache creates a session resumption cache to be shared by all
// connections built from one TLSConfig.
func NewSessionCache() mint.PreSharedKeyCache {
	return &sessionCache{
		psks: cache.New(sessionCacheExpiry, sessionCacheCleanupPeriod),
	}
}

func (s *sessionCache) Get(key string) (mint.PreSharedKey, bool) {
	entry, ok := s.psks.Get(key)
	if !ok {
		return mint.PreSharedKey{}, false
	}
	return entry.(mint.PreSharedKey), true
}

func (s *sessionCache) Put(key string, psk mint.PreSharedKey) {
	s.psks.Set(key, psk, cache.DefaultExpiration)
}

func (s *sessionCache) Size() int {
	return s.psks.ItemCount()
}
