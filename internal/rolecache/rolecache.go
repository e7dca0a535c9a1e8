// Package rolecache keeps a short-lived cache of (document, user) role
// lookups so hot paths (heartbeats, lock touches) do not hit the directory on
// every request. Entries expire on a fixed TTL and are invalidated explicitly
// whenever a collaborator is changed or removed.
package rolecache

import (
	"time"

	"folio/api/internal/rbac"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type Cache struct {
	lru *expirable.LRU[string, rbac.Role]
}

func New(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = 4096
	}
	return &Cache{lru: expirable.NewLRU[string, rbac.Role](size, nil, ttl)}
}

func key(documentID, userID string) string {
	return documentID + "/" + userID
}

func (c *Cache) Get(documentID, userID string) (rbac.Role, bool) {
	return c.lru.Get(key(documentID, userID))
}

func (c *Cache) Put(documentID, userID string, role rbac.Role) {
	c.lru.Add(key(documentID, userID), role)
}

// Invalidate drops a single (document, user) entry. Called after any role
// assignment or revocation so a demoted collaborator cannot ride out the TTL.
func (c *Cache) Invalidate(documentID, userID string) {
	c.lru.Remove(key(documentID, userID))
}

func (c *Cache) Purge() {
	c.lru.Purge()
}
