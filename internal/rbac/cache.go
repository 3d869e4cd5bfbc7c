package rbac

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// PermissionCache memoizes effective permission sets keyed by role id. It is
// shared by all in-flight requests and is only ever invalidated explicitly;
// every role, role-permission or assignment mutation must call Clear (or
// Invalidate for the affected roles) to avoid stale authorization reads.
type PermissionCache struct {
	mu      sync.RWMutex
	entries map[int64][]string
}

// NewPermissionCache constructs an empty cache.
func NewPermissionCache() *PermissionCache {
	return &PermissionCache{entries: make(map[int64][]string)}
}

// Get returns the cached permission set for a role.
func (c *PermissionCache) Get(roleID int64) ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	perms, ok := c.entries[roleID]
	return perms, ok
}

// Set stores the permission set for a role.
func (c *PermissionCache) Set(roleID int64, perms []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[roleID] = perms
}

// Invalidate drops the entry for a single role.
func (c *PermissionCache) Invalidate(roleID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, roleID)
}

// Clear drops every entry.
func (c *PermissionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[int64][]string)
}

// Len reports the number of cached roles.
func (c *PermissionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// decision is a cached authorization outcome for one
// (user, permission, resource) tuple.
type decision struct {
	outcome Outcome
	roleID  int64
	teamID  int64
}

// DecisionCache bounds memoized authorization decisions with an LRU policy.
// Like the permission cache it has no TTL; mutations clear it wholesale.
type DecisionCache struct {
	lru *lru.Cache[string, decision]
}

// NewDecisionCache constructs a cache holding at most size decisions.
func NewDecisionCache(size int) (*DecisionCache, error) {
	if size <= 0 {
		size = 4096
	}
	inner, err := lru.New[string, decision](size)
	if err != nil {
		return nil, err
	}
	return &DecisionCache{lru: inner}, nil
}

// decisionKey includes the resource kind: the cached outcome embeds the
// scope check, and two routes sharing a permission may scope the same
// resource id differently.
func decisionKey(userID int64, permission, kind, resourceID string) string {
	return fmt.Sprintf("%d|%s|%s|%s", userID, permission, kind, resourceID)
}

func (c *DecisionCache) get(userID int64, permission, kind, resourceID string) (decision, bool) {
	return c.lru.Get(decisionKey(userID, permission, kind, resourceID))
}

func (c *DecisionCache) set(userID int64, permission, kind, resourceID string, d decision) {
	c.lru.Add(decisionKey(userID, permission, kind, resourceID), d)
}

// Clear drops every cached decision.
func (c *DecisionCache) Clear() {
	c.lru.Purge()
}

// Len reports the number of cached decisions.
func (c *DecisionCache) Len() int {
	return c.lru.Len()
}
