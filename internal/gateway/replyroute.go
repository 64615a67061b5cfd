package gateway

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/dreamware/silomesh/internal/wire"
)

// ReplyRouteCache maps a client id to the gateway silo last known to
// hold its live connection, so a reply addressed to that client from
// elsewhere in the cluster can be forwarded there. Entries expire
// after 5 × response_timeout (spec.md §4.8), matching the directory
// cache's choice of `hashicorp/golang-lru/v2` but using its expirable
// variant since these entries need a wall-clock TTL rather than pure
// LRU eviction.
type ReplyRouteCache struct {
	lru *expirable.LRU[wire.ClientID, wire.SiloAddress]
}

// NewReplyRouteCache creates a cache with the given capacity and TTL.
func NewReplyRouteCache(size int, ttl time.Duration) *ReplyRouteCache {
	return &ReplyRouteCache{lru: expirable.NewLRU[wire.ClientID, wire.SiloAddress](size, nil, ttl)}
}

// Put records that client is currently reachable through gatewaySilo.
func (c *ReplyRouteCache) Put(client wire.ClientID, gatewaySilo wire.SiloAddress) {
	c.lru.Add(client, gatewaySilo)
}

// Get returns the gateway silo last known to hold client's connection.
func (c *ReplyRouteCache) Get(client wire.ClientID) (wire.SiloAddress, bool) {
	return c.lru.Get(client)
}

// Remove drops client's reply route, e.g. once its connection has been
// dropped for longer than client_drop_timeout.
func (c *ReplyRouteCache) Remove(client wire.ClientID) {
	c.lru.Remove(client)
}

// Len reports the number of live entries, for tests.
func (c *ReplyRouteCache) Len() int {
	return c.lru.Len()
}
