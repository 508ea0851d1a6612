package app

import (
	"context"
	"sync/atomic"

	"groupcast/internal/gateway"
)

// liveCredentials layers the gateway_settings table over the config/env
// credentials, which are swapped on reload.
type liveCredentials struct {
	store    gateway.SettingsReader
	fallback atomic.Pointer[gateway.Credentials]
}

func newLiveCredentials(store gateway.SettingsReader, fallback gateway.Credentials) *liveCredentials {
	c := &liveCredentials{store: store}
	c.fallback.Store(&fallback)
	return c
}

func (c *liveCredentials) set(fallback gateway.Credentials) { c.fallback.Store(&fallback) }

func (c *liveCredentials) Credentials(ctx context.Context) (gateway.Credentials, error) {
	return gateway.StoreCredentials{Store: c.store, Fallback: *c.fallback.Load()}.Credentials(ctx)
}
