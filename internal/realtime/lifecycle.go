package realtime

import (
	"context"

	"go.uber.org/zap"
)

// Watcher is implemented by sessions that announce authentication changes.
// fn is called with the new authenticated flag; the returned function stops
// the notifications.
type Watcher interface {
	Watch(fn func(authenticated bool)) (unwatch func())
}

// Run ties the connection to the session until ctx is done. It connects
// when AutoConnect is set and the session is authenticated, follows login
// and logout when the session implements Watcher, and on exit disconnects
// and drops every handler.
func (c *Connection) Run(ctx context.Context) error {
	if c.cfg.AutoConnect && c.session.IsAuthenticated() {
		c.Connect()
	}

	if w, ok := c.session.(Watcher); ok {
		unwatch := w.Watch(func(authenticated bool) {
			switch {
			case authenticated && c.cfg.AutoConnect && c.State() == StateDisconnected:
				c.logger.Info("session authenticated, connecting")
				c.Connect()
			case !authenticated && c.State() != StateDisconnected:
				c.logger.Info("session ended, disconnecting")
				c.Disconnect()
			}
		})
		defer unwatch()
	}

	<-ctx.Done()
	c.logger.Debug("shutting down", zap.Error(ctx.Err()))
	c.Disconnect()
	c.ClearHandlers()
	return nil
}
