package eventbus

import "context"

// Publisher is the narrow capability the Result Publisher needs: one
// synchronous, retried publish per job request. There is no Subscribe
// here -- this agent never consumes its own result channel, only
// produces onto it.
type Publisher interface {
	Publish(ctx context.Context, requestID string, env Envelope) error
}
