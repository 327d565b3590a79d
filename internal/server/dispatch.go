package server

import "context"

// Dispatcher fans a payload out to every session subscribed to a topic key,
// possibly across several relay processes.
type Dispatcher interface {
	Publish(ctx context.Context, key string, payload []byte) error
}

// LocalDispatcher delivers through the in-process registry.
type LocalDispatcher struct {
	registry *Registry
}

// NewLocalDispatcher creates a Dispatcher bound to registry.
func NewLocalDispatcher(registry *Registry) *LocalDispatcher {
	return &LocalDispatcher{registry: registry}
}

// Publish implements Dispatcher.
func (d *LocalDispatcher) Publish(_ context.Context, key string, payload []byte) error {
	d.registry.Broadcast(key, payload)
	return nil
}

