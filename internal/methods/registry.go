package methods

import (
	"context"
	"sync"

	"github.com/saaga0h/iothub-device-samples/pkg/iothub"
)

// EmptyResponse is the body returned for rejected and unknown methods
var EmptyResponse = []byte("{}")

// Handler executes a direct method and returns the status and JSON body
type Handler func(ctx context.Context, payload []byte) (iothub.Status, []byte)

// Registry maps method names to handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds or replaces the handler for name
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Invoke runs the handler for name. Unknown methods return 404 with an empty object.
func (r *Registry) Invoke(ctx context.Context, name string, payload []byte) (iothub.Status, []byte) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()

	if !ok {
		return iothub.StatusNotFound, EmptyResponse
	}
	return h(ctx, payload)
}

// Ping answers the "ping" method
func Ping(ctx context.Context, payload []byte) (iothub.Status, []byte) {
	return iothub.StatusOK, []byte(`{"response": "pong"}`)
}
