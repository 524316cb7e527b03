package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/dreamware/tremor/internal/task"
)

// EndpointDocker is the endpoint type of Docker hosts.
const EndpointDocker = "docker"

// ErrUnknownEndpoint is returned for a task naming an endpoint that is not
// configured on this node.
var ErrUnknownEndpoint = errors.New("executor: unknown endpoint")

// Endpoint is one entry of the node's endpoint table.
type Endpoint struct {
	Credentials map[string]string `yaml:"credentials"`
	Name        string            `yaml:"name"`
	Type        string            `yaml:"type"`
}

// Resolver attaches the runtime-only endpoint fields to a task's fault
// spec before submission.
type Resolver struct {
	endpoints map[string]Endpoint
}

// NewResolver indexes endpoints by name. A later endpoint replaces an
// earlier one with the same name.
func NewResolver(endpoints []Endpoint) *Resolver {
	r := &Resolver{endpoints: make(map[string]Endpoint, len(endpoints))}
	for _, e := range endpoints {
		r.endpoints[e.Name] = e
	}
	return r
}

// Resolve fills Spec.EndpointType and, except for Docker endpoints,
// Spec.Credentials. A task without an endpoint is left untouched.
func (r *Resolver) Resolve(_ context.Context, t *task.Task) error {
	if t.Spec.Endpoint == "" {
		return nil
	}
	e, ok := r.endpoints[t.Spec.Endpoint]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEndpoint, t.Spec.Endpoint)
	}
	t.Spec.EndpointType = e.Type
	if e.Type == EndpointDocker {
		return nil
	}
	t.Spec.Credentials = make(map[string]string, len(e.Credentials))
	for k, v := range e.Credentials {
		t.Spec.Credentials[k] = v
	}
	return nil
}
