// Package postprocessor implements a static feature-tag registry that
// translates a model's output text into a tenant-scoped domain side
// effect.
package postprocessor

import (
	"fmt"
	"sync"

	"github.com/fairyhunter13/llmbroker/internal/domain"
)

// Registry is domain.PostProcessorRegistry: a map from feature tag to
// processor, built once at startup. A nil entry (or an unregistered tag)
// means "no-op, complete normally"; the worker and callback receiver both
// rely on this to complete a job whose feature tag has no bound processor.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]domain.PostProcessor
}

// New constructs an empty registry. Use Register to populate it at
// startup; the registry is constructed explicitly and handed to the
// services that need it, never reached through a global singleton.
func New() *Registry {
	return &Registry{processors: make(map[string]domain.PostProcessor)}
}

// Register binds tag to fn. Calling Register twice for the same tag
// replaces the prior binding; callers that want strict registration should
// check Resolve first.
func (r *Registry) Register(tag string, fn domain.PostProcessor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors[tag] = fn
}

// Resolve returns the processor bound to tag, or nil if none is registered.
func (r *Registry) Resolve(tag string) domain.PostProcessor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.processors[tag]
}

// Run enforces the tenant-scoping guard: context["tenant_id"] is always
// overwritten with tenantID before invoking the processor, regardless of
// what a caller supplied in callerContext. A caller-supplied tenant_id
// inside the opaque context bag is never trusted.
func (r *Registry) Run(ctx domain.Context, tag string, outputText string, tenantID string, callerContext map[string]any) error {
	proc := r.Resolve(tag)
	if proc == nil {
		return nil
	}

	scoped := make(map[string]any, len(callerContext)+1)
	for k, v := range callerContext {
		scoped[k] = v
	}
	scoped["tenant_id"] = tenantID

	if err := proc(ctx, outputText, scoped); err != nil {
		return fmt.Errorf("op=postprocessor.run tag=%s: %w", tag, err)
	}
	return nil
}
