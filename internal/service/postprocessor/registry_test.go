package postprocessor_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/llmbroker/internal/domain"
	"github.com/fairyhunter13/llmbroker/internal/service/postprocessor"
)

// An unregistered tag is a no-op: Run returns nil without invoking
// anything, which is how the worker and callback receiver short-circuit a
// job that has no feature tag bound to a processor.
func TestRun_UnregisteredTag_NoOp(t *testing.T) {
	reg := postprocessor.New()
	err := reg.Run(context.Background(), "no-such-tag", "output", "tenant-1", map[string]any{})
	require.NoError(t, err)
}

// Run always overwrites context["tenant_id"] with the job's own tenant,
// regardless of whatever a caller supplied in the opaque context bag.
func TestRun_OverwritesCallerSuppliedTenantID(t *testing.T) {
	reg := postprocessor.New()
	var seenTenant any
	reg.Register("extract-colors", func(_ domain.Context, _ string, scoped map[string]any) error {
		seenTenant = scoped["tenant_id"]
		return nil
	})

	err := reg.Run(context.Background(), "extract-colors", "red, blue", "real-tenant", map[string]any{"tenant_id": "spoofed-tenant", "other": "kept"})
	require.NoError(t, err)
	assert.Equal(t, "real-tenant", seenTenant)
}

// Run preserves the rest of the caller-supplied context bag untouched.
func TestRun_PreservesOtherContextFields(t *testing.T) {
	reg := postprocessor.New()
	var seen map[string]any
	reg.Register("tag", func(_ domain.Context, _ string, scoped map[string]any) error {
		seen = scoped
		return nil
	})

	err := reg.Run(context.Background(), "tag", "out", "tenant-1", map[string]any{"asset_id": "a-1"})
	require.NoError(t, err)
	assert.Equal(t, "a-1", seen["asset_id"])
	assert.Equal(t, "tenant-1", seen["tenant_id"])
}

// A processor's own error is wrapped and surfaced to the caller so the
// worker/callback layers can drive the job to post_processing_failed.
func TestRun_ProcessorError_Propagates(t *testing.T) {
	reg := postprocessor.New()
	reg.Register("tag", func(domain.Context, string, map[string]any) error {
		return errors.New("malformed output")
	})

	err := reg.Run(context.Background(), "tag", "out", "tenant-1", map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed output")
}

// Registering the same tag twice replaces the prior binding.
func TestRegister_Twice_ReplacesBinding(t *testing.T) {
	reg := postprocessor.New()
	calls := 0
	reg.Register("tag", func(domain.Context, string, map[string]any) error { calls++; return nil })
	reg.Register("tag", func(domain.Context, string, map[string]any) error { calls += 10; return nil })

	require.NoError(t, reg.Run(context.Background(), "tag", "out", "tenant-1", map[string]any{}))
	assert.Equal(t, 10, calls)
}

// Resolve reports nil for an unregistered tag and the bound processor for a
// registered one.
func TestResolve(t *testing.T) {
	reg := postprocessor.New()
	assert.Nil(t, reg.Resolve("missing"))

	reg.Register("present", func(domain.Context, string, map[string]any) error { return nil })
	assert.NotNil(t, reg.Resolve("present"))
}
