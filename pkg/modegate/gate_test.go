package modegate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/evidence-ledger/pkg/evidence"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/tenants"
)

func newGate(t *testing.T, policy string) *Gate {
	t.Helper()
	dir := tenants.NewDirectory(tenants.ModeLive)
	require.NoError(t, dir.Set("sandbox", tenants.ModeTest))
	g, err := New(dir, policy)
	require.NoError(t, err)
	return g
}

func codeOf(err error) string {
	if v, ok := err.(*Violation); ok {
		return v.Code
	}
	return ""
}

func TestCheck(t *testing.T) {
	g := newGate(t, "")
	tests := []struct {
		name string
		req  Request
		code string
	}{
		{"live production", Request{TenantID: "acme", Actor: "alice", CreatedVia: evidence.CreatedViaAPI}, ""},
		{"live test flag", Request{TenantID: "acme", Actor: "alice", IsTestRequest: true}, CodeQABlockedInLive},
		{"live test runner", Request{TenantID: "acme", Actor: "ci", CreatedVia: evidence.CreatedViaTestRunner}, CodeQABlockedInLive},
		{"live qa actor", Request{TenantID: "acme", Actor: "qa-suite-7", CreatedVia: evidence.CreatedViaAPI}, CodeQABlockedInLive},
		{"live fixture", Request{TenantID: "acme", Actor: "alice", Origin: evidence.OriginTestFixture}, CodeFixtureBlockedInLive},
		{"live seed", Request{TenantID: "acme", Actor: "alice", CreatedVia: evidence.CreatedViaSeed}, CodeFixtureBlockedInLive},
		{"test fixture", Request{TenantID: "sandbox", Actor: "alice", Origin: evidence.OriginTestFixture}, ""},
		{"test qa", Request{TenantID: "sandbox", Actor: "qa-1", IsTestRequest: true, CreatedVia: evidence.CreatedViaSeed}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.Check(tt.req)
			if tt.code == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.code, codeOf(err))
		})
	}
}

func TestCustomPolicy(t *testing.T) {
	g := newGate(t, `actor in ["synthetic-monitor", "load-test"]`)
	assert.Equal(t, CodeQABlockedInLive, codeOf(g.Check(Request{TenantID: "acme", Actor: "load-test"})))
	assert.NoError(t, g.Check(Request{TenantID: "acme", Actor: "qa-suite"}))
	assert.Equal(t, `actor in ["synthetic-monitor", "load-test"]`, g.Policy())
}

func TestNew_RejectsBadPolicies(t *testing.T) {
	dir := tenants.NewDirectory(tenants.ModeLive)
	_, err := New(dir, `actor.startsWith(`)
	assert.Error(t, err)
	_, err = New(dir, `actor`)
	assert.Error(t, err, "non-bool policy")
	_, err = New(dir, `unknown_var == 1`)
	assert.Error(t, err)
}

func TestCheckCaller_IgnoresDataRule(t *testing.T) {
	g := newGate(t, "")

	fixture := Request{TenantID: "acme", Actor: "ops-1", Origin: evidence.OriginTestFixture, CreatedVia: evidence.CreatedViaSeed}
	assert.Equal(t, CodeFixtureBlockedInLive, codeOf(g.Check(fixture)))
	assert.NoError(t, g.CheckCaller(fixture))

	assert.Equal(t, CodeQABlockedInLive, codeOf(g.CheckCaller(Request{TenantID: "acme", Actor: "ops-1", IsTestRequest: true})))
	assert.Equal(t, CodeQABlockedInLive, codeOf(g.CheckCaller(Request{TenantID: "acme", Actor: "qa:nightly"})))
	assert.NoError(t, g.CheckCaller(Request{TenantID: "sandbox", Actor: "qa:nightly"}))
}
