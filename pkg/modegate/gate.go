// Package modegate enforces the TEST/LIVE data-mode policy before any ledger
// mutation: QA traffic and synthetic fixtures never reach a LIVE tenant.
package modegate

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/evidence-ledger/pkg/evidence"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/tenants"
)

// Violation codes.
const (
	CodeQABlockedInLive      = "QA_BLOCKED_IN_LIVE"
	CodeFixtureBlockedInLive = "FIXTURE_BLOCKED_IN_LIVE"
)

// DefaultQACallerPolicy identifies QA-suite callers by channel or actor naming.
const DefaultQACallerPolicy = `created_via == "TEST_RUNNER" || actor.startsWith("qa-") || actor.startsWith("qa:")`

// Violation is a policy refusal with a stable code.
type Violation struct {
	Code   string
	Reason string
}

func (v *Violation) Error() string { return "modegate: " + v.Code + ": " + v.Reason }

// Request describes the mutation being attempted.
type Request struct {
	TenantID      string
	Operation     string
	Actor         string
	IsTestRequest bool
	CreatedVia    evidence.CreatedVia
	Origin        evidence.Origin
}

// Gate evaluates requests against tenant modes.
type Gate struct {
	modes *tenants.Directory
	expr  string
	prg   cel.Program
}

// New compiles the QA-caller policy. An empty expression selects DefaultQACallerPolicy.
func New(modes *tenants.Directory, qaCallerPolicy string) (*Gate, error) {
	if qaCallerPolicy == "" {
		qaCallerPolicy = DefaultQACallerPolicy
	}
	env, err := cel.NewEnv(
		cel.Variable("tenant_id", cel.StringType),
		cel.Variable("operation", cel.StringType),
		cel.Variable("actor", cel.StringType),
		cel.Variable("created_via", cel.StringType),
		cel.Variable("is_test_request", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("modegate: cel env: %w", err)
	}
	ast, issues := env.Compile(qaCallerPolicy)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("modegate: compile qa policy: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("modegate: qa policy must evaluate to bool, got %s", ast.OutputType())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("modegate: program: %w", err)
	}
	return &Gate{modes: modes, expr: qaCallerPolicy, prg: prg}, nil
}

// Policy returns the active QA-caller expression.
func (g *Gate) Policy() string { return g.expr }

// ModeOf returns the tenant's data mode.
func (g *Gate) ModeOf(tenantID string) tenants.Mode { return g.modes.ModeOf(tenantID) }

// IsQACaller reports whether the request comes from a QA suite.
func (g *Gate) IsQACaller(req Request) (bool, error) {
	if req.IsTestRequest {
		return true, nil
	}
	out, _, err := g.prg.Eval(map[string]any{
		"tenant_id":       req.TenantID,
		"operation":       req.Operation,
		"actor":           req.Actor,
		"created_via":     string(req.CreatedVia),
		"is_test_request": req.IsTestRequest,
	})
	if err != nil {
		return false, fmt.Errorf("modegate: eval: %w", err)
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("modegate: qa policy result not bool")
	}
	return v, nil
}

// CheckCaller applies only the QA-caller rule. Quarantine and reject use it:
// they are how fixtures and seed data that reached a LIVE tenant get cleaned
// up, so the data rule must not block them.
func (g *Gate) CheckCaller(req Request) error {
	if g.modes.ModeOf(req.TenantID) != tenants.ModeLive {
		return nil
	}
	qa, err := g.IsQACaller(req)
	if err != nil {
		return err
	}
	if qa {
		return &Violation{Code: CodeQABlockedInLive, Reason: "test or QA requests are not accepted by a LIVE tenant"}
	}
	return nil
}

// Check returns a *Violation when the request is illegal in the tenant's mode.
// TEST tenants accept everything.
func (g *Gate) Check(req Request) error {
	if g.modes.ModeOf(req.TenantID) != tenants.ModeLive {
		return nil
	}
	if err := g.CheckCaller(req); err != nil {
		return err
	}
	if req.CreatedVia == evidence.CreatedViaSeed || req.Origin == evidence.OriginTestFixture {
		return &Violation{Code: CodeFixtureBlockedInLive, Reason: "seed data and test fixtures are not accepted by a LIVE tenant"}
	}
	return nil
}
