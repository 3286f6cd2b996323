package engine

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"go.uber.org/zap"
)

const exportPolicyQuery = "data.realm_export.policy"

// DefaultExportPolicy lets owners and admins request public exports and restricts full exports,
// which include private data, to owners.
const DefaultExportPolicy = `package realm_export.policy

default allow := false
default public_only := true

admin_roles := {"owner", "admin"}

allow if {
	input.request.export_type == "public"
	input.caller.role in admin_roles
}

allow if {
	input.request.export_type == "full"
	input.caller.role == "owner"
}

public_only := false if {
	input.request.export_type == "full"
}
`

// OPAEvaluator evaluates the export policy using OPA Rego.
type OPAEvaluator struct {
	source string
	logger *zap.Logger

	once     sync.Once
	prepared rego.PreparedEvalQuery
	prepErr  error
}

// NewOPAEvaluator returns an evaluator for the given Rego source. Empty source uses DefaultExportPolicy.
func NewOPAEvaluator(source string, logger *zap.Logger) *OPAEvaluator {
	if source == "" {
		source = DefaultExportPolicy
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OPAEvaluator{source: source, logger: logger}
}

// LoadPolicyFile reads a Rego policy from path. An empty path returns "" so the default is used.
func LoadPolicyFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read export policy: %w", err)
	}
	if _, err := ast.ParseModule(path, string(b)); err != nil {
		return "", fmt.Errorf("parse export policy: %w", err)
	}
	return string(b), nil
}

func (e *OPAEvaluator) prepare(ctx context.Context) (rego.PreparedEvalQuery, error) {
	e.once.Do(func() {
		e.prepared, e.prepErr = rego.New(
			rego.Query(exportPolicyQuery),
			rego.Module("export_policy.rego", e.source),
		).PrepareForEval(ctx)
	})
	return e.prepared, e.prepErr
}

// HealthCheck verifies that the in-process OPA Rego engine can compile and evaluate the configured policy.
// Does not touch the database. Returns nil on success.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	_, err := e.eval(ctx, ExportInput{Role: "owner", ExportType: ExportTypePublic})
	return err
}

// EvaluateExport evaluates the export policy. If the policy cannot be evaluated the error is logged and
// the built-in rule applies: public exports only.
func (e *OPAEvaluator) EvaluateExport(ctx context.Context, in ExportInput) (ExportDecision, error) {
	d, err := e.eval(ctx, in)
	if err != nil {
		e.logger.Warn("policy: evaluation failed, using defaults", zap.Error(err), zap.String("org_id", in.OrgID))
		return defaultDecision(in), nil
	}
	return d, nil
}

func (e *OPAEvaluator) eval(ctx context.Context, in ExportInput) (ExportDecision, error) {
	q, err := e.prepare(ctx)
	if err != nil {
		return ExportDecision{}, fmt.Errorf("compile export policy: %w", err)
	}
	rs, err := q.Eval(ctx, rego.EvalInput(buildInput(in)))
	if err != nil {
		return ExportDecision{}, fmt.Errorf("eval export policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return ExportDecision{}, fmt.Errorf("policy query returned no result")
	}
	doc, ok := rs[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return ExportDecision{}, fmt.Errorf("policy document has type %T", rs[0].Expressions[0].Value)
	}
	out := ExportDecision{PublicOnly: true}
	if v, ok := doc["allow"].(bool); ok {
		out.Allowed = v
	}
	if v, ok := doc["public_only"].(bool); ok {
		out.PublicOnly = v
	}
	return out, nil
}

func buildInput(in ExportInput) map[string]interface{} {
	exportType := in.ExportType
	if exportType == "" {
		exportType = ExportTypePublic
	}
	return map[string]interface{}{
		"org":     map[string]interface{}{"id": in.OrgID},
		"caller":  map[string]interface{}{"id": in.UserID, "role": in.Role},
		"request": map[string]interface{}{"export_type": exportType},
	}
}

func defaultDecision(in ExportInput) ExportDecision {
	return ExportDecision{
		Allowed:    in.ExportType == "" || in.ExportType == ExportTypePublic,
		PublicOnly: true,
	}
}
