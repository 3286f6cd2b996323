package engine

import "context"

// Export types accepted by POST /json/export/realm.
const (
	ExportTypePublic = "public"
	ExportTypeFull   = "full"
)

// ExportInput is the policy input for one export request.
type ExportInput struct {
	OrgID      string
	UserID     string
	Role       string
	ExportType string
}

// ExportDecision is the outcome of export policy evaluation.
type ExportDecision struct {
	Allowed    bool
	PublicOnly bool
}

// Evaluator decides whether an export request may proceed and with which data scope.
type Evaluator interface {
	EvaluateExport(ctx context.Context, in ExportInput) (ExportDecision, error)
}
