package kanmon

import (
	"context"
	"net/http"

	"github.com/ashita-ai/kanmon/internal/gateway"
	"github.com/ashita-ai/kanmon/internal/model"
)

// Result is the outcome of a permission check, safe to hold and pass to
// WriteWithWarning from outside this module. It is a type alias for the
// internal decision type rather than a curated copy: unlike the richer
// decision/conflict shapes a different kind of service might expose, a
// permission Result carries no fields an external caller shouldn't see
// directly, so there is nothing a copy would need to hide.
type Result = model.Result

// ResultKind discriminates Result.
type ResultKind = model.ResultKind

// WarningCode and ErrorCode are aliases of the internal decision vocabulary.
type (
	WarningCode = model.WarningCode
	ErrorCode   = model.ErrorCode
)

// Binding holds the request's extracted identity fields, available to
// downstream handlers regardless of private-backend mode.
type Binding = gateway.Binding

// Header names for gated endpoints.
const (
	HeaderAppID        = gateway.HeaderAppID
	HeaderGitEmail     = gateway.HeaderGitEmail
	HeaderGitName      = gateway.HeaderGitName
	HeaderGitBranch    = gateway.HeaderGitBranch
	HeaderAppPublisher = gateway.HeaderAppPublisher
	HeaderAppName      = gateway.HeaderAppName
)

// ResultFromContext extracts the Result attached by Gateway.Gate to a gated
// request's context. Returns false if the request never passed through Gate
// or the gateway is running in private-backend mode.
func ResultFromContext(ctx context.Context) (Result, bool) {
	return gateway.ResultFromContext(ctx)
}

// BindingFromContext extracts the Binding attached by Gateway.Gate.
func BindingFromContext(ctx context.Context) (Binding, bool) {
	return gateway.BindingFromContext(ctx)
}

// WriteWithWarning writes data as a JSON response, merging a warning object
// into the body when result carries one.
func WriteWithWarning(w http.ResponseWriter, status int, data any, result Result) {
	gateway.WriteWithWarning(w, status, data, result)
}
