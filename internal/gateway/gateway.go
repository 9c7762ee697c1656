// Package gateway binds incoming HTTP requests to the permission checker:
// header extraction, Result attachment, and response-side warning/error
// surfacing.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kanmon/internal/model"
	"github.com/ashita-ai/kanmon/internal/permission"
)

// Header names for gated endpoints.
const (
	HeaderAppID        = "Ninja-App-Id"
	HeaderGitEmail     = "Ninja-Git-Email"
	HeaderGitName      = "Ninja-Git-Name"
	HeaderGitBranch    = "Ninja-Git-Branch"
	HeaderAppPublisher = "Ninja-App-Publisher"
	HeaderAppName      = "Ninja-App-Name"
)

type contextKey string

const contextKeyResult contextKey = "kanmon_result"

// ResultFromContext extracts the permission Result attached to the request
// context by Gate. Returns the zero Result and false if none was attached
// (e.g. private-backend mode, or the request never passed through Gate).
func ResultFromContext(ctx context.Context) (model.Result, bool) {
	r, ok := ctx.Value(contextKeyResult).(model.Result)
	return r, ok
}

// Binding holds the request's extracted identity fields, available to
// downstream handlers regardless of private-backend mode.
type Binding struct {
	AppID     string
	GitEmail  string
	GitName   string
	GitBranch string
	Publisher string
	AppName   string
}

type contextKeyBindingType struct{}

var contextKeyBinding contextKeyBindingType

// BindingFromContext extracts the Binding attached by Gate.
func BindingFromContext(ctx context.Context) (Binding, bool) {
	b, ok := ctx.Value(contextKeyBinding).(Binding)
	return b, ok
}

// Gateway wires the permission checker into an HTTP middleware chain.
type Gateway struct {
	checker            *permission.Checker
	logger             *slog.Logger
	privateBackendMode bool
	limiter            *appRateLimiter
}

// New creates a Gateway. privateBackendMode, when true, makes Gate a pure
// pass-through: binding still runs, but no permission check occurs and no
// warning is ever surfaced.
func New(checker *permission.Checker, logger *slog.Logger, privateBackendMode bool, rateLimitPerSecond float64, rateLimitBurst int) *Gateway {
	return &Gateway{
		checker:            checker,
		logger:             logger,
		privateBackendMode: privateBackendMode,
		limiter:            newAppRateLimiter(rateLimitPerSecond, rateLimitBurst),
	}
}

// Close releases the gateway's background resources.
func (g *Gateway) Close() {
	g.limiter.Close()
}

// Gate is the HTTP middleware: it extracts headers, runs the permission
// check (unless private-backend mode is on), and either responds 400/403
// directly or attaches the Binding and Result to the request context and
// calls next.
func (g *Gateway) Gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		appID := r.Header.Get(HeaderAppID)
		if appID == "" {
			http.Error(w, "missing required header: "+HeaderAppID, http.StatusBadRequest)
			return
		}

		binding := Binding{
			AppID:     appID,
			GitEmail:  strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderGitEmail))),
			GitName:   r.Header.Get(HeaderGitName),
			GitBranch: r.Header.Get(HeaderGitBranch),
			Publisher: r.Header.Get(HeaderAppPublisher),
			AppName:   r.Header.Get(HeaderAppName),
		}
		ctx := context.WithValue(r.Context(), contextKeyBinding, binding)

		if g.privateBackendMode {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		if !g.limiter.Allow(ctx, appID) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "")
			return
		}

		ctx, span := tracer.Start(ctx, "permission.check",
			trace.WithAttributes(attribute.String("kanmon.app_id", appID)))
		start := time.Now()
		result, err := g.checker.Check(ctx, appID, binding.GitEmail, binding.Publisher, binding.AppName)
		duration := time.Since(start)
		span.SetAttributes(attribute.Int("kanmon.result_kind", int(result.Kind)))
		span.End()

		checkCount.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.Int("kanmon.result_kind", int(result.Kind)),
		))
		checkDuration.Record(ctx, float64(duration.Milliseconds()))

		if err != nil {
			g.logger.Error("gateway: permission check failed", "app_id", appID, "error", err)
			writeError(w, http.StatusInternalServerError, "STORAGE_UNAVAILABLE", "")
			return
		}

		if result.Kind == model.ResultDeny {
			writeError(w, http.StatusForbidden, string(result.ErrorCode), result.GitEmail)
			return
		}

		ctx = context.WithValue(ctx, contextKeyResult, result)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

var (
	tracer        = otel.Tracer("kanmon/gateway")
	meter         = otel.GetMeterProvider().Meter("kanmon/gateway")
	checkCount    otelmetric.Int64Counter
	checkDuration otelmetric.Float64Histogram
)

func init() {
	var err error
	checkCount, err = meter.Int64Counter("kanmon.permission.check_count")
	if err != nil {
		checkCount, _ = meter.Int64Counter("kanmon.permission.check_count.fallback")
	}
	checkDuration, err = meter.Float64Histogram("kanmon.permission.check_duration", otelmetric.WithUnit("ms"))
	if err != nil {
		checkDuration, _ = meter.Float64Histogram("kanmon.permission.check_duration.fallback", otelmetric.WithUnit("ms"))
	}
}

type errorBody struct {
	Error struct {
		Code     string `json:"code"`
		GitEmail string `json:"gitEmail,omitempty"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, gitEmail string) {
	body := errorBody{}
	body.Error.Code = code
	body.Error.GitEmail = gitEmail
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteWithWarning writes data as a JSON response, merging a `warning`
// object into the body if result carries one. Non-object payloads (strings,
// numbers, arrays) are written as-is without augmentation — there is no
// well-defined place to splice a warning into them.
func WriteWithWarning(w http.ResponseWriter, status int, data any, result model.Result) {
	w.Header().Set("Content-Type", "application/json")

	if result.Kind != model.ResultAllowWithWarning {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(data)
		return
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	var asObject map[string]json.RawMessage
	if err := json.Unmarshal(encoded, &asObject); err != nil {
		// Not a JSON object (string, array, number, ...) — ship unmodified.
		w.WriteHeader(status)
		_, _ = w.Write(encoded)
		return
	}

	warning := map[string]any{"code": result.WarningCode}
	if result.TimeRemainingMS > 0 {
		warning["timeRemaining"] = result.TimeRemainingMS
	}
	if result.GitEmail != "" {
		warning["gitEmail"] = result.GitEmail
	}
	warningRaw, err := json.Marshal(warning)
	if err != nil {
		w.WriteHeader(status)
		_, _ = w.Write(encoded)
		return
	}
	asObject["warning"] = warningRaw

	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(asObject)
}

// statusWriter captures the response status code for structured access
// logging.
type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs each request with structured fields.
func LoggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		level := slog.LevelInfo
		if wrapped.statusCode >= 500 {
			level = slog.LevelError
		} else if wrapped.statusCode >= 400 {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
