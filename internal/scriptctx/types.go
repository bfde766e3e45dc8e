// Package scriptctx defines the serializable snapshots that cross the worker
// boundary. Values are always copied: the worker receives one, mutates its own
// copy and sends a new one back.
package scriptctx

import "encoding/json"

// Context types understood by the sandbox.
const (
	TypeRest = "rest"
	TypeTest = "test"
)

// TabularPair is one key/value row of an environment.
type TabularPair struct {
	Key     string `json:"key"`
	Value   string `json:"value"`
	Enabled bool   `json:"enabled"`
}

// EnvironmentData is the active workspace environment.
type EnvironmentData struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Variables []TabularPair `json:"variables"`
	Secrets   []TabularPair `json:"secrets"`
}

// Clone returns a deep copy of e.
func (e *EnvironmentData) Clone() *EnvironmentData {
	if e == nil {
		return nil
	}
	out := *e
	out.Variables = append([]TabularPair(nil), e.Variables...)
	out.Secrets = append([]TabularPair(nil), e.Secrets...)
	return &out
}

// RequestData is the request half of a REST script context.
type RequestData struct {
	URL              string            `json:"url"`
	Method           string            `json:"method"`
	Headers          map[string]string `json:"headers"`
	Body             any               `json:"body"`
	Parameters       map[string]string `json:"parameters"`
	SearchParameters map[string]string `json:"searchParameters,omitempty"`
}

// ResponseData is the response half of a REST script context.
type ResponseData struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    any               `json:"body"`
}

// RestScriptContext is the context passed to pre-request and post-response
// scripts of REST entities.
type RestScriptContext struct {
	Environment *EnvironmentData `json:"environment"`
	Request     RequestData      `json:"request"`
	Response    *ResponseData    `json:"response"`
}

// DecodeRest decodes raw into a RestScriptContext, filling nil maps.
func DecodeRest(raw json.RawMessage) (*RestScriptContext, error) {
	var ctx RestScriptContext
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &ctx); err != nil {
			return nil, err
		}
	}
	if ctx.Request.Headers == nil {
		ctx.Request.Headers = map[string]string{}
	}
	if ctx.Request.Parameters == nil {
		ctx.Request.Parameters = map[string]string{}
	}
	if ctx.Response != nil && ctx.Response.Headers == nil {
		ctx.Response.Headers = map[string]string{}
	}
	return &ctx, nil
}

// Script is user authored code attached to an entity.
type Script struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

// LanguageJavaScript is the only supported script language.
const LanguageJavaScript = "javascript"

// ExecutionOutcome is the success/error half of a ScriptExecutionResult.
type ExecutionOutcome struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ExecutionResult is what the runtime returns for one script call: the
// (possibly mutated) context plus the outcome.
type ExecutionResult struct {
	Context json.RawMessage  `json:"context"`
	Result  ExecutionOutcome `json:"result"`
	// RunID identifies the run log entry, when runs are recorded.
	RunID string `json:"runId,omitempty"`
}
