package sandbox

import (
	"encoding/json"
	"fmt"

	"github.com/dop251/goja"

	"github.com/yasumu/tanxium/internal/scriptctx"
)

// binding is a context prepared for one invocation.
type binding struct {
	args []goja.Value
	// snapshot serializes the context as the script left it.
	snapshot func() (json.RawMessage, error)
	// result serializes the script's return value.
	result func(ret goja.Value) (json.RawMessage, error)
}

type contextHandler func(r *Runtime, raw json.RawMessage) (*binding, error)

func defaultHandlers() map[string]contextHandler {
	return map[string]contextHandler{
		scriptctx.TypeRest: restHandler,
		scriptctx.TypeTest: testHandler,
	}
}

// restHandler passes (request, response) wrappers to the script. The request
// state and environment flow back as the updated context; a returned response
// becomes the result.
func restHandler(r *Runtime, raw json.RawMessage) (*binding, error) {
	data, err := scriptctx.DecodeRest(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode rest context: %w", err)
	}
	env := NewEnvironment(data.Environment)
	req := NewRequest(data.Request, env)
	res := NewResponse(data.Response)

	args := []goja.Value{r.vm.ToValue(req), goja.Null()}
	if res != nil {
		args[1] = r.vm.ToValue(res)
	}

	return &binding{
		args: args,
		snapshot: func() (json.RawMessage, error) {
			out := scriptctx.RestScriptContext{
				Environment: env.Data(),
				Request:     req.Data(),
				Response:    data.Response,
			}
			if res != nil {
				out.Response = res.Data()
			}
			return json.Marshal(out)
		},
		result: func(ret goja.Value) (json.RawMessage, error) {
			resp := responseFromValue(ret)
			if resp == nil {
				return json.RawMessage("null"), nil
			}
			return json.Marshal(resp.Data())
		},
	}, nil
}

// testHandler passes the free-form context as a plain object and returns
// whatever the script returns.
func testHandler(r *Runtime, raw json.RawMessage) (*binding, error) {
	var ctx any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &ctx); err != nil {
			return nil, fmt.Errorf("failed to decode test context: %w", err)
		}
	}
	arg := goja.Null()
	if ctx != nil {
		arg = r.vm.ToValue(ctx)
	}
	return &binding{
		args: []goja.Value{arg},
		snapshot: func() (json.RawMessage, error) {
			return json.Marshal(ctx)
		},
		result: func(ret goja.Value) (json.RawMessage, error) {
			if ret == nil || goja.IsUndefined(ret) {
				return json.RawMessage("null"), nil
			}
			return json.Marshal(ret.Export())
		},
	}, nil
}
