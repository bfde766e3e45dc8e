package sandbox

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"path"
	"strings"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/yasumu/tanxium/internal/protocol"
)

var consoleLevels = []struct {
	name  string
	level int
}{
	{"log", protocol.LevelLog},
	{"debug", protocol.LevelDebug},
	{"info", protocol.LevelInfo},
	{"warn", protocol.LevelWarn},
	{"error", protocol.LevelError},
}

// setupGlobals installs the script-facing API and removes host facilities.
func (r *Runtime) setupGlobals() error {
	vm := r.vm

	for _, name := range []string{"process", "module", "exports", "setTimeout", "setInterval", "setImmediate"} {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return err
		}
	}

	jsonObj := vm.Get("JSON").ToObject(vm)
	stringify, ok := goja.AssertFunction(jsonObj.Get("stringify"))
	if !ok {
		return fmt.Errorf("JSON.stringify unavailable")
	}
	r.stringify = stringify

	console := vm.NewObject()
	for _, l := range consoleLevels {
		if err := console.Set(l.name, r.makeConsoleFunc(l.name, l.level)); err != nil {
			return err
		}
	}

	dialogs := map[string]func(goja.FunctionCall) goja.Value{
		"confirm": func(goja.FunctionCall) goja.Value { return vm.ToValue(false) },
		"prompt":  func(goja.FunctionCall) goja.Value { return goja.Null() },
		"alert":   func(goja.FunctionCall) goja.Value { return goja.Undefined() },
	}

	globals := map[string]any{
		"console":               console,
		"require":               r.require,
		"Yasumu":                r.yasumuObject(),
		"YasumuHeaders":         r.constructHeaders,
		"YasumuURLSearchParams": r.constructSearchParams,
		"YasumuResponse":        r.constructResponse,
	}
	for name, fn := range dialogs {
		globals[name] = fn
	}
	for name, v := range globals {
		if err := vm.Set(name, v); err != nil {
			return fmt.Errorf("set %s: %w", name, err)
		}
	}
	return nil
}

func (r *Runtime) makeConsoleFunc(name string, level int) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		msg := r.format(call.Arguments)
		fmt.Fprintf(r.config.Stderr, "[%s] %s\n", name, msg)
		r.emit(protocol.EventConsole, protocol.ConsolePayload{Msg: msg, Level: level})
		return goja.Undefined()
	}
}

// format joins console arguments the way a browser console prints them:
// strings verbatim, objects as JSON.
func (r *Runtime) format(args []goja.Value) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, r.formatValue(arg))
	}
	return strings.Join(parts, " ")
}

func (r *Runtime) formatValue(v goja.Value) string {
	obj, ok := v.(*goja.Object)
	if !ok {
		return v.String()
	}
	if _, isFn := goja.AssertFunction(obj); isFn {
		return v.String()
	}
	if _, isErr := obj.Export().(error); isErr {
		return v.String()
	}
	out, err := r.stringify(goja.Undefined(), v)
	if err != nil || out == nil || goja.IsUndefined(out) {
		return v.String()
	}
	return out.String()
}

func (r *Runtime) yasumuObject() *goja.Object {
	vm := r.vm
	ui := vm.NewObject()
	_ = ui.Set("showNotification", func(call goja.FunctionCall) goja.Value {
		var n protocol.Notification
		if err := vm.ExportTo(call.Argument(0), &n); err != nil {
			panic(vm.NewTypeError("showNotification: %v", err))
		}
		r.emit(protocol.EventShowNotification, n)
		return goja.Undefined()
	})

	y := vm.NewObject()
	_ = y.Set("ui", ui)
	_ = y.Set("postMessage", func(call goja.FunctionCall) goja.Value {
		r.emit(protocol.EventMessage, call.Argument(0).Export())
		return goja.Undefined()
	})
	return y
}

// require only serves emulated builtin modules.
func (r *Runtime) require(name string) (*goja.Object, error) {
	canonical := strings.TrimPrefix(name, "node:")
	if mod, ok := r.builtins[canonical]; ok {
		return mod, nil
	}
	var mod *goja.Object
	switch canonical {
	case "path":
		mod = r.pathModule()
	case "crypto":
		mod = r.cryptoModule()
	default:
		return nil, fmt.Errorf("Module %s not found", name)
	}
	r.builtins[canonical] = mod
	return mod, nil
}

func (r *Runtime) pathModule() *goja.Object {
	m := r.vm.NewObject()
	_ = m.Set("sep", "/")
	_ = m.Set("join", func(parts ...string) string { return path.Join(parts...) })
	_ = m.Set("dirname", path.Dir)
	_ = m.Set("extname", path.Ext)
	_ = m.Set("isAbsolute", path.IsAbs)
	_ = m.Set("basename", func(p string, ext ...string) string {
		base := path.Base(p)
		if len(ext) > 0 && ext[0] != "" && base != ext[0] {
			base = strings.TrimSuffix(base, ext[0])
		}
		return base
	})
	return m
}

// Hash is the object returned by crypto.createHash.
type Hash struct {
	h hash.Hash
}

func (h *Hash) Update(data string) *Hash {
	h.h.Write([]byte(data))
	return h
}

func (h *Hash) Digest(encoding string) (string, error) {
	sum := h.h.Sum(nil)
	switch encoding {
	case "", "hex":
		return hex.EncodeToString(sum), nil
	case "base64":
		return base64.StdEncoding.EncodeToString(sum), nil
	default:
		return "", fmt.Errorf("unsupported digest encoding %q", encoding)
	}
}

func newHash(algorithm string) (*Hash, error) {
	switch strings.ToLower(algorithm) {
	case "sha1":
		return &Hash{h: sha1.New()}, nil
	case "sha256":
		return &Hash{h: sha256.New()}, nil
	case "sha512":
		return &Hash{h: sha512.New()}, nil
	case "blake3":
		return &Hash{h: blake3.New()}, nil
	default:
		return nil, fmt.Errorf("Digest method not supported: %s", algorithm)
	}
}

func (r *Runtime) cryptoModule() *goja.Object {
	m := r.vm.NewObject()
	_ = m.Set("randomUUID", uuid.NewString)
	_ = m.Set("createHash", newHash)
	return m
}

func (r *Runtime) constructHeaders(call goja.ConstructorCall) *goja.Object {
	return r.vm.ToValue(NewHeaders(exportStringMap(call.Argument(0)))).(*goja.Object)
}

func (r *Runtime) constructSearchParams(call goja.ConstructorCall) *goja.Object {
	arg := call.Argument(0)
	if s, ok := arg.Export().(string); ok {
		return r.vm.ToValue(ParseSearchParams("?" + strings.TrimPrefix(s, "?"))).(*goja.Object)
	}
	return r.vm.ToValue(NewSearchParams(exportStringMap(arg))).(*goja.Object)
}

// constructResponse implements new YasumuResponse(body, {status, headers}).
func (r *Runtime) constructResponse(call goja.ConstructorCall) *goja.Object {
	res := &Response{Status: 200, Headers: NewHeaders(nil), Body: exportBody(call.Argument(0))}
	if init, ok := call.Argument(1).Export().(map[string]any); ok {
		if status, ok := toInt(init["status"]); ok {
			res.Status = status
		}
		res.Headers = NewHeaders(toStringMap(init["headers"]))
	}
	return r.vm.ToValue(res).(*goja.Object)
}

func exportBody(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}

func exportStringMap(v goja.Value) map[string]string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return toStringMap(v.Export())
}

func toStringMap(v any) map[string]string {
	switch m := v.(type) {
	case map[string]string:
		return m
	case *Headers:
		return m.ToObject()
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, val := range m {
			out[k] = fmt.Sprint(val)
		}
		return out
	default:
		return nil
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// responseFromValue recognizes a returned YasumuResponse or a response-like
// object with a numeric status.
func responseFromValue(v goja.Value) *Response {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	switch x := v.Export().(type) {
	case *Response:
		return x
	case map[string]any:
		status, ok := toInt(x["status"])
		if !ok {
			return nil
		}
		return &Response{Status: status, Headers: NewHeaders(toStringMap(x["headers"])), Body: x["body"]}
	default:
		return nil
	}
}
