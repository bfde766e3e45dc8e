// Package sandbox runs user scripts inside a goja JavaScript VM.
//
// A Runtime owns one VM and serializes every call into it. Scripts are
// CommonJS-style modules, either virtual (source delivered by the host and
// addressed as yasumu:virtual/<key>) or files under the scripts directory.
// Each module is evaluated once and its exports are cached for the life of
// the runtime.
//
// Globals available to scripts:
//   - console.log/debug/info/warn/error, mirrored to stderr and raised as
//     console events
//   - Yasumu.ui.showNotification and Yasumu.postMessage
//   - YasumuHeaders, YasumuURLSearchParams and YasumuResponse constructors
//   - require for the emulated node:path and node:crypto builtins only
//   - confirm/prompt/alert stubs (false, null, no-op)
//
// process and timers are not available. There is no event loop: a promise
// returned by a script must be settled by the time the call returns.
//
// Invocation arguments depend on the context type:
//   - rest: (request, response) wrappers; the request state and environment
//     flow back as the updated context, a returned response is the result
//   - test: the context as a plain object; the return value is the result
package sandbox
