package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// VirtualPrefix marks module paths whose source was delivered by the host
// instead of read from disk.
const VirtualPrefix = "yasumu:virtual/"

// ErrModuleNotFound is returned when a module path resolves to no source.
var ErrModuleNotFound = errors.New("module not found")

// ModuleLoader resolves module paths to source text.
type ModuleLoader struct {
	root string

	mu      sync.RWMutex
	virtual map[string]string
}

// NewModuleLoader creates a loader serving files under root. An empty root
// disables file modules.
func NewModuleLoader(root string) *ModuleLoader {
	return &ModuleLoader{root: root, virtual: make(map[string]string)}
}

// Register stores source for a virtual module. The first registration of a
// key wins; keys are expected to carry a content hash.
func (l *ModuleLoader) Register(key, source string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.virtual[key]; ok {
		return false
	}
	l.virtual[key] = source
	return true
}

// Resolve maps a module path to its canonical form. File paths are joined
// onto the scripts root and must stay inside it.
func (l *ModuleLoader) Resolve(path string) (string, error) {
	if strings.HasPrefix(path, VirtualPrefix) {
		return path, nil
	}
	if l.root == "" {
		return "", fmt.Errorf("%w: %s (no scripts directory configured)", ErrModuleNotFound, path)
	}
	root, err := filepath.Abs(l.root)
	if err != nil {
		return "", fmt.Errorf("resolve scripts directory: %w", err)
	}
	if filepath.IsAbs(path) {
		path, err = filepath.Rel(root, path)
		if err != nil {
			return "", fmt.Errorf("module path escapes scripts directory: %s", path)
		}
	}
	full := filepath.Join(root, path)
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("module path escapes scripts directory: %s", path)
	}
	return full, nil
}

// Source returns the source text of a resolved module path.
func (l *ModuleLoader) Source(resolved string) (string, error) {
	if key, ok := strings.CutPrefix(resolved, VirtualPrefix); ok {
		l.mu.RLock()
		src, found := l.virtual[key]
		l.mu.RUnlock()
		if !found {
			return "", fmt.Errorf("%w: %s", ErrModuleNotFound, resolved)
		}
		return src, nil
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrModuleNotFound, resolved)
		}
		return "", fmt.Errorf("read module %s: %w", resolved, err)
	}
	return string(data), nil
}

var (
	exportDecl    = regexp.MustCompile(`(?m)^([ \t]*)export[ \t]+((?:async[ \t]+)?function\*?|const|let|var|class)[ \t]+([A-Za-z_$][\w$]*)`)
	exportDefault = regexp.MustCompile(`(?m)^([ \t]*)export[ \t]+default[ \t]+`)
)

// transformExports rewrites top-level export declarations into CommonJS
// assignments so scripts written as ES modules load in the wrapper.
func transformExports(src string) string {
	var names []string
	for _, m := range exportDecl.FindAllStringSubmatch(src, -1) {
		names = append(names, m[3])
	}
	out := exportDecl.ReplaceAllString(src, "${1}${2} ${3}")
	out = exportDefault.ReplaceAllString(out, "${1}module.exports.default = ")
	if len(names) == 0 {
		return out
	}
	var b strings.Builder
	b.WriteString(out)
	b.WriteString("\n;")
	for _, n := range names {
		fmt.Fprintf(&b, "module.exports.%s = %s;", n, n)
	}
	return b.String()
}
