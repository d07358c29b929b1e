package jsbridge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/buke/jsbridge/internal/cesu8"
	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// Resolver maps a require id to a module path. parent is the path of the
// requiring module, or empty at top level.
type Resolver interface {
	Resolve(id, parent string) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(id, parent string) (string, error)

func (f ResolverFunc) Resolve(id, parent string) (string, error) { return f(id, parent) }

// Loader returns the source of a module or script path.
type Loader interface {
	Load(path string) (string, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(path string) (string, error)

func (f LoaderFunc) Load(path string) (string, error) { return f(path) }

// ModuleNotFoundError is returned when a require id cannot be resolved.
type ModuleNotFoundError struct {
	ID     string
	Parent string
}

func (e *ModuleNotFoundError) Error() string {
	if e.Parent == "" {
		return fmt.Sprintf("jsbridge: cannot find module %q", e.ID)
	}
	return fmt.Sprintf("jsbridge: cannot find module %q from %s", e.ID, e.Parent)
}

// DefaultExtensions are probed by FileResolver, in order.
var DefaultExtensions = []string{".js", ".json", ".ts", ".mjs", ".cjs", ".jsx", ".tsx"}

// FileResolver resolves require ids against the file system. Relative ids
// are resolved from the requiring module's directory; bare ids are searched
// in Paths in order.
type FileResolver struct {
	Paths      []string
	Extensions []string // DefaultExtensions when empty
}

func (r *FileResolver) Resolve(id, parent string) (string, error) {
	var candidates []string
	switch {
	case strings.HasPrefix(id, "./") || strings.HasPrefix(id, "../") || id == "." || id == "..":
		dir := "."
		if parent != "" {
			dir = filepath.Dir(parent)
		}
		candidates = []string{filepath.Join(dir, id)}
	case filepath.IsAbs(id):
		candidates = []string{id}
	default:
		for _, p := range r.Paths {
			candidates = append(candidates, filepath.Join(p, id))
		}
	}

	for _, c := range candidates {
		if path, ok := r.probe(c); ok {
			if abs, err := filepath.Abs(path); err == nil {
				return abs, nil
			}
			return path, nil
		}
	}
	return "", &ModuleNotFoundError{ID: id, Parent: parent}
}

func (r *FileResolver) extensions() []string {
	if len(r.Extensions) > 0 {
		return r.Extensions
	}
	return DefaultExtensions
}

// probe tries path as a file, with each extension, then as a directory.
func (r *FileResolver) probe(path string) (string, bool) {
	if isFile(path) {
		return path, true
	}
	for _, ext := range r.extensions() {
		if isFile(path + ext) {
			return path + ext, true
		}
	}
	if fi, err := os.Stat(path); err != nil || !fi.IsDir() {
		return "", false
	}
	if main := packageMain(path); main != "" {
		if p, ok := r.probe(filepath.Join(path, main)); ok {
			return p, true
		}
	}
	for _, ext := range r.extensions() {
		if p := filepath.Join(path, "index"+ext); isFile(p) {
			return p, true
		}
	}
	return "", false
}

func isFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

// packageMain returns the main entry of dir/package.json, if any.
func packageMain(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return ""
	}
	var pkg struct {
		Main string `json:"main"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return ""
	}
	return pkg.Main
}

// FileLoader reads sources from the file system. JSON files load as a
// module exporting the parsed document.
type FileLoader struct{}

func (FileLoader) Load(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return "module.exports = " + string(data) + ";", nil
	}
	return string(data), nil
}

// moduleCache implements require for one realm.
type moduleCache struct {
	r       *realm
	modules map[string]*goja.Object // path -> module object
	parents []string                // paths of the modules being evaluated
	require *goja.Object
}

func newModuleCache(r *realm) *moduleCache {
	return &moduleCache{r: r, modules: make(map[string]*goja.Object)}
}

const moduleWrapper = "(function (exports, require, module, __filename, __dirname) {"

// install defines the global require function.
func (mc *moduleCache) install() error {
	vm := mc.r.vm
	mc.require = vm.ToValue(func(call goja.FunctionCall) goja.Value {
		return mc.load(call.Argument(0).String())
	}).(*goja.Object)
	return vm.GlobalObject().Set("require", mc.require)
}

func (mc *moduleCache) enter(path string) {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	mc.parents = append(mc.parents, path)
}

func (mc *moduleCache) leave() {
	if n := len(mc.parents); n > 0 {
		mc.parents = mc.parents[:n-1]
	}
}

func (mc *moduleCache) parent() string {
	if n := len(mc.parents); n > 0 {
		return mc.parents[n-1]
	}
	return ""
}

// load returns the exports of module id, evaluating it on first use. A
// module required while it is still being evaluated yields its partial
// exports.
func (mc *moduleCache) load(id string) goja.Value {
	rl := mc.r
	rt := rl.rt
	t := rt.threadFor(rl)
	base := t.top()
	defer t.setTop(base)

	throw := t.rethrow

	path, err := rt.resolver.Resolve(id, mc.parent())
	if err != nil {
		throw(err)
	}
	if m, ok := mc.modules[path]; ok {
		return m.Get("exports")
	}

	src, err := rt.loader.Load(path)
	if err != nil {
		throw(fmt.Errorf("jsbridge: load %s: %w", path, err))
	}

	module := rl.vm.NewObject()
	exports := rl.vm.NewObject()
	if err := module.Set("exports", exports); err != nil {
		throw(err)
	}
	if err := module.Set("id", path); err != nil {
		throw(err)
	}
	mc.modules[path] = module
	rt.log.Debug("loading module", zap.String("id", id), zap.String("path", path))

	ok := false
	defer func() {
		if !ok {
			delete(mc.modules, path)
		}
	}()

	if err := t.compile(moduleWrapper+src+"\n})", path, rt.opts.strict); err != nil {
		throw(err)
	}
	t.pushUndefined()
	if err := t.call(0); err != nil {
		throw(err)
	}
	t.push(exports)
	t.push(exports)
	t.push(mc.require)
	t.push(module)
	t.pushString(cesu8.Encode(path))
	t.pushString(cesu8.Encode(filepath.Dir(path)))

	mc.enter(path)
	err = t.call(5)
	mc.leave()
	if err != nil {
		throw(err)
	}
	ok = true
	return module.Get("exports")
}
