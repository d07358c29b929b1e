package jsbridge

import (
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/dop251/goja"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Runtime represents a JavaScript runtime corresponding to one object heap.
// Several runtimes can exist at the same time but they cannot exchange
// objects. A runtime and everything obtained from it (contexts, proxies) must
// be used sequentially; callers sharing a runtime between goroutines hold its
// embedded mutex around every call and release it between Context.Suspend and
// Context.Resume.
type Runtime struct {
	sync.Mutex

	opts     options
	log      *zap.Logger
	syms     hiddenSymbols
	realm    *realm
	realms   map[*realm]struct{}
	main     *Context
	refs     *refTable
	handles  *HandleStore
	resolver Resolver
	loader   Loader

	errMu    sync.RWMutex
	errTypes map[string]ErrorFactory

	threads    map[uint64]*thread
	nextThread uint64
	active     []*thread
	suspended  []*Suspension
	dropped    *releaseQueue

	timer    *time.Timer
	timerGen atomic.Uint64
	closed   bool
}

type options struct {
	modulePaths      []string
	strict           bool
	encodeHook       EncodeHook
	decodeHook       DecodeHook
	logger           *zap.Logger
	resolver         Resolver
	loader           Loader
	timeout          time.Duration
	maxCallStackSize int
	errorTypes       map[string]ErrorFactory
}

// Option configures a Runtime.
type Option func(*options)

// WithModulePaths sets the directories searched by require, in order.
func WithModulePaths(paths ...string) Option {
	return func(o *options) { o.modulePaths = append(o.modulePaths, paths...) }
}

// WithStrict forces strict mode for all evaluated and loaded code.
func WithStrict(strict bool) Option {
	return func(o *options) { o.strict = strict }
}

// WithEncodeHook installs a hook for Go values the encoder cannot convert.
func WithEncodeHook(h EncodeHook) Option {
	return func(o *options) { o.encodeHook = h }
}

// WithDecodeHook installs a hook offered every non-plain script object
// before it becomes a proxy.
func WithDecodeHook(h DecodeHook) Option {
	return func(o *options) { o.decodeHook = h }
}

// WithLogger sets the runtime's logger; the package logger is used otherwise.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithResolver replaces the module resolver used by require.
func WithResolver(r Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithLoader replaces the source loader used by Load and require.
func WithLoader(l Loader) Option {
	return func(o *options) { o.loader = l }
}

// WithExecuteTimeout interrupts top-level calls that run longer than d.
// Zero disables the timeout.
func WithExecuteTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithMaxCallStackSize limits the script call depth. Zero keeps the engine
// default.
func WithMaxCallStackSize(n int) Option {
	return func(o *options) { o.maxCallStackSize = n }
}

// WithErrorType registers a factory that rebuilds Go errors of the given
// type name (see ErrorTypeName) when they return from script.
func WithErrorType(name string, f ErrorFactory) Option {
	return func(o *options) {
		if o.errorTypes == nil {
			o.errorTypes = make(map[string]ErrorFactory)
		}
		o.errorTypes[name] = f
	}
}

// hiddenSymbols key the engine-internal properties the bridge attaches to
// script objects.
type hiddenSymbols struct {
	micros   *goja.Symbol // exact microseconds of an encoded date
	dateKind *goja.Symbol // datetime, date or time
	errType  *goja.Symbol // Go type name of an encoded error
	errArgs  *goja.Symbol // positional args of an encoded error
	errRef   *goja.Symbol // HandleStore id of the original Go error
}

func newHiddenSymbols() hiddenSymbols {
	return hiddenSymbols{
		micros:   goja.NewSymbol("jsbridge.micros"),
		dateKind: goja.NewSymbol("jsbridge.dateKind"),
		errType:  goja.NewSymbol("jsbridge.errorType"),
		errArgs:  goja.NewSymbol("jsbridge.errorArgs"),
		errRef:   goja.NewSymbol("jsbridge.errorRef"),
	}
}

// NewRuntime creates a runtime with its main context.
func NewRuntime(opts ...Option) *Runtime {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	rt := &Runtime{
		opts:     o,
		log:      o.logger,
		syms:     newHiddenSymbols(),
		realms:   make(map[*realm]struct{}),
		refs:     newRefTable(),
		handles:  NewHandleStore(),
		resolver: o.resolver,
		loader:   o.loader,
		errTypes: make(map[string]ErrorFactory, len(o.errorTypes)),
		threads:  make(map[uint64]*thread),
		dropped:  &releaseQueue{},
	}
	if rt.log == nil {
		rt.log = Logger()
	}
	if rt.resolver == nil {
		rt.resolver = &FileResolver{Paths: o.modulePaths}
	}
	if rt.loader == nil {
		rt.loader = NewLoader()
	}
	for name, f := range o.errorTypes {
		rt.errTypes[name] = f
	}

	rl, err := rt.newRealm()
	if err != nil {
		// the realm bootstrap only runs fixed source
		panic(fmt.Sprintf("jsbridge: realm setup: %v", err))
	}
	rt.realm = rl
	t := rt.newThread(rl, false)
	rl.home = t
	rt.main = &Context{rt: rt, t: t}
	t.host = weak.Make(rt.main)

	rt.log.Debug("runtime created",
		zap.Strings("modulePaths", o.modulePaths),
		zap.Bool("strict", o.strict),
		zap.Duration("timeout", o.timeout))
	return rt
}

// Main returns the runtime's main context, which owns the shared global
// object.
func (rt *Runtime) Main() *Context { return rt.main }

// NewContext creates an execution context. An isolated context gets its own
// global object; otherwise it shares the runtime's.
func (rt *Runtime) NewContext(isolated bool) (*Context, error) {
	rt.drain()
	if rt.closed {
		return nil, ErrClosed
	}
	rl := rt.realm
	if isolated {
		var err error
		if rl, err = rt.newRealm(); err != nil {
			return nil, err
		}
	}
	t := rt.newThread(rl, isolated)
	if isolated {
		rl.home = t
	}
	c := &Context{rt: rt, t: t}
	t.host = weak.Make(c)

	q := rt.dropped
	runtime.AddCleanup(c, func(id uint64) { q.pushThread(id) }, t.id)

	rt.log.Debug("context created", zap.Uint64("context", t.id), zap.Bool("isolated", isolated))
	return c, nil
}

// Eval runs src in the main context. See Context.Eval.
func (rt *Runtime) Eval(src string) (any, error) { return rt.main.Eval(src) }

// EvalLabel runs src in the main context. See Context.EvalLabel.
func (rt *Runtime) EvalLabel(src, label string) (any, error) { return rt.main.EvalLabel(src, label) }

// Load runs a file in the main context. See Context.Load.
func (rt *Runtime) Load(filename string) error { return rt.main.Load(filename) }

// Get returns a decoded global. See Context.Get.
func (rt *Runtime) Get(name string) (any, error) { return rt.main.Get(name) }

// Set assigns a global. See Context.Set.
func (rt *Runtime) Set(name string, v any) error { return rt.main.Set(name, v) }

// Proxy returns a live handle to a global. See Context.Proxy.
func (rt *Runtime) Proxy(name string) (Proxy, error) { return rt.main.Proxy(name) }

// RegisterError registers a factory that rebuilds Go errors of the given
// type name when they return from script.
func (rt *Runtime) RegisterError(name string, f ErrorFactory) {
	rt.errMu.Lock()
	defer rt.errMu.Unlock()
	rt.errTypes[name] = f
}

func (rt *Runtime) errorFactory(name string) (ErrorFactory, bool) {
	rt.errMu.RLock()
	defer rt.errMu.RUnlock()
	f, ok := rt.errTypes[name]
	return f, ok
}

// RefCount returns the reference count of a Reference Table entry, or 0.
func (rt *Runtime) RefCount(id RefID) int {
	rt.drain()
	return rt.refs.count(id)
}

// RefTableLen returns the number of live Reference Table entries.
func (rt *Runtime) RefTableLen() int {
	rt.drain()
	return rt.refs.len()
}

// GC releases everything queued by finalizers and runs a collection pass.
func (rt *Runtime) GC() {
	if rt.closed {
		return
	}
	rt.drain()
	runtime.GC()
	rt.drain()
}

// Close destroys the heap. Proxies and contexts obtained from the runtime
// fail with ErrClosed afterwards.
func (rt *Runtime) Close() error {
	if rt.closed {
		return nil
	}
	rt.disarmTimeout()
	rt.closed = true

	if n := rt.refs.len(); n > 0 {
		rt.log.Debug("releasing outstanding references", zap.Int("count", n))
	}
	rt.refs.clear()
	rt.handles.Clear()
	for id, t := range rt.threads {
		t.closed = true
		t.state = StateDestroyed
		t.stack = nil
		delete(rt.threads, id)
	}
	for r := range rt.realms {
		r.closed = true
		delete(rt.realms, r)
	}
	rt.active, rt.suspended = nil, nil

	var err error
	if c, ok := rt.loader.(io.Closer); ok {
		err = multierr.Append(err, c.Close())
	}
	if c, ok := rt.resolver.(io.Closer); ok {
		err = multierr.Append(err, c.Close())
	}
	rt.log.Debug("runtime closed")
	return err
}

func (rt *Runtime) newThread(rl *realm, isolated bool) *thread {
	rt.nextThread++
	t := &thread{id: rt.nextThread, rt: rt, realm: rl, isolated: isolated}
	rt.threads[t.id] = t
	return t
}

// destroyThread drops the runtime's keep-alive entry for t.
func (rt *Runtime) destroyThread(t *thread) {
	delete(rt.threads, t.id)
	t.state = StateDestroyed
	t.setTop(0)
	if !t.isolated {
		return
	}
	if t.closed {
		rt.refs.dropRealm(t.realm)
		t.realm.close()
		return
	}
	// collected without Close: proxies into the realm keep it usable
	if rt.refs.realmRefs(t.realm) == 0 {
		t.realm.close()
	}
}

// threadFor returns the thread operations on rl should run on: the innermost
// running one, or the realm's home thread. While the home thread is
// suspended a spare thread stands in for it.
func (rt *Runtime) threadFor(rl *realm) *thread {
	for i := len(rt.active) - 1; i >= 0; i-- {
		if rt.active[i].realm == rl {
			return rt.active[i]
		}
	}
	if rl.home.state != StateSuspended && rl.home.state != StateDestroyed {
		return rl.home
	}
	if rl.spare == nil {
		rl.spare = &thread{rt: rt, realm: rl, isolated: rl.home.isolated}
	}
	return rl.spare
}

// drain applies releases queued by finalizers.
func (rt *Runtime) drain() {
	if rt.closed {
		return
	}
	refs, threads := rt.dropped.take()
	for _, id := range refs {
		if !rt.refs.release(id) {
			rt.log.Warn("finalizer released unknown reference", zap.Uint64("ref", uint64(id)))
		}
	}
	for _, id := range threads {
		if t, ok := rt.threads[id]; ok {
			rt.destroyThread(t)
			rt.log.Debug("context collected", zap.Uint64("context", id))
		}
	}
}

// resume reattaches s. Callers validate s first.
func (rt *Runtime) resume(s *Suspension) {
	if len(rt.active) == 0 {
		rt.armTimeout()
	}
	rt.active = append(rt.active, s.saved...)
	s.t.stack = s.stack
	s.t.state = StateRunning
	s.used = true
	rt.suspended[len(rt.suspended)-1] = nil
	rt.suspended = rt.suspended[:len(rt.suspended)-1]
}

// abandonSuspensions resumes suspensions left outstanding past mark, newest
// first. It reports how many it found.
func (rt *Runtime) abandonSuspensions(mark int) int {
	n := 0
	for len(rt.suspended) > mark {
		s := rt.suspended[len(rt.suspended)-1]
		if len(rt.active) != s.base {
			rt.log.Warn("cannot restore abandoned suspension",
				zap.Uint64("context", s.t.id), zap.Int("active", len(rt.active)), zap.Int("base", s.base))
			rt.suspended = rt.suspended[:len(rt.suspended)-1]
			s.used = true
			s.t.state = StateRunning
		} else {
			rt.resume(s)
		}
		n++
	}
	return n
}

func (rt *Runtime) armTimeout() {
	d := rt.opts.timeout
	if d <= 0 {
		return
	}
	gen := rt.timerGen.Add(1)
	vms := make([]*goja.Runtime, 0, len(rt.realms))
	for r := range rt.realms {
		r.vm.ClearInterrupt()
		vms = append(vms, r.vm)
	}
	rt.timer = time.AfterFunc(d, func() {
		if rt.timerGen.Load() != gen {
			return
		}
		for _, vm := range vms {
			vm.Interrupt(ErrExecuteTimeout)
		}
	})
}

func (rt *Runtime) disarmTimeout() {
	if rt.opts.timeout <= 0 {
		return
	}
	rt.timerGen.Add(1)
	if rt.timer != nil {
		rt.timer.Stop()
		rt.timer = nil
	}
	for r := range rt.realms {
		r.vm.ClearInterrupt()
	}
}

// realm is one global object graph: the main one shared by non-isolated
// contexts, or the private one of an isolated context. Intrinsics are
// captured at creation so scripts replacing globals cannot break the bridge.
type realm struct {
	rt          *Runtime
	vm          *goja.Runtime
	home        *thread
	spare       *thread
	objectProto *goja.Object
	dateCtor    *goja.Object
	errorCtor   *goja.Object
	evalFn      *goja.Object
	hasOwnFn    goja.Callable
	forInFn     *goja.Object
	spliceFn    *goja.Object
	pushFn      *goja.Object
	modules     *moduleCache
	closed      bool
}

const forInSource = `(function (hasOwn) {
	return function* (o) {
		for (var k in o) {
			if (hasOwn.call(o, k)) yield k;
		}
	};
})(Object.prototype.hasOwnProperty)`

func (rt *Runtime) newRealm() (*realm, error) {
	vm := goja.New()
	if n := rt.opts.maxCallStackSize; n > 0 {
		vm.SetMaxCallStackSize(n)
	}
	r := &realm{rt: rt, vm: vm}

	var err error
	if ex := vm.Try(func() {
		global := vm.GlobalObject()
		r.objectProto = global.Get("Object").ToObject(vm).Get("prototype").ToObject(vm)
		r.dateCtor = global.Get("Date").ToObject(vm)
		r.errorCtor = global.Get("Error").ToObject(vm)
		r.evalFn = global.Get("eval").ToObject(vm)
		arrayProto := global.Get("Array").ToObject(vm).Get("prototype").ToObject(vm)
		r.spliceFn = arrayProto.Get("splice").ToObject(vm)
		r.pushFn = arrayProto.Get("push").ToObject(vm)
		hasOwn, ok := goja.AssertFunction(r.objectProto.Get("hasOwnProperty"))
		if !ok {
			err = fmt.Errorf("hasOwnProperty is not callable")
			return
		}
		r.hasOwnFn = hasOwn
		forIn, rerr := vm.RunString(forInSource)
		if rerr != nil {
			err = rerr
			return
		}
		r.forInFn = forIn.ToObject(vm)
	}); ex != nil {
		return nil, ex
	}
	if err != nil {
		return nil, err
	}

	r.modules = newModuleCache(r)
	if err := r.modules.install(); err != nil {
		return nil, err
	}
	rt.realms[r] = struct{}{}
	return r, nil
}

func (r *realm) hasOwn(o *goja.Object, name string) (bool, error) {
	res, err := r.hasOwnFn(o, r.vm.ToValue(name))
	if err != nil {
		return false, err
	}
	return res.ToBoolean(), nil
}

func (r *realm) close() {
	r.closed = true
	delete(r.rt.realms, r)
}
