// Package engine runs user scripts in isolated QuickJS instances.
//
// An Instance is single-threaded: it must be created, used and closed by
// one goroutine and never shared between requests. Every instance loads the
// same fixed sequence of shims (runtime, serializer, object model) before
// the user script, and reaches storage only through a bridge.Bridge.
package engine

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"
	"modernc.org/quickjs"

	"github.com/chazu/cloudstate/bridge"
)

// DefaultTimeout bounds an instance's total run time when Config.Timeout
// is zero.
const DefaultTimeout = 30 * time.Second

var log = commonlog.GetLogger("cloudstate.engine")

var (
	//go:embed js/runtime.js
	runtimeJS string
	//go:embed js/serializer.js
	serializerJS string
	//go:embed js/cloudstate.js
	cloudstateJS string
)

// shims are evaluated in this order in every instance.
var shims = []struct {
	name   string
	source string
}{
	{"runtime.js", runtimeJS},
	{"serializer.js", serializerJS},
	{"cloudstate.js", cloudstateJS},
}

// Config binds an instance to storage and the environment.
type Config struct {
	Bridge    *bridge.Bridge
	Namespace string
	Env       map[string]string
	Timeout   time.Duration
}

// Class describes one routable class of a loaded script.
type Class struct {
	Name    string   `json:"name"`
	Alias   string   `json:"alias"`
	Methods []string `json:"methods"`
}

// Result is the outcome of running guest code. Exactly one of Value and
// Err is set.
type Result struct {
	Value json.RawMessage
	Err   *ScriptError
}

// reply is the JSON shape returned by the object model's entry points.
type reply struct {
	OK    bool            `json:"ok"`
	Value json.RawMessage `json:"value"`
	Error *ScriptError    `json:"error"`
}

func (r *reply) result() *Result {
	if !r.OK {
		if r.Error == nil {
			r.Error = &ScriptError{Message: "unknown script error"}
		}
		return &Result{Err: r.Error}
	}
	if len(r.Value) == 0 {
		r.Value = json.RawMessage("null")
	}
	return &Result{Value: r.Value}
}

// Instance is one QuickJS context with the cloudstate shims loaded.
type Instance struct {
	vm       *quickjs.VM
	cfg      Config
	deadline time.Time

	// ctx is the context of the eval in progress; host functions use it.
	ctx context.Context

	timedOut atomic.Bool
	broken   bool

	// mu orders interrupts from watchdog goroutines against Close.
	mu     sync.Mutex
	closed bool
}

func newInstance(ctx context.Context, cfg Config) (*Instance, error) {
	if cfg.Bridge == nil {
		cfg.Bridge = bridge.Unavailable()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("engine: creating vm: %w", err)
	}
	i := &Instance{
		vm:       vm,
		cfg:      cfg,
		deadline: time.Now().Add(cfg.Timeout),
	}
	if err := i.registerHost(); err != nil {
		i.Close()
		return nil, err
	}

	prelude, err := json.Marshal(map[string]any{
		"namespace": cfg.Namespace,
		"env":       cfg.Env,
	})
	if err != nil {
		i.Close()
		return nil, fmt.Errorf("engine: encoding config: %w", err)
	}
	if err := i.exec(ctx, "globalThis.__cloudstate_config = "+string(prelude)+";"); err != nil {
		i.Close()
		return nil, fmt.Errorf("engine: loading config: %w", err)
	}
	for _, shim := range shims {
		if err := i.exec(ctx, shim.source); err != nil {
			i.Close()
			return nil, fmt.Errorf("engine: loading %s: %w", shim.name, err)
		}
	}
	return i, nil
}

// New creates an instance, evaluates script in it and registers its
// routable classes. A script that throws while loading returns a
// *ScriptError.
func New(ctx context.Context, cfg Config, script *Script) (*Instance, error) {
	i, err := newInstance(ctx, cfg)
	if err != nil {
		return nil, err
	}

	load := "try {\n" + script.Text + "\n} catch (e) {\n  globalThis.__cloudstate_thrown = __cloudstate_error(e);\n}"
	if err := i.exec(ctx, load); err != nil {
		i.Close()
		return nil, err
	}
	out, err := i.eval(ctx, "__cloudstate_loaded()")
	if err != nil {
		i.Close()
		return nil, err
	}
	res, err := decodeReply(out)
	if err != nil {
		i.Close()
		return nil, err
	}
	if res.Err != nil {
		i.Close()
		return nil, res.Err
	}
	if err := i.exec(ctx, script.registration()); err != nil {
		i.Close()
		return nil, err
	}
	return i, nil
}

// RunOnce evaluates script as a top-level program in a fresh instance and
// returns the value the script left in globalThis.result. An exception
// thrown by the script is caught in the guest and stored in the result
// slot as {error: {name, message, stack}}; that shape is reported in
// Result.Err.
func RunOnce(ctx context.Context, cfg Config, script *Script) (*Result, error) {
	i, err := newInstance(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer i.Close()

	wrapped := "try {\n" + script.Text + "\n} catch (e) {\n  globalThis.result = { error: __cloudstate_error(e) };\n}"
	if err := i.exec(ctx, wrapped); err != nil {
		var serr *ScriptError
		if errors.As(err, &serr) {
			return &Result{Err: serr}, nil
		}
		return nil, err
	}
	out, err := i.eval(ctx, "__cloudstate_result()")
	if err != nil {
		return nil, err
	}
	return decodeReply(out)
}

// Describe lists the routable classes of the loaded script.
func (i *Instance) Describe(ctx context.Context) ([]Class, error) {
	out, err := i.eval(ctx, "__cloudstate_describe()")
	if err != nil {
		return nil, err
	}
	var classes []Class
	if err := json.Unmarshal([]byte(out), &classes); err != nil {
		return nil, fmt.Errorf("engine: decoding classes: %w", err)
	}
	return classes, nil
}

// Invoke calls method on the root instance of class. args must be a JSON
// array; its elements become positional arguments. The instance is
// persisted after the method returns.
func (i *Instance) Invoke(ctx context.Context, class, method string, args json.RawMessage) (*Result, error) {
	if len(args) == 0 {
		args = json.RawMessage("[]")
	}
	if !json.Valid(args) {
		return nil, fmt.Errorf("engine: invalid arguments JSON")
	}
	out, err := i.eval(ctx, "__cloudstate_invoke("+jsString(class)+", "+jsString(method)+", "+string(args)+")")
	if err != nil {
		return nil, err
	}
	return decodeReply(out)
}

// Close releases the VM. It is safe to call more than once, and safe
// against a watchdog that fires concurrently.
func (i *Instance) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return
	}
	i.closed = true
	i.vm.Close()
}

// interrupt aborts the eval in progress unless the VM is already closed.
func (i *Instance) interrupt() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.closed {
		i.vm.Interrupt()
	}
}

func (i *Instance) isClosed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

func decodeReply(out string) (*Result, error) {
	var r reply
	if err := json.Unmarshal([]byte(out), &r); err != nil {
		return nil, fmt.Errorf("engine: decoding result: %w", err)
	}
	return r.result(), nil
}

// exec evaluates js as a global script for its side effects. Top-level
// class and let bindings stay visible to later evaluations.
func (i *Instance) exec(ctx context.Context, js string) error {
	_, err := i.run(ctx, js+"\n;undefined;")
	return err
}

// eval evaluates js, which must produce a string.
func (i *Instance) eval(ctx context.Context, js string) (string, error) {
	v, err := i.run(ctx, js)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("engine: expected string result, got %T", v)
	}
	return s, nil
}

// run evaluates js under the instance deadline and ctx. Either one firing
// interrupts the VM, which is then unusable.
func (i *Instance) run(ctx context.Context, js string) (any, error) {
	if i.broken || i.isClosed() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if i.timedOut.Load() {
			return nil, ErrTimeout
		}
		return nil, ErrClosed
	}
	remaining := time.Until(i.deadline)
	if remaining <= 0 {
		i.broken = true
		return nil, ErrTimeout
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	i.ctx = ctx
	defer func() { i.ctx = nil }()

	watchdog := time.AfterFunc(remaining, func() {
		i.timedOut.Store(true)
		i.interrupt()
	})
	stopCtx := context.AfterFunc(ctx, i.interrupt)

	v, err := i.vm.Eval(js, quickjs.EvalGlobal)

	fired := !watchdog.Stop()
	cancelled := !stopCtx()
	if fired || cancelled {
		i.broken = true
	}
	if err != nil {
		switch {
		case i.timedOut.Load():
			log.Warningf("namespace %s: script interrupted after %s", i.cfg.Namespace, i.cfg.Timeout)
			return nil, ErrTimeout
		case ctx.Err() != nil:
			return nil, ctx.Err()
		}
		return nil, parseException(err.Error())
	}
	return v, nil
}

func (i *Instance) callCtx() context.Context {
	if i.ctx != nil {
		return i.ctx
	}
	return context.Background()
}

// jsString quotes s as a JavaScript string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
