package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/cloudstate/bridge"
	"github.com/chazu/cloudstate/engine"
)

var log = commonlog.GetLogger("cloudstate.server")

// NamespaceHeader overrides the state's namespace for one request.
const NamespaceHeader = "Cloudstate-Namespace"

// RequestIDHeader carries the id the dispatcher assigns to each request.
const RequestIDHeader = "X-Request-Id"

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error *engine.ScriptError `json:"error"`
}

// Dispatcher routes requests to class methods of the active state.
type Dispatcher struct {
	slot      *Slot
	bridge    *bridge.Bridge
	pool      *WorkerPool
	timeout   time.Duration
	bodyLimit int64
}

// NewDispatcher returns a dispatcher running invocations on pool. A zero
// timeout uses engine.DefaultTimeout; a zero bodyLimit disables the limit.
func NewDispatcher(slot *Slot, b *bridge.Bridge, pool *WorkerPool, timeout time.Duration, bodyLimit int64) *Dispatcher {
	if timeout <= 0 {
		timeout = engine.DefaultTimeout
	}
	return &Dispatcher{
		slot:      slot,
		bridge:    b,
		pool:      pool,
		timeout:   timeout,
		bodyLimit: bodyLimit,
	}
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()
	w.Header().Set(RequestIDHeader, reqID)

	if !allowedMethods[r.Method] {
		w.Header().Set("Allow", "GET, POST, PUT, PATCH, DELETE")
		d.fail(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if r.URL.Path == StatusPath {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", "GET")
			d.fail(w, r, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		d.write(w, r, http.StatusOK, json.RawMessage(`"OK"`))
		return
	}

	state := d.slot.Load()
	if state == nil {
		d.fail(w, r, http.StatusServiceUnavailable, "no script loaded")
		return
	}
	route, err := state.Resolve(r.URL.Path)
	if err != nil {
		log.Debugf("%s %s %s: %v", reqID, r.Method, r.URL.Path, err)
		d.fail(w, r, http.StatusNotFound, err.Error())
		return
	}

	namespace := state.Namespace
	if ns := r.Header.Get(NamespaceHeader); ns != "" {
		if err := bridge.Validate("namespace", ns); err != nil {
			d.fail(w, r, http.StatusBadRequest, err.Error())
			return
		}
		namespace = ns
	}

	body := r.Body
	if d.bodyLimit > 0 {
		body = http.MaxBytesReader(w, r.Body, d.bodyLimit)
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			d.fail(w, r, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		d.fail(w, r, http.StatusBadRequest, "cannot read request body")
		return
	}
	args, err := decodeArgs(r.Header.Get("Content-Type"), raw)
	if err != nil {
		d.fail(w, r, http.StatusBadRequest, err.Error())
		return
	}

	start := time.Now()
	res, err := d.invoke(r.Context(), state, namespace, route, args)
	elapsed := time.Since(start)

	switch {
	case err == nil && res.Err == nil:
		log.Debugf("%s %s %s -> %s.%s [%s] ok in %s", reqID, r.Method, r.URL.Path, route.Class, route.Method, namespace, elapsed)
		d.write(w, r, http.StatusOK, res.Value)
	case err == nil:
		status := http.StatusInternalServerError
		if res.Err.IsStoreError() {
			status = http.StatusServiceUnavailable
		}
		log.Warningf("%s %s.%s [%s]: %v", reqID, route.Class, route.Method, namespace, res.Err)
		d.failWith(w, r, status, res.Err)
	default:
		d.failErr(w, r, reqID, route, err)
	}
}

func (d *Dispatcher) invoke(ctx context.Context, state *State, namespace string, route Route, args json.RawMessage) (*engine.Result, error) {
	cfg := engine.Config{
		Bridge:    d.bridge,
		Namespace: namespace,
		Env:       state.Env,
		Timeout:   d.timeout,
	}
	v, err := d.pool.Do(ctx, func() (interface{}, error) {
		inst, err := engine.New(ctx, cfg, state.Script)
		if err != nil {
			return nil, err
		}
		defer inst.Close()
		return inst.Invoke(ctx, route.Class, route.Method, args)
	})
	if err != nil {
		return nil, err
	}
	return v.(*engine.Result), nil
}

func (d *Dispatcher) failErr(w http.ResponseWriter, r *http.Request, reqID string, route Route, err error) {
	var serr *engine.ScriptError
	switch {
	case errors.As(err, &serr):
		log.Warningf("%s %s.%s: %v", reqID, route.Class, route.Method, serr)
		status := http.StatusInternalServerError
		if serr.IsStoreError() {
			status = http.StatusServiceUnavailable
		}
		d.failWith(w, r, status, serr)
	case errors.Is(err, engine.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		log.Warningf("%s %s.%s: %v", reqID, route.Class, route.Method, err)
		d.fail(w, r, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, context.Canceled):
		log.Debugf("%s %s.%s: client went away", reqID, route.Class, route.Method)
		d.fail(w, r, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ErrPoolClosed):
		d.fail(w, r, http.StatusServiceUnavailable, err.Error())
	default:
		log.Errorf("%s %s.%s: %v", reqID, route.Class, route.Method, err)
		d.fail(w, r, http.StatusInternalServerError, err.Error())
	}
}

func (d *Dispatcher) fail(w http.ResponseWriter, r *http.Request, status int, message string) {
	d.failWith(w, r, status, &engine.ScriptError{Message: message})
}

func (d *Dispatcher) failWith(w http.ResponseWriter, r *http.Request, status int, serr *engine.ScriptError) {
	body, err := json.Marshal(errorBody{Error: serr})
	if err != nil {
		body = []byte(`{"error":{"message":"internal error"}}`)
	}
	d.write(w, r, status, body)
}

// write sends value as JSON, or as CBOR when the client accepts it.
func (d *Dispatcher) write(w http.ResponseWriter, r *http.Request, status int, value json.RawMessage) {
	if wantsCBOR(r.Header.Get("Accept")) {
		if out, err := encodeCBOR(value); err == nil {
			w.Header().Set("Content-Type", ContentTypeCBOR)
			w.WriteHeader(status)
			w.Write(out)
			return
		}
	}
	w.Header().Set("Content-Type", ContentTypeJSON)
	w.WriteHeader(status)
	w.Write(value)
}
