package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/cloudstate/bridge"
	"github.com/chazu/cloudstate/store"
)

// AdminServiceName is the fully-qualified name of the admin service.
const AdminServiceName = "cloudstate.v1.AdminService"

// Admin procedures. Requests and responses are google.protobuf.Struct.
const (
	AdminStatusProcedure      = "/" + AdminServiceName + "/Status"
	AdminReloadProcedure      = "/" + AdminServiceName + "/Reload"
	AdminGetObjectProcedure   = "/" + AdminServiceName + "/GetObject"
	AdminGetRootProcedure     = "/" + AdminServiceName + "/GetRoot"
	AdminListObjectsProcedure = "/" + AdminServiceName + "/ListObjects"
	AdminListRootsProcedure   = "/" + AdminServiceName + "/ListRoots"
)

type (
	adminRequest  = connect.Request[structpb.Struct]
	adminResponse = connect.Response[structpb.Struct]
)

// AdminService inspects the running server and its store over
// Connect, gRPC and gRPC-Web.
type AdminService struct {
	reloader *Reloader
	bridge   *bridge.Bridge
}

// NewAdminService creates an AdminService. reloader may be nil, in which
// case Reload is unimplemented.
func NewAdminService(reloader *Reloader, b *bridge.Bridge) *AdminService {
	return &AdminService{reloader: reloader, bridge: b}
}

// Handler returns the path prefix and handler serving every procedure.
func (a *AdminService) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(AdminStatusProcedure, connect.NewUnaryHandler(AdminStatusProcedure, a.Status, opts...))
	mux.Handle(AdminReloadProcedure, connect.NewUnaryHandler(AdminReloadProcedure, a.Reload, opts...))
	mux.Handle(AdminGetObjectProcedure, connect.NewUnaryHandler(AdminGetObjectProcedure, a.GetObject, opts...))
	mux.Handle(AdminGetRootProcedure, connect.NewUnaryHandler(AdminGetRootProcedure, a.GetRoot, opts...))
	mux.Handle(AdminListObjectsProcedure, connect.NewUnaryHandler(AdminListObjectsProcedure, a.ListObjects, opts...))
	mux.Handle(AdminListRootsProcedure, connect.NewUnaryHandler(AdminListRootsProcedure, a.ListRoots, opts...))
	return "/" + AdminServiceName + "/", mux
}

// Status reports the active state and the outcome of the last reload.
func (a *AdminService) Status(ctx context.Context, req *adminRequest) (*adminResponse, error) {
	out := map[string]interface{}{
		"loaded": false,
	}
	if a.reloader != nil {
		if err := a.reloader.LastError(); err != nil {
			out["lastReloadError"] = err.Error()
		}
		if state := a.reloader.Slot().Load(); state != nil {
			out["loaded"] = true
			for k, v := range describeState(state) {
				out[k] = v
			}
		}
	}
	return respond(out)
}

// Reload rebuilds the state from the script file.
func (a *AdminService) Reload(ctx context.Context, req *adminRequest) (*adminResponse, error) {
	if a.reloader == nil {
		return nil, connect.NewError(connect.CodeUnimplemented, errors.New("reload is not available"))
	}
	state, err := a.reloader.Reload(ctx)
	if err != nil {
		return nil, connect.NewError(connect.CodeFailedPrecondition, err)
	}
	return respond(describeState(state))
}

// GetObject returns the serialized payload of one object.
func (a *AdminService) GetObject(ctx context.Context, req *adminRequest) (*adminResponse, error) {
	ns := a.namespace(req.Msg)
	id := stringField(req.Msg, "id")
	value, found, err := a.bridge.ObjectGet(ctx, ns, id)
	if err != nil {
		return nil, connectError(err)
	}
	out := map[string]interface{}{"namespace": ns, "id": id, "found": found}
	if found {
		out["value"] = string(value)
	}
	return respond(out)
}

// GetRoot returns the id an alias is bound to.
func (a *AdminService) GetRoot(ctx context.Context, req *adminRequest) (*adminResponse, error) {
	ns := a.namespace(req.Msg)
	alias := stringField(req.Msg, "alias")
	id, found, err := a.bridge.RootGet(ctx, ns, alias)
	if err != nil {
		return nil, connectError(err)
	}
	out := map[string]interface{}{"namespace": ns, "alias": alias, "found": found}
	if found {
		out["id"] = id
	}
	return respond(out)
}

// ListObjects returns every object id in a namespace.
func (a *AdminService) ListObjects(ctx context.Context, req *adminRequest) (*adminResponse, error) {
	ns := a.namespace(req.Msg)
	ids, err := a.bridge.ListObjects(ctx, ns)
	if err != nil {
		return nil, connectError(err)
	}
	list := make([]interface{}, len(ids))
	for i, id := range ids {
		list[i] = id
	}
	return respond(map[string]interface{}{"namespace": ns, "ids": list})
}

// ListRoots returns every alias in a namespace with its object id.
func (a *AdminService) ListRoots(ctx context.Context, req *adminRequest) (*adminResponse, error) {
	ns := a.namespace(req.Msg)
	roots, err := a.bridge.ListRoots(ctx, ns)
	if err != nil {
		return nil, connectError(err)
	}
	m := make(map[string]interface{}, len(roots))
	for alias, id := range roots {
		m[alias] = id
	}
	return respond(map[string]interface{}{"namespace": ns, "roots": m})
}

// namespace returns the request's namespace field, defaulting to the
// active state's namespace.
func (a *AdminService) namespace(msg *structpb.Struct) string {
	if ns := stringField(msg, "namespace"); ns != "" {
		return ns
	}
	if a.reloader != nil {
		if state := a.reloader.Slot().Load(); state != nil {
			return state.Namespace
		}
	}
	return ""
}

func describeState(state *State) map[string]interface{} {
	classes := make([]interface{}, 0, len(state.Classes))
	for _, c := range state.Classes {
		methods := make([]interface{}, len(c.Methods))
		for i, m := range c.Methods {
			methods[i] = m
		}
		classes = append(classes, map[string]interface{}{
			"name":    c.Name,
			"alias":   c.Alias,
			"methods": methods,
		})
	}
	paths := state.RoutePaths()
	routes := make([]interface{}, len(paths))
	for i, p := range paths {
		routes[i] = p
	}
	return map[string]interface{}{
		"version":   float64(state.Version),
		"path":      state.Path,
		"namespace": state.Namespace,
		"builtAt":   state.BuiltAt.UTC().Format(time.RFC3339),
		"classes":   classes,
		"routes":    routes,
	}
}

func stringField(msg *structpb.Struct, name string) string {
	return msg.GetFields()[name].GetStringValue()
}

func respond(m map[string]interface{}) (*adminResponse, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("encoding response: %w", err))
	}
	return connect.NewResponse(s), nil
}

func connectError(err error) error {
	switch {
	case errors.Is(err, bridge.ErrInvalid):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, bridge.ErrUnavailable):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.Is(err, store.ErrStore):
		return connect.NewError(connect.CodeUnavailable, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}
