package engine

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/cloudstate/bridge"
	"github.com/chazu/cloudstate/store"
)

var scriptLog = commonlog.GetLogger("cloudstate.script")

// hostReply is the envelope every storage host function returns to the
// guest as JSON text.
type hostReply struct {
	Found bool   `json:"found"`
	Value string `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

func (r hostReply) String() string {
	b, err := json.Marshal(r)
	if err != nil {
		return `{"found":false,"error":"encoding host reply","kind":"internal"}`
	}
	return string(b)
}

func replyErr(err error) string {
	kind := "internal"
	switch {
	case errors.Is(err, bridge.ErrInvalid):
		kind = "invalid"
	case errors.Is(err, bridge.ErrUnavailable):
		kind = "unavailable"
	case errors.Is(err, store.ErrStore):
		kind = "store"
	}
	return hostReply{Error: err.Error(), Kind: kind}.String()
}

func (i *Instance) registerHost() error {
	funcs := []struct {
		name string
		fn   any
	}{
		{"__cloudstate_object_get", i.hostObjectGet},
		{"__cloudstate_object_set", i.hostObjectSet},
		{"__cloudstate_root_get", i.hostRootGet},
		{"__cloudstate_root_set", i.hostRootSet},
		{"__cloudstate_new_id", i.hostNewID},
		{"__cloudstate_log", i.hostLog},
	}
	for _, f := range funcs {
		if err := i.vm.RegisterFunc(f.name, f.fn, false); err != nil {
			return fmt.Errorf("engine: registering %s: %w", f.name, err)
		}
	}
	return nil
}

func (i *Instance) hostObjectGet(namespace, id string) string {
	value, found, err := i.cfg.Bridge.ObjectGet(i.callCtx(), namespace, id)
	if err != nil {
		return replyErr(err)
	}
	return hostReply{Found: found, Value: string(value)}.String()
}

func (i *Instance) hostObjectSet(namespace, id, value string) string {
	if err := i.cfg.Bridge.ObjectSet(i.callCtx(), namespace, id, []byte(value)); err != nil {
		return replyErr(err)
	}
	return hostReply{Found: true}.String()
}

func (i *Instance) hostRootGet(namespace, alias string) string {
	id, found, err := i.cfg.Bridge.RootGet(i.callCtx(), namespace, alias)
	if err != nil {
		return replyErr(err)
	}
	return hostReply{Found: found, Value: id}.String()
}

func (i *Instance) hostRootSet(namespace, alias, id string) string {
	if err := i.cfg.Bridge.RootSet(i.callCtx(), namespace, alias, id); err != nil {
		return replyErr(err)
	}
	return hostReply{Found: true}.String()
}

func (i *Instance) hostNewID() string {
	return uuid.NewString()
}

func (i *Instance) hostLog(level, message string) string {
	switch level {
	case "error":
		scriptLog.Errorf("[%s] %s", i.cfg.Namespace, message)
	case "warning":
		scriptLog.Warningf("[%s] %s", i.cfg.Namespace, message)
	case "debug":
		scriptLog.Debugf("[%s] %s", i.cfg.Namespace, message)
	default:
		scriptLog.Infof("[%s] %s", i.cfg.Namespace, message)
	}
	return ""
}
