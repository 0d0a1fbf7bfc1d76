package host

import (
	"context"
	"log"
	"strings"

	"github.com/zond/apphost/events"
	"github.com/zond/apphost/js"
	"rogchap.com/v8go"

	goccy "github.com/goccy/go-json"
)

// jsFunction is a function value handed to the host by app code.
type jsFunction struct {
	label string
	fun   *v8go.Function
}

func joinArgs(i *js.Instance, args []*v8go.Value) string {
	parts := make([]string, len(args))
	for idx, arg := range args {
		parts[idx] = i.Stringify(arg)
	}
	return strings.Join(parts, " ")
}

// decode turns a V8 value into plain Go data through JSON.
func decode(i *js.Instance, v *v8go.Value) (any, error) {
	if v == nil || v.IsUndefined() {
		return nil, nil
	}
	s, err := v8go.JSONStringify(i.Context(), v)
	if err != nil {
		return nil, err
	}
	var result any
	if err := goccy.Unmarshal([]byte(s), &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (h *ScriptHost) callbacks(in *instance) js.Callbacks {
	return js.Callbacks{
		"log": func(i *js.Instance, info *v8go.FunctionCallbackInfo) *v8go.Value {
			log.Printf("[%s] %s", i.Name, joinArgs(i, info.Args()))
			return nil
		},
		"print": func(i *js.Instance, info *v8go.FunctionCallbackInfo) *v8go.Value {
			if in.output != nil {
				in.output.Send(joinArgs(i, info.Args()))
			} else {
				log.Printf("[%s] %s", i.Name, joinArgs(i, info.Args()))
			}
			return nil
		},
		"principal": func(i *js.Instance, info *v8go.FunctionCallbackInfo) *v8go.Value {
			if in.principal == nil {
				return v8go.Null(i.Context().Isolate())
			}
			return i.String(in.principal.Name())
		},
		"schedule": func(i *js.Instance, info *v8go.FunctionCallbackInfo) *v8go.Value {
			args := info.Args()
			if len(args) < 2 || !args[0].IsNumber() || !args[1].IsFunction() {
				return i.Throw("schedule takes [number, function, ...any] arguments")
			}
			fun, err := args[1].AsFunction()
			if err != nil {
				return i.Throw("trying to cast %v to *v8go.Function: %v", args[1], err)
			}
			if h.closing || h.closed {
				return nil
			}
			f := &jsFunction{label: "scheduled", fun: fun}
			rest := make([]any, 0, len(args)-2)
			for _, arg := range args[2:] {
				rest = append(rest, arg)
			}
			h.params.Env.Bus().Schedule(h.name, args[0].Integer(), func(ctx context.Context) error {
				if in.closed {
					return nil
				}
				_, err := h.callFunction(ctx, in, f, rest...)
				return err
			})
			return nil
		},
		"handleEvent": func(i *js.Instance, info *v8go.FunctionCallbackInfo) *v8go.Value {
			args := info.Args()
			if len(args) != 2 || !args[0].IsString() || !(args[1].IsFunction() || args[1].IsNull()) {
				return i.Throw("handleEvent takes [string, function] arguments")
			}
			event := events.Normalize(args[0].String())
			if args[1].IsNull() {
				delete(in.handlers, event)
				return nil
			}
			fun, err := args[1].AsFunction()
			if err != nil {
				return i.Throw("trying to cast %v to *v8go.Function: %v", args[1], err)
			}
			in.handlers[event] = &jsFunction{label: "handler for " + string(event), fun: fun}
			h.subscribe(event)
			return nil
		},
		"signalEvent": func(i *js.Instance, info *v8go.FunctionCallbackInfo) *v8go.Value {
			args := info.Args()
			if len(args) < 1 || !args[0].IsString() {
				return i.Throw("signalEvent takes [string, any] arguments")
			}
			var data any
			if len(args) > 1 {
				var err error
				if data, err = decode(i, args[1]); err != nil {
					return i.Throw("signalEvent data must be JSON compatible: %v", err)
				}
			}
			event := events.Normalize(args[0].String())
			needed := h.params.Env.Bus().IsNeeded(event)
			h.params.Env.Bus().Fire(context.Background(), event, data, h.name)
			val, err := v8go.NewValue(i.Context().Isolate(), needed)
			if err != nil {
				return i.Throw("%v", err)
			}
			return val
		},
		"loadAppData": func(i *js.Instance, info *v8go.FunctionCallbackInfo) *v8go.Value {
			if h.appData == "" {
				return v8go.Null(i.Context().Isolate())
			}
			val, err := v8go.JSONParse(i.Context(), h.appData)
			if err != nil {
				return i.Throw("app data is corrupt: %v", err)
			}
			return val
		},
		"storeAppData": func(i *js.Instance, info *v8go.FunctionCallbackInfo) *v8go.Value {
			args := info.Args()
			if len(args) != 1 || args[0].IsUndefined() || args[0].IsFunction() {
				return i.Throw("storeAppData takes [any] arguments")
			}
			doc, err := v8go.JSONStringify(i.Context(), args[0])
			if err != nil {
				return i.Throw("app data must be JSON compatible: %v", err)
			}
			h.appData = doc
			h.dirty = true
			return nil
		},
	}
}
