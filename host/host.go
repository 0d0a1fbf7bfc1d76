// Package host runs a single app.
//
// A ScriptHost owns the V8 instances running the app code: one main
// instance, and for apps scoped per principal one more instance per
// connected principal. Hosts are created and closed by the registry and are
// only used from the tick goroutine.
package host

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/zond/apphost"
	"github.com/zond/apphost/command"
	"github.com/zond/apphost/events"
	"github.com/zond/apphost/js"
	"github.com/zond/apphost/messenger"
	"github.com/zond/apphost/module"
	"github.com/zond/apphost/profile"
	"github.com/zond/apphost/scripterr"

	goccy "github.com/goccy/go-json"
)

const (
	configFunc  = "__config"
	startFunc   = "__on_start"
	tickFunc    = "__on_tick"
	closeFunc   = "__on_close"
	commandFunc = "__command"
	eventPrefix = "__on_"

	ScopePrincipal = "player"
	ScopeGlobal    = "global"
)

var (
	ErrReservedName   = errors.New("name is reserved by a built-in command")
	ErrNeedsPrincipal = errors.New("app runs per player and needs a player to run")
)

// LoadError is returned when an app is found but can't be loaded.
type LoadError struct {
	App string
	Err error
}

func (e *LoadError) Error() string {
	return e.Err.Error()
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// AppData persists one JSON document per app.
type AppData interface {
	Load(app string) (string, bool, error)
	Store(app string, doc string) error
	Delete(app string) error
}

// Env is what the registry provides to the hosts it creates.
type Env interface {
	Bus() *events.Bus
	Dispatcher() *command.Dispatcher
	IsInvalidCommandRoot(name string) bool
	Imports(m *module.Module) ([]*module.Module, error)
	// AppData may return nil when app data isn't persisted.
	AppData() AppData
	// Profiler may return nil.
	Profiler() *profile.Profiler
	ScriptTimeout() time.Duration
	ErrorSnooper() scripterr.Snooper
}

// Params describe the host to create.
type Params struct {
	Env Env
	// Module is nil for the global host.
	Module       *module.Module
	PerPrincipal bool
	Invoker      command.Source
	Validator    command.Validator
	RuleApp      bool
	// Installer is the catalog URL the app was installed from, if any.
	Installer string
	Override  module.LoadOverride
}

// Config is returned by the __config function of an app.
type Config struct {
	Scope             string            `json:"scope"`
	StayLoaded        *bool             `json:"stay_loaded"`
	Commands          map[string]string `json:"commands"`
	CommandPermission any               `json:"command_permission"`
}

type instance struct {
	js        *js.Instance
	principal command.Principal
	output    command.Source
	handlers  map[events.Event]*jsFunction
	closed    bool
}

type ScriptHost struct {
	params       Params
	name         string
	scripts      []*js.Script
	main         *instance
	config       Config
	perPrincipal bool
	hasCommand   bool
	principals   *apphost.SyncMap[string, *instance]
	subscribed   map[events.Event]bool
	appData      string
	dirty        bool
	// closing is set while the close hooks run.
	closing bool
	closed  bool
}

// New loads the app described by p.
func New(ctx context.Context, p Params) (*ScriptHost, error) {
	h := &ScriptHost{
		params:     p,
		principals: apphost.NewSyncMap[string, *instance](),
		subscribed: map[events.Event]bool{},
	}
	if p.Module == nil {
		if err := h.loadGlobal(); err != nil {
			return nil, err
		}
		return h, nil
	}
	h.name = strings.ToLower(p.Module.Name())
	if err := h.load(ctx); err != nil {
		h.dispose()
		return nil, &LoadError{App: h.name, Err: err}
	}
	return h, nil
}

// dispose releases the instances of a host that failed to load, without
// running any hooks.
func (h *ScriptHost) dispose() {
	h.params.Env.Bus().RemoveAllHostEvents(h.name)
	for _, name := range h.principalNames() {
		if in, found := h.principals.Pop(name); found {
			in.js.Close()
		}
	}
	if h.main != nil && h.main.js != nil {
		h.main.js.Close()
	}
	h.closed = true
}

func (h *ScriptHost) loadGlobal() error {
	inst, err := h.newInstance(nil)
	if err != nil {
		return err
	}
	h.main = inst
	return nil
}

func (h *ScriptHost) load(ctx context.Context) error {
	m := h.params.Module
	if m.Library() {
		return errors.Errorf("%s is a library and can't run on its own", m.Name())
	}
	deps, err := h.params.Env.Imports(m)
	if err != nil {
		return err
	}
	for _, dep := range append(deps, m) {
		code, err := dep.Code()
		if err != nil {
			return err
		}
		h.scripts = append(h.scripts, &js.Script{App: h.name, Origin: dep.Origin(), Source: code})
	}
	if store := h.params.Env.AppData(); store != nil {
		doc, found, err := store.Load(h.name)
		if err != nil {
			log.Printf("loading app data for %q: %v", h.name, err)
		} else if found {
			h.appData = doc
		}
	}
	if h.main, err = h.newInstance(nil); err != nil {
		return err
	}
	if err := h.main.js.Load(ctx, h.scripts...); err != nil {
		return err
	}
	if err := h.readConfig(ctx); err != nil {
		return err
	}
	switch h.params.Override {
	case module.Global:
		h.perPrincipal = false
	case module.Principal:
		h.perPrincipal = true
	default:
		switch h.config.Scope {
		case ScopePrincipal:
			h.perPrincipal = true
		case ScopeGlobal:
			h.perPrincipal = false
		default:
			h.perPrincipal = h.params.PerPrincipal
		}
	}
	return h.subscribeHooks()
}

func (h *ScriptHost) readConfig(ctx context.Context) error {
	if !h.main.js.Has(configFunc) {
		return nil
	}
	res, err := h.main.js.Call(ctx, configFunc)
	if err != nil {
		return err
	}
	if res.Undefined() || res.JSON == "null" {
		return nil
	}
	if err := goccy.Unmarshal([]byte(res.JSON), &h.config); err != nil {
		return errors.Wrap(err, "reading app config")
	}
	switch h.config.Scope {
	case "", ScopePrincipal, ScopeGlobal:
	default:
		return errors.Errorf("unknown app scope %q, use %q or %q", h.config.Scope, ScopePrincipal, ScopeGlobal)
	}
	for sub, fun := range h.config.Commands {
		if !h.main.js.Has(fun) {
			return errors.Errorf("command %q calls undefined function %q", sub, fun)
		}
	}
	if _, err := h.configValidator(); err != nil {
		return err
	}
	return nil
}

func (h *ScriptHost) subscribeHooks() error {
	funcs, err := h.main.js.Functions()
	if err != nil {
		return err
	}
	for _, fun := range funcs {
		switch fun {
		case startFunc, tickFunc, closeFunc:
			continue
		}
		if strings.HasPrefix(fun, eventPrefix) {
			h.subscribe(events.Normalize(fun))
		}
	}
	return nil
}

func (h *ScriptHost) subscribe(event events.Event) {
	if h.closing || h.closed || h.subscribed[event] {
		return
	}
	h.subscribed[event] = true
	h.params.Env.Bus().Subscribe(event, h.name, func(ctx context.Context, args []any) error {
		return h.deliver(ctx, event, args)
	})
}

func (h *ScriptHost) profiler() *profile.Profiler {
	if h.params.Env == nil {
		return nil
	}
	return h.params.Env.Profiler()
}

func (h *ScriptHost) newInstance(principal command.Principal) (*instance, error) {
	in := &instance{
		principal: principal,
		output:    h.params.Invoker,
		handlers:  map[events.Event]*jsFunction{},
	}
	if principal != nil {
		in.output = principal.Source()
	}
	label := h.name
	if label == "" {
		label = "global"
	}
	var err error
	if in.js, err = js.New(label, h.callbacks(in)); err != nil {
		return nil, err
	}
	if h.params.Env != nil {
		in.js.Timeout = h.params.Env.ScriptTimeout()
		in.js.Snooper = h.params.Env.ErrorSnooper()
	}
	return in, nil
}

// call runs fun in the instance, recording the execution.
func (h *ScriptHost) call(ctx context.Context, in *instance, fun string, args ...any) (*js.Result, error) {
	start := time.Now()
	res, err := in.js.Call(ctx, fun, args...)
	h.profiler().Record(h.name, time.Since(start), err)
	return res, err
}

func (h *ScriptHost) callFunction(ctx context.Context, in *instance, f *jsFunction, args ...any) (*js.Result, error) {
	start := time.Now()
	res, err := in.js.CallFunction(ctx, f.label, f.fun, args...)
	h.profiler().Record(h.name, time.Since(start), err)
	return res, err
}

// callIfPresent calls fun when the instance defines it.
func (h *ScriptHost) callIfPresent(ctx context.Context, in *instance, fun string, args ...any) error {
	if in == nil || !in.js.Has(fun) {
		return nil
	}
	_, err := h.call(ctx, in, fun, args...)
	return err
}

// targets returns the instances an event is delivered to.
func (h *ScriptHost) targets(event events.Event, args []any) []*instance {
	if !h.perPrincipal {
		return []*instance{h.main}
	}
	if event == events.PlayerConnects || event == events.PlayerDisconnects {
		if len(args) > 0 {
			if name, ok := args[0].(string); ok {
				if in, found := h.principals.GetHas(name); found {
					return []*instance{in}
				}
				return nil
			}
		}
	}
	result := []*instance{}
	for _, name := range h.principalNames() {
		if in, found := h.principals.GetHas(name); found {
			result = append(result, in)
		}
	}
	return result
}

func (h *ScriptHost) deliver(ctx context.Context, event events.Event, args []any) error {
	var errs []string
	for _, in := range h.targets(event, args) {
		if in.closed {
			continue
		}
		if err := h.callIfPresent(ctx, in, eventPrefix+string(event), args...); err != nil {
			errs = append(errs, err.Error())
		}
		if f, found := in.handlers[event]; found {
			if _, err := h.callFunction(ctx, in, f, args...); err != nil {
				errs = append(errs, err.Error())
			}
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "\n"))
	}
	return nil
}

func (h *ScriptHost) principalNames() []string {
	result := []string{}
	for name := range h.principals.Keys() {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

func (h *ScriptHost) Name() string {
	return h.name
}

func (h *ScriptHost) Module() *module.Module {
	return h.params.Module
}

func (h *ScriptHost) PerPrincipal() bool {
	return h.perPrincipal
}

// Validator returns the validator the host was created with, nil when
// the app config decides.
func (h *ScriptHost) Validator() command.Validator {
	return h.params.Validator
}

func (h *ScriptHost) RuleApp() bool {
	return h.params.RuleApp
}

func (h *ScriptHost) Override() module.LoadOverride {
	return h.params.Override
}

func (h *ScriptHost) Installer() string {
	return h.params.Installer
}

// PersistenceRequired returns whether the app wants to stay loaded.
func (h *ScriptHost) PersistenceRequired() bool {
	return h.config.StayLoaded == nil || *h.config.StayLoaded
}

func (h *ScriptHost) HasCommand() bool {
	return h.hasCommand
}

// Config returns the config the app declared.
func (h *ScriptHost) Config() Config {
	return h.config
}

// Principals returns the names of the principals with their own instance.
func (h *ScriptHost) Principals() []string {
	return h.principalNames()
}

func (h *ScriptHost) configValidator() (command.Validator, error) {
	switch perm := h.config.CommandPermission.(type) {
	case nil:
		return command.AllowAll, nil
	case string:
		switch strings.ToLower(perm) {
		case "all":
			return command.AllowAll, nil
		case "ops":
			return command.RequireLevel(command.LevelOps), nil
		}
		return nil, errors.Errorf("unknown command permission %q", perm)
	case float64:
		return command.RequireLevel(int(perm)), nil
	case bool:
		if perm {
			return command.AllowAll, nil
		}
		return func(command.Source) bool { return false }, nil
	}
	return nil, errors.Errorf("unknown command permission %v", h.config.CommandPermission)
}

func (h *ScriptHost) usage() string {
	subs := apphost.SortedKeys(h.config.Commands)
	if len(subs) == 0 {
		return "/" + h.name
	}
	return fmt.Sprintf("/%s <%s>", h.name, strings.Join(subs, "|"))
}

// AddAppCommands attaches the command of the app. It returns false without
// an error when the app has no command.
func (h *ScriptHost) AddAppCommands(src command.Source) (bool, error) {
	if h.params.Env.IsInvalidCommandRoot(h.name) {
		return false, apphost.WithStack(errors.Wrapf(ErrReservedName, "/%s", h.name))
	}
	if len(h.config.Commands) == 0 && !h.main.js.Has(commandFunc) {
		return false, nil
	}
	validator := h.params.Validator
	if validator == nil {
		var err error
		if validator, err = h.configValidator(); err != nil {
			return false, err
		}
	}
	if err := h.params.Env.Dispatcher().Register(&command.Node{
		Name:      h.name,
		Usage:     h.usage(),
		Validator: validator,
		Handler:   h.handleCommand,
	}); err != nil {
		return false, err
	}
	h.hasCommand = true
	return true, nil
}

// RemoveAppCommands detaches the command of the app, if attached.
func (h *ScriptHost) RemoveAppCommands() {
	if h.hasCommand {
		h.params.Env.Dispatcher().Unregister(h.name)
		h.hasCommand = false
	}
}

func (h *ScriptHost) instanceFor(ctx context.Context, src command.Source) (*instance, error) {
	if !h.perPrincipal {
		return h.main, nil
	}
	p := src.Principal()
	if p == nil {
		return nil, apphost.WithStack(ErrNeedsPrincipal)
	}
	if err := h.RetrieveForPrincipal(ctx, p); err != nil {
		return nil, err
	}
	return h.principals.Get(p.Name()), nil
}

func (h *ScriptHost) handleCommand(src command.Source, args []string) error {
	fun := commandFunc
	rest := args[1:]
	if len(args) > 1 {
		if mapped, found := h.config.Commands[strings.ToLower(args[1])]; found {
			fun = mapped
			rest = args[2:]
		}
	}
	ctx := context.Background()
	in, err := h.instanceFor(ctx, src)
	if err != nil {
		messenger.Send(src, "r "+err.Error())
		return nil
	}
	if !in.js.Has(fun) {
		messenger.Send(src, "r Usage: "+h.usage())
		return nil
	}
	callArgs := make([]any, len(rest))
	for i, arg := range rest {
		callArgs[i] = arg
	}
	res, err := h.withOutput(in, src, func() (*js.Result, error) {
		return h.call(ctx, in, fun, callArgs...)
	})
	if err != nil {
		ReportFailure(src, h.name, err)
		return nil
	}
	if !res.Undefined() && res.JSON != "null" && res.Text != "" {
		src.Send(res.Text)
	}
	return nil
}

// withOutput runs f with print output going to src.
func (h *ScriptHost) withOutput(in *instance, src command.Source, f func() (*js.Result, error)) (*js.Result, error) {
	previous := in.output
	in.output = src
	defer func() {
		in.output = previous
	}()
	return f()
}

// ReportFailure sends err to src the way failures from app code are shown.
func ReportFailure(src command.Source, app string, err error) {
	failure := &scripterr.Failure{}
	if errors.As(err, &failure) {
		for _, line := range strings.Split(failure.Error(), "\n") {
			messenger.Send(src, "r "+line)
		}
		if len(failure.Stack) > 1 {
			messenger.Send(src, "gi   called from "+strings.Join(failure.Stack, " < "))
		}
		return
	}
	if app == "" {
		messenger.Send(src, "r "+err.Error())
		return
	}
	messenger.Send(src, "r "+app+": "+err.Error())
}

// Invoke calls fun with args for src.
func (h *ScriptHost) Invoke(ctx context.Context, src command.Source, fun string, args ...any) (*js.Result, error) {
	in, err := h.instanceFor(ctx, src)
	if err != nil {
		return nil, err
	}
	return h.withOutput(in, src, func() (*js.Result, error) {
		return h.call(ctx, in, fun, args...)
	})
}

// Eval runs code in the app for src.
func (h *ScriptHost) Eval(ctx context.Context, src command.Source, code string) (*js.Result, error) {
	in, err := h.instanceFor(ctx, src)
	if err != nil {
		return nil, err
	}
	return h.withOutput(in, src, func() (*js.Result, error) {
		start := time.Now()
		res, err := in.js.Eval(ctx, "run", code)
		h.profiler().Record(h.name, time.Since(start), err)
		return res, err
	})
}

// CallStart runs the start hook of the main instance.
func (h *ScriptHost) CallStart(ctx context.Context) error {
	return h.callIfPresent(ctx, h.main, startFunc)
}

// RetrieveForPrincipal makes sure p has its own instance of a per principal app.
func (h *ScriptHost) RetrieveForPrincipal(ctx context.Context, p command.Principal) error {
	if !h.perPrincipal || h.closed {
		return nil
	}
	if h.principals.Has(p.Name()) {
		return nil
	}
	in, err := h.newInstance(p)
	if err != nil {
		return err
	}
	if err := in.js.Load(ctx, h.scripts...); err != nil {
		in.js.Close()
		return err
	}
	h.principals.Set(p.Name(), in)
	if err := h.callIfPresent(ctx, in, startFunc); err != nil {
		return err
	}
	return nil
}

// ReleasePrincipal closes the instance of principal name, if any.
func (h *ScriptHost) ReleasePrincipal(ctx context.Context, name string) {
	in, found := h.principals.Pop(name)
	if !found {
		return
	}
	h.closeInstance(ctx, in)
}

func (h *ScriptHost) closeInstance(ctx context.Context, in *instance) {
	if in == nil || in.closed {
		return
	}
	if err := h.callIfPresent(ctx, in, closeFunc); err != nil {
		log.Printf("closing %q: %v", h.name, err)
	}
	in.closed = true
	in.js.Close()
}

// Tick runs the tick hook of every instance and flushes app data.
func (h *ScriptHost) Tick(ctx context.Context) {
	if h.closed || h.main == nil {
		return
	}
	instances := []*instance{h.main}
	if h.perPrincipal {
		instances = h.targets("", nil)
	}
	for _, in := range instances {
		if err := h.callIfPresent(ctx, in, tickFunc); err != nil {
			ReportFailure(in.output, h.name, err)
			log.Printf("ticking %q: %v", h.name, err)
		}
	}
	h.flush()
}

func (h *ScriptHost) flush() {
	if !h.dirty || h.name == "" {
		return
	}
	store := h.params.Env.AppData()
	if store == nil {
		return
	}
	if err := store.Store(h.name, h.appData); err != nil {
		log.Printf("storing app data for %q: %v", h.name, err)
		return
	}
	h.dirty = false
}

func (h *ScriptHost) closeInstances(ctx context.Context) {
	for _, name := range h.principalNames() {
		h.ReleasePrincipal(ctx, name)
	}
	h.closeInstance(ctx, h.main)
}

// Close runs the close hooks, flushes app data and releases every instance.
func (h *ScriptHost) Close(ctx context.Context) {
	if h.closed {
		return
	}
	h.closing = true
	h.closeInstances(ctx)
	h.flush()
	h.closed = true
}
