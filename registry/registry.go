// Package registry manages the apps running in a parent application.
//
// The registry keeps at most one host per app name, installs and removes
// them transactionally, attaches their commands without shadowing the
// built-in commands of the parent, and drives them every tick. All methods
// must be called from the tick goroutine.
package registry

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/zond/apphost"
	"github.com/zond/apphost/audit"
	"github.com/zond/apphost/command"
	"github.com/zond/apphost/events"
	"github.com/zond/apphost/host"
	"github.com/zond/apphost/js"
	"github.com/zond/apphost/messenger"
	"github.com/zond/apphost/module"
	"github.com/zond/apphost/profile"
	"github.com/zond/apphost/scripterr"
)

// Code is the result of an install.
type Code int

const (
	Rejected  Code = 0
	Installed Code = 1
)

var (
	ErrNotFound          = errors.New("App not found")
	ErrCommandAttachment = errors.New("command attachment failed")
	ErrStopped           = errors.New("registry is closed")
)

// Host is a live app.
type Host interface {
	Name() string
	Module() *module.Module
	PerPrincipal() bool
	Validator() command.Validator
	RuleApp() bool
	Override() module.LoadOverride
	Installer() string
	// PersistenceRequired returns whether the app wants to stay loaded
	// after being speculatively autoloaded.
	PersistenceRequired() bool
	HasCommand() bool
	// AddAppCommands attaches the command of the app. It returns false
	// without an error when the app has no command.
	AddAppCommands(src command.Source) (bool, error)
	RemoveAppCommands()
	RetrieveForPrincipal(ctx context.Context, p command.Principal) error
	ReleasePrincipal(ctx context.Context, name string)
	CallStart(ctx context.Context) error
	Tick(ctx context.Context)
	Close(ctx context.Context)
}

// Factory creates hosts.
type Factory func(ctx context.Context, p host.Params) (Host, error)

// HostFactory creates V8 backed hosts.
func HostFactory(ctx context.Context, p host.Params) (Host, error) {
	h, err := host.New(ctx, p)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Parent is the application the registry runs in.
type Parent interface {
	Dispatcher() *command.Dispatcher
	// NotifyCommandsChanged tells connected principals the command tree changed.
	NotifyCommandsChanged()
	Principals() []command.Principal
	ConsoleSource() command.Source
	// WorldPath joins elems to the root directory of the running world.
	WorldPath(elems ...string) string
	AutoloadEnabled() bool
}

type Options struct {
	Catalog *module.Catalog
	// Global is an optional catalog shared between worlds.
	Global  module.GlobalCatalog
	Factory Factory
	// AppData may be nil.
	AppData       host.AppData
	Profiler      *profile.Profiler
	Audit         *audit.Logger
	ScriptTimeout time.Duration
	ErrorSnooper  scripterr.Snooper
}

// InstallOptions describe how to install an app.
type InstallOptions struct {
	// Validator gates the command of the app. Nil lets the app config decide.
	Validator    command.Validator
	PerPrincipal bool
	// Autoload marks a speculative install, discarded when the app doesn't
	// want to stay loaded.
	Autoload bool
	RuleApp  bool
	// Installer is the catalog URL the app comes from, if any.
	Installer string
	Override  module.LoadOverride
}

type Registry struct {
	parent   Parent
	opts     Options
	resolver *module.Resolver

	bus        *events.Bus
	hosts      map[string]Host
	order      []string
	unloadable map[string]bool
	reserved   map[string]bool
	global     Host
	stopped    bool
}

func New(ctx context.Context, parent Parent, opts Options) (*Registry, error) {
	if opts.Catalog == nil {
		opts.Catalog = module.NewCatalog()
	}
	if opts.Factory == nil {
		opts.Factory = HostFactory
	}
	if opts.ScriptTimeout <= 0 {
		opts.ScriptTimeout = js.DefaultTimeout
	}
	r := &Registry{
		parent: parent,
		opts:   opts,
		resolver: &module.Resolver{
			Dir:     parent.WorldPath("scripts"),
			Global:  opts.Global,
			Catalog: opts.Catalog,
		},
	}
	if err := r.init(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// init resets all state as if freshly constructed.
func (r *Registry) init(ctx context.Context) error {
	r.bus = events.New()
	r.bus.OnError = r.reportEventFailure
	r.hosts = map[string]Host{}
	r.order = nil
	r.unloadable = map[string]bool{}
	r.reserved = map[string]bool{}
	for _, root := range r.parent.Dispatcher().Roots() {
		r.reserved[root] = true
	}
	r.stopped = false
	global, err := r.opts.Factory(ctx, host.Params{
		Env:       r,
		Validator: command.AllowAll,
	})
	if err != nil {
		return apphost.WithStack(err)
	}
	r.global = global
	return nil
}

func (r *Registry) reportEventFailure(name string, err error) {
	log.Printf("event callback in %q: %v", name, err)
	host.ReportFailure(r.parent.ConsoleSource(), name, err)
}

func (r *Registry) Bus() *events.Bus {
	return r.bus
}

func (r *Registry) Dispatcher() *command.Dispatcher {
	return r.parent.Dispatcher()
}

// IsInvalidCommandRoot returns whether name is a command root the parent
// owned when the registry was initialized.
func (r *Registry) IsInvalidCommandRoot(name string) bool {
	return r.reserved[strings.ToLower(name)]
}

func (r *Registry) Imports(m *module.Module) ([]*module.Module, error) {
	return r.resolver.Imports(m)
}

func (r *Registry) AppData() host.AppData {
	return r.opts.AppData
}

func (r *Registry) Profiler() *profile.Profiler {
	return r.opts.Profiler
}

func (r *Registry) ScriptTimeout() time.Duration {
	return r.opts.ScriptTimeout
}

func (r *Registry) ErrorSnooper() scripterr.Snooper {
	return r.opts.ErrorSnooper
}

// Resolver returns the resolver finding app sources.
func (r *Registry) Resolver() *module.Resolver {
	return r.resolver
}

// Host returns the host of app name, or the global host for "".
func (r *Registry) Host(name string) (Host, bool) {
	if name == "" {
		return r.global, r.global != nil
	}
	h, found := r.hosts[strings.ToLower(name)]
	return h, found
}

// Names returns the names of the installed apps in install order.
func (r *Registry) Names() []string {
	return append([]string{}, r.order...)
}

// Unloadable returns whether name may be unloaded by ordinary commands.
func (r *Registry) Unloadable(name string) bool {
	return r.unloadable[strings.ToLower(name)]
}

func (r *Registry) resolve(name string, ruleApp bool) (*module.Module, error) {
	if ruleApp {
		return r.resolver.ResolveRule(name)
	}
	return r.resolver.Resolve(name, false)
}

func (r *Registry) forget(name string) {
	delete(r.hosts, name)
	for idx, n := range r.order {
		if n == name {
			r.order = append(r.order[:idx], r.order[idx+1:]...)
			break
		}
	}
}

func (r *Registry) auditFailure(ctx context.Context, src command.Source, name string, reason string) {
	r.opts.Audit.Log(ctx, "APP_INSTALL_FAILED", audit.AppInstallFailed{
		App:     name,
		Invoker: sourceName(src),
		Reason:  reason,
	})
}

func sourceName(src command.Source) string {
	if src == nil {
		return ""
	}
	return src.Name()
}

// Install loads app name and attaches its command. Any failure leaves the
// registry as it was, apart from an existing instance being unloaded when
// reinstalling.
func (r *Registry) Install(ctx context.Context, src command.Source, name string, opts InstallOptions) Code {
	defer r.opts.Profiler.Start(profile.SectionLoad)()
	start := time.Now()
	if r.stopped {
		messenger.Send(src, "r Failed to add "+name+" app: "+ErrStopped.Error())
		return Rejected
	}
	name = strings.ToLower(name)
	reload := false
	if _, found := r.hosts[name]; found {
		if opts.RuleApp {
			return Rejected
		}
		if !r.Uninstall(ctx, src, name, false, false) {
			messenger.Send(src, "r Failed to add "+name+" app: it is controlled by a rule")
			return Rejected
		}
		reload = true
	}

	m, err := r.resolve(name, opts.RuleApp)
	if err != nil {
		messenger.Send(src, "r Failed to add "+name+" app: "+ErrNotFound.Error())
		r.auditFailure(ctx, src, name, ErrNotFound.Error())
		return Rejected
	}

	h, err := r.opts.Factory(ctx, host.Params{
		Env:          r,
		Module:       m,
		PerPrincipal: opts.PerPrincipal,
		Invoker:      src,
		Validator:    opts.Validator,
		RuleApp:      opts.RuleApp,
		Installer:    opts.Installer,
		Override:     opts.Override,
	})
	if err != nil {
		lines := strings.Split(err.Error(), "\n")
		if lines[0] == "" {
			messenger.Send(src, "r Failed to add "+name+" app")
		} else {
			messenger.Send(src, "r Failed to add "+name+" app: "+lines[0])
		}
		for _, line := range lines[1:] {
			messenger.Send(src, "r "+line)
		}
		r.auditFailure(ctx, src, name, err.Error())
		return Rejected
	}

	r.hosts[name] = h
	r.order = append(r.order, name)
	if !opts.RuleApp {
		r.unloadable[name] = true
	}

	if opts.Autoload && !h.PersistenceRequired() {
		r.Uninstall(ctx, src, name, false, opts.RuleApp)
		return Rejected
	}

	action := "loaded"
	if opts.Installer != "" {
		action = "installed"
		if reload {
			action = "reinstalled"
		}
	} else if reload {
		action = "reloaded"
	}

	attached, err := h.AddAppCommands(src)
	if err != nil {
		if !opts.RuleApp {
			messenger.Send(src, "r Failed to add app '"+name+"': ", "r "+err.Error())
		}
		r.Uninstall(ctx, src, name, false, opts.RuleApp)
		r.auditFailure(ctx, src, name, errors.Wrap(err, ErrCommandAttachment.Error()).Error())
		return Rejected
	}
	if attached {
		r.parent.NotifyCommandsChanged()
		if !opts.RuleApp {
			messenger.Send(src, "gi "+name+" app "+action+" with /"+name+" command")
		}
	} else if !opts.RuleApp {
		messenger.Send(src, "gi "+name+" app "+action)
	}

	if h.PerPrincipal() {
		for _, p := range r.parent.Principals() {
			if err := h.RetrieveForPrincipal(ctx, p); err != nil {
				host.ReportFailure(src, name, err)
			}
		}
	} else if err := h.CallStart(ctx); err != nil {
		host.ReportFailure(src, name, err)
	}

	r.opts.Audit.Log(ctx, "APP_INSTALL", audit.AppInstall{
		App:      name,
		Invoker:  sourceName(src),
		Origin:   m.Origin(),
		Reload:   reload,
		RuleApp:  opts.RuleApp,
		Override: opts.Override.String(),
	})
	log.Printf("App %s loaded in %v", name, time.Since(start))
	return Installed
}

// Uninstall removes app name. Apps controlled by rules are only removed
// when isRuleApp is set.
func (r *Registry) Uninstall(ctx context.Context, src command.Source, name string, notify bool, isRuleApp bool) bool {
	name = strings.ToLower(name)
	h, found := r.hosts[name]
	if !found || (!isRuleApp && !r.unloadable[name]) {
		if notify {
			messenger.Send(src, "r No such app found: ", "wb "+name)
		}
		return false
	}
	r.forget(name)
	h.Close(ctx)
	r.bus.RemoveAllHostEvents(name)
	if h.HasCommand() {
		h.RemoveAppCommands()
	}
	delete(r.unloadable, name)
	r.parent.NotifyCommandsChanged()
	if notify {
		messenger.Send(src, "gi Removed "+name+" app")
	}
	r.opts.Audit.Log(ctx, "APP_UNINSTALL", audit.AppUninstall{
		App:     name,
		Invoker: sourceName(src),
	})
	return true
}

// UninstallApp unloads app name and moves its source into the trash
// folder of the world scripts.
func (r *Registry) UninstallApp(ctx context.Context, src command.Source, name string) bool {
	name = strings.ToLower(name)
	trash := r.resolver.Trash()
	if err := os.MkdirAll(trash, 0755); err != nil {
		log.Printf("creating %q: %v", trash, err)
		messenger.Send(src, "rb Failed to uninstall the app")
		return false
	}
	from := filepath.Join(r.resolver.Dir, name+module.AppExt)
	if _, err := os.Stat(from); err != nil {
		messenger.Send(src, "App doesn't exist in the world scripts folder, so can only be unloaded")
		return false
	}
	r.Uninstall(ctx, src, name, false, false)
	to := filepath.Join(trash, name+module.AppExt)
	if err := os.Rename(from, to); err != nil {
		log.Printf("moving %q to %q: %v", from, to, err)
		messenger.Send(src, "rb Failed to uninstall the app")
		return false
	}
	if r.opts.AppData != nil {
		if err := r.opts.AppData.Delete(name); err != nil {
			log.Printf("deleting app data for %q: %v", name, err)
		}
	}
	r.opts.Audit.Log(ctx, "APP_ARCHIVE", audit.AppArchive{
		App:     name,
		Invoker: sourceName(src),
		From:    from,
		To:      to,
	})
	messenger.Send(src, "gi Removed "+name+" app")
	return true
}

type transfer struct {
	name         string
	perPrincipal bool
	validator    command.Validator
	ruleApp      bool
	override     module.LoadOverride
	installer    string
}

// Reload tears down every app, resets the registry and installs the apps
// again with the settings they had. Apps failing to install again are
// reported and skipped.
func (r *Registry) Reload(ctx context.Context) {
	src := r.parent.ConsoleSource()
	transfers := make([]transfer, 0, len(r.order))
	for _, name := range r.order {
		h := r.hosts[name]
		transfers = append(transfers, transfer{
			name:         name,
			perPrincipal: h.PerPrincipal(),
			validator:    h.Validator(),
			ruleApp:      h.RuleApp(),
			override:     h.Override(),
			installer:    h.Installer(),
		})
	}
	for _, t := range transfers {
		r.Uninstall(ctx, src, t.name, false, t.ruleApp)
	}
	r.bus.Fire(ctx, events.Shutdown)
	if r.global != nil {
		r.global.Close(ctx)
	}
	if err := r.init(ctx); err != nil {
		log.Printf("resetting app registry: %v", err)
		messenger.Send(src, "r Failed to reset apps: "+err.Error())
		return
	}
	names := make([]string, 0, len(transfers))
	for _, t := range transfers {
		names = append(names, t.name)
		r.Install(ctx, src, t.name, InstallOptions{
			Validator:    t.validator,
			PerPrincipal: t.perPrincipal,
			RuleApp:      t.ruleApp,
			Installer:    t.installer,
			Override:     t.override,
		})
	}
	r.opts.Audit.Log(ctx, "APP_RELOAD", audit.Reload{Apps: names})
}

// Tick runs due events and scheduled calls, then ticks every app.
func (r *Registry) Tick(ctx context.Context) {
	if r.stopped {
		return
	}
	done := r.opts.Profiler.Start(profile.SectionSchedule)
	r.bus.WhileDisabled(func() {
		r.bus.Dispatch(ctx)
	})
	done()
	done = r.opts.Profiler.Start(profile.SectionAppData)
	for _, name := range r.Names() {
		if h, found := r.hosts[name]; found {
			h.Tick(ctx)
		}
	}
	done()
}

// OnPrincipalJoin gives p its own instance of every app running per
// principal, then announces p to the apps.
func (r *Registry) OnPrincipalJoin(ctx context.Context, p command.Principal) {
	for _, name := range r.Names() {
		if h, found := r.hosts[name]; found && h.PerPrincipal() {
			if err := h.RetrieveForPrincipal(ctx, p); err != nil {
				log.Printf("creating %q instance for %q: %v", name, p.Name(), err)
			}
		}
	}
	r.bus.Fire(ctx, events.PlayerConnects, p.Name())
}

// OnPrincipalLeave announces that p left, then releases its instances.
func (r *Registry) OnPrincipalLeave(ctx context.Context, p command.Principal, reason string) {
	if r.bus.IsNeeded(events.PlayerDisconnects) {
		r.bus.Fire(ctx, events.PlayerDisconnects, p.Name(), reason)
	}
	for _, name := range r.Names() {
		if h, found := r.hosts[name]; found && h.PerPrincipal() {
			h.ReleasePrincipal(ctx, p.Name())
		}
	}
}

// ListAvailable returns the names of the apps that can be installed.
func (r *Registry) ListAvailable(includeBuiltIns bool) []string {
	return r.resolver.List(includeBuiltIns)
}

// InitializeForWorld autoloads every app in the world scripts when the
// parent allows it, then fires the start event. Apps only offered by the
// global catalog are not autoloaded.
func (r *Registry) InitializeForWorld(ctx context.Context) {
	if r.parent.AutoloadEnabled() {
		src := r.parent.ConsoleSource()
		for _, name := range r.resolver.WorldNames() {
			r.Install(ctx, src, name, InstallOptions{
				PerPrincipal: true,
				Autoload:     true,
			})
		}
	}
	r.bus.Fire(ctx, events.Start)
}

// ReAddCommands attaches the commands of every app again, after the
// parent rebuilt its command tree.
func (r *Registry) ReAddCommands() {
	for _, name := range r.Names() {
		h := r.hosts[name]
		h.RemoveAppCommands()
		if _, err := h.AddAppCommands(nil); err != nil {
			log.Printf("adding command for %q: %v", name, err)
		}
	}
}

// Close fires the shutdown event and closes every app. The registry
// accepts no more work afterwards.
func (r *Registry) Close(ctx context.Context) {
	if r.stopped {
		return
	}
	r.bus.Fire(ctx, events.Shutdown)
	for _, name := range r.Names() {
		h := r.hosts[name]
		h.Close(ctx)
		r.bus.RemoveAllHostEvents(name)
	}
	if r.global != nil {
		r.global.Close(ctx)
	}
	r.stopped = true
}
