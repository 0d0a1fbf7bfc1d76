package host

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/zond/apphost/command"
	"github.com/zond/apphost/events"
	"github.com/zond/apphost/messenger"
	"github.com/zond/apphost/module"
	"github.com/zond/apphost/profile"
	"github.com/zond/apphost/scripterr"
)

func init() {
	messenger.Plain = true
}

type memData map[string]string

func (m memData) Load(app string) (string, bool, error) {
	doc, found := m[app]
	return doc, found, nil
}

func (m memData) Store(app string, doc string) error {
	m[app] = doc
	return nil
}

func (m memData) Delete(app string) error {
	delete(m, app)
	return nil
}

type testEnv struct {
	bus        *events.Bus
	dispatcher *command.Dispatcher
	reserved   map[string]bool
	resolver   *module.Resolver
	data       memData
	profiler   *profile.Profiler
}

func newTestEnv(t *testing.T) *testEnv {
	return &testEnv{
		bus:        events.New(),
		dispatcher: command.NewDispatcher(),
		reserved:   map[string]bool{"script": true},
		resolver:   &module.Resolver{Dir: t.TempDir(), Catalog: module.DefaultCatalog()},
		data:       memData{},
		profiler:   profile.New("test"),
	}
}

func (e *testEnv) Bus() *events.Bus                   { return e.bus }
func (e *testEnv) Dispatcher() *command.Dispatcher    { return e.dispatcher }
func (e *testEnv) IsInvalidCommandRoot(n string) bool { return e.reserved[n] }
func (e *testEnv) AppData() AppData                   { return e.data }
func (e *testEnv) Profiler() *profile.Profiler        { return e.profiler }
func (e *testEnv) ScriptTimeout() time.Duration       { return time.Second }
func (e *testEnv) ErrorSnooper() scripterr.Snooper    { return nil }
func (e *testEnv) Imports(m *module.Module) ([]*module.Module, error) {
	return e.resolver.Imports(m)
}

type testPrincipal struct {
	rec *command.Recorder
}

func (p *testPrincipal) Name() string           { return p.rec.Name() }
func (p *testPrincipal) Source() command.Source { return &principalSource{p} }

type principalSource struct {
	p *testPrincipal
}

func (s *principalSource) Name() string                 { return s.p.rec.Name() }
func (s *principalSource) Send(msg string)              { s.p.rec.Send(msg) }
func (s *principalSource) Level() int                   { return 0 }
func (s *principalSource) Principal() command.Principal { return s.p }

func newPrincipal(name string) *testPrincipal {
	return &testPrincipal{rec: command.NewRecorder(name, 0)}
}

func load(t *testing.T, env *testEnv, m *module.Module, invoker command.Source) *ScriptHost {
	t.Helper()
	h, err := New(context.Background(), Params{
		Env:     env,
		Module:  m,
		Invoker: invoker,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.Close(context.Background()) })
	return h
}

func TestBundledMath(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.resolver.Resolve("math", false)
	if err != nil {
		t.Fatal(err)
	}
	console := command.NewRecorder("console", 4)
	h := load(t, env, m, console)
	if h.Name() != "math" || h.PerPrincipal() || !h.PersistenceRequired() {
		t.Errorf("unexpected host state %q %v %v", h.Name(), h.PerPrincipal(), h.PersistenceRequired())
	}
	attached, err := h.AddAppCommands(console)
	if err != nil || !attached {
		t.Fatalf("got %v, %v", attached, err)
	}
	if err := env.dispatcher.Execute(console, "/math add 2 3"); err != nil {
		t.Fatal(err)
	}
	if err := env.dispatcher.Execute(console, "math sqrt -1"); err != nil {
		t.Fatal(err)
	}
	msgs := console.Messages()
	if len(msgs) < 2 || msgs[0] != "5" || !strings.Contains(strings.Join(msgs[1:], "\n"), "sqrt of negative number -1 in math") {
		t.Errorf("got %q", msgs)
	}
	h.RemoveAppCommands()
	if env.dispatcher.Has("math") || h.HasCommand() {
		t.Errorf("command still attached")
	}
}

func TestReservedName(t *testing.T) {
	env := newTestEnv(t)
	h := load(t, env, module.Inline("script", false, "function __command() { return 1; }"), nil)
	attached, err := h.AddAppCommands(nil)
	if attached || !errors.Is(err, ErrReservedName) {
		t.Errorf("got %v, %v, want %v", attached, err, ErrReservedName)
	}
}

func TestNoCommand(t *testing.T) {
	env := newTestEnv(t)
	h := load(t, env, module.Inline("quiet", false, "function helper() {}"), nil)
	attached, err := h.AddAppCommands(nil)
	if attached || err != nil {
		t.Errorf("got %v, %v, want false, nil", attached, err)
	}
}

func TestLoadErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		code string
		want string
	}{
		{name: "syntax", code: "function f( {", want: "in syntax"},
		{name: "scope", code: "function __config() { return {scope: 'everyone'}; }", want: "unknown app scope"},
		{name: "commands", code: "function __config() { return {commands: {go: 'missing'}}; }", want: "undefined function"},
		{name: "toplevel", code: "throw new Error('nope');", want: "nope"},
		{name: "imports", code: "// @import nothing\n", want: "app not found"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			_, err := New(context.Background(), Params{Env: env, Module: module.Inline(tc.name, false, tc.code)})
			loadErr := &LoadError{}
			if !errors.As(err, &loadErr) {
				t.Fatalf("got %T %v, want *LoadError", err, err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("got %q, want it to contain %q", err.Error(), tc.want)
			}
		})
	}
}

func TestLoadErrorDropsSubscriptions(t *testing.T) {
	env := newTestEnv(t)
	_, err := New(context.Background(), Params{Env: env, Module: module.Inline("half", false, `
handleEvent('custom', function() {});
throw new Error('half loaded');
`)})
	if err == nil {
		t.Fatal("wanted error")
	}
	if env.bus.IsNeeded("custom") {
		t.Errorf("failed host left subscriptions behind")
	}
}

func TestStayLoaded(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.resolver.Resolve("overlay", false)
	if err != nil {
		t.Fatal(err)
	}
	h := load(t, env, m, nil)
	if h.PersistenceRequired() {
		t.Errorf("overlay declares stay_loaded false")
	}
	if !h.PerPrincipal() {
		t.Errorf("overlay declares player scope")
	}
}

func TestOverride(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.resolver.Resolve("camera", false)
	if err != nil {
		t.Fatal(err)
	}
	h, err := New(context.Background(), Params{Env: env, Module: m, Override: module.Global})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close(context.Background())
	if h.PerPrincipal() {
		t.Errorf("global override ignored")
	}
	g, err := New(context.Background(), Params{Env: env, Module: module.Inline("plain", false, ""), PerPrincipal: true})
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close(context.Background())
	if !g.PerPrincipal() {
		t.Errorf("requested per principal ignored")
	}
}

func TestPerPrincipal(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	h := load(t, env, module.Inline("counter", false, `
function __config() { return {scope: 'player', commands: {inc: 'inc'}}; }
let count = 0;
function inc() { count++; return principal() + ' ' + count; }
function __on_player_disconnects(player, reason) { print('bye ' + reason); }
`), nil)
	if _, err := h.AddAppCommands(nil); err != nil {
		t.Fatal(err)
	}
	alice := newPrincipal("alice")
	bob := newPrincipal("bob")
	if err := h.RetrieveForPrincipal(ctx, alice); err != nil {
		t.Fatal(err)
	}
	for _, line := range []string{"counter inc", "counter inc"} {
		if err := env.dispatcher.Execute(alice.Source(), line); err != nil {
			t.Fatal(err)
		}
	}
	if err := env.dispatcher.Execute(bob.Source(), "counter inc"); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"alice 1", "alice 2"}, alice.rec.Messages()); diff != "" {
		t.Errorf("alice mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"bob 1"}, bob.rec.Messages()); diff != "" {
		t.Errorf("bob mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"alice", "bob"}, h.Principals()); diff != "" {
		t.Errorf("principals mismatch (-want +got):\n%s", diff)
	}

	env.bus.Fire(ctx, events.PlayerDisconnects, "bob", "timeout")
	if msgs := bob.rec.Messages(); msgs[len(msgs)-1] != "bye timeout" {
		t.Errorf("got %q", msgs)
	}
	if len(alice.rec.Messages()) != 2 {
		t.Errorf("alice got bob's disconnect: %q", alice.rec.Messages())
	}
	h.ReleasePrincipal(ctx, "bob")
	if diff := cmp.Diff([]string{"alice"}, h.Principals()); diff != "" {
		t.Errorf("principals mismatch (-want +got):\n%s", diff)
	}

	console := command.NewRecorder("console", 4)
	if err := env.dispatcher.Execute(console, "counter inc"); err != nil {
		t.Fatal(err)
	}
	if msgs := console.Messages(); len(msgs) != 1 || !strings.Contains(msgs[0], ErrNeedsPrincipal.Error()) {
		t.Errorf("got %q", msgs)
	}
}

func TestAppData(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.data["stats_test"] = `{"ticks":10,"commands":0}`
	m, err := env.resolver.Resolve("stats_test", false)
	if err != nil {
		t.Fatal(err)
	}
	h, err := New(ctx, Params{Env: env, Module: m})
	if err != nil {
		t.Fatal(err)
	}
	h.Tick(ctx)
	console := command.NewRecorder("console", 4)
	res, err := h.Invoke(ctx, console, "show")
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "ticks: 11, commands: 1" {
		t.Errorf("got %q", res.Text)
	}
	if _, err := h.Invoke(ctx, console, "reset"); err != nil {
		t.Fatal(err)
	}
	h.Tick(ctx)
	if env.data["stats_test"] != `{"ticks":0,"commands":0}` {
		t.Errorf("got %q", env.data["stats_test"])
	}
	h.Close(ctx)
}

func TestHooks(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	console := command.NewRecorder("console", 4)
	h, err := New(ctx, Params{Env: env, Invoker: console, Module: module.Inline("hooks", false, `
function __on_start() { print('start'); }
function __on_tick() { print('tick'); }
function __on_close() { print('close'); }
function __on_custom(data, sender) { print('custom ' + data.n + ' from ' + sender); }
handleEvent('other', function(data) { print('other ' + data); });
`)})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.CallStart(ctx); err != nil {
		t.Fatal(err)
	}
	h.Tick(ctx)
	env.bus.Fire(ctx, "custom", map[string]any{"n": 1}, "me")
	env.bus.Fire(ctx, "other", "x")
	h.Close(ctx)
	h.Close(ctx)
	want := []string{"start", "tick", "custom 1 from me", "other x", "close"}
	if diff := cmp.Diff(want, console.Messages()); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
}

func TestSchedule(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	console := command.NewRecorder("console", 4)
	h := load(t, env, module.Inline("later", false, `
function __on_start() {
  schedule(2, function(word) { print(word); signalEvent('done', 1); }, 'later');
}
`), console)
	if err := h.CallStart(ctx); err != nil {
		t.Fatal(err)
	}
	env.bus.Dispatch(ctx)
	if len(console.Messages()) != 0 {
		t.Errorf("ran too early: %q", console.Messages())
	}
	env.bus.Dispatch(ctx)
	if diff := cmp.Diff([]string{"later"}, console.Messages()); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
}

func TestEval(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	h := load(t, env, nil, nil)
	console := command.NewRecorder("console", 4)
	res, err := h.Eval(ctx, console, "print('hi'); 1 + 1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "2" {
		t.Errorf("got %q", res.Text)
	}
	if diff := cmp.Diff([]string{"hi"}, console.Messages()); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
}

func TestImports(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	h := load(t, env, module.Inline("measure", false, `// @import shapes
function measure() { return distance([0, 0, 0], [3, 4, 0]); }
`), nil)
	res, err := h.Invoke(ctx, command.NewRecorder("console", 4), "measure")
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "5" {
		t.Errorf("got %q", res.Text)
	}
}
