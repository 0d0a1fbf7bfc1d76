package server

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"github.com/rodaine/table"
	"github.com/zond/apphost/command"
	"github.com/zond/apphost/host"
	"github.com/zond/apphost/js"
	"github.com/zond/apphost/messenger"
	"github.com/zond/apphost/module"
	"github.com/zond/apphost/registry"
)

// scriptable is a host that can run code for a source.
type scriptable interface {
	Eval(ctx context.Context, src command.Source, code string) (*js.Result, error)
	Invoke(ctx context.Context, src command.Source, fun string, args ...any) (*js.Result, error)
}

// sendTable prints t to src, one message per line.
func sendTable(src command.Source, t table.Table) {
	buf := &bytes.Buffer{}
	t.WithWriter(buf).Print()
	for _, line := range strings.Split(strings.TrimRight(buf.String(), "\n"), "\n") {
		src.Send(line)
	}
}

type subCommand struct {
	usage string
	run   func(ctx context.Context, src command.Source, args []string)
}

func (s *Server) scriptCommands() map[string]subCommand {
	return map[string]subCommand{
		"load": {
			usage: "load <app> [global|player]",
			run: func(ctx context.Context, src command.Source, args []string) {
				if len(args) < 1 {
					messenger.Send(src, "r Usage: /script load <app> [global|player]")
					return
				}
				override := module.Default
				if len(args) > 1 {
					switch strings.ToLower(args[1]) {
					case "global":
						override = module.Global
					case "player":
						override = module.Principal
					default:
						messenger.Send(src, "r Unknown scope "+args[1])
						return
					}
				}
				s.registry.Install(ctx, src, args[0], registry.InstallOptions{
					PerPrincipal: true,
					Override:     override,
				})
			},
		},
		"unload": {
			usage: "unload <app>",
			run: func(ctx context.Context, src command.Source, args []string) {
				if len(args) < 1 {
					messenger.Send(src, "r Usage: /script unload <app>")
					return
				}
				s.registry.Uninstall(ctx, src, args[0], true, false)
			},
		},
		"uninstall": {
			usage: "uninstall <app>",
			run: func(ctx context.Context, src command.Source, args []string) {
				if len(args) < 1 {
					messenger.Send(src, "r Usage: /script uninstall <app>")
					return
				}
				s.registry.UninstallApp(ctx, src, args[0])
			},
		},
		"reload": {
			usage: "reload",
			run: func(ctx context.Context, src command.Source, args []string) {
				s.registry.Reload(ctx)
				messenger.Send(src, "gi Reloaded "+messenger.Count(len(s.registry.Names()), "app"))
			},
		},
		"list": {
			usage: "list",
			run: func(ctx context.Context, src command.Source, args []string) {
				s.listApps(src)
			},
		},
		"run": {
			usage: "run <code>",
			run: func(ctx context.Context, src command.Source, args []string) {
				h, _ := s.registry.Host("")
				s.eval(ctx, src, h, strings.Join(args, " "))
			},
		},
		"in": {
			usage: "in <app> <code>",
			run: func(ctx context.Context, src command.Source, args []string) {
				if len(args) < 2 {
					messenger.Send(src, "r Usage: /script in <app> <code>")
					return
				}
				h, found := s.registry.Host(args[0])
				if !found || args[0] == "" {
					messenger.Send(src, "r No such app found: ", "wb "+args[0])
					return
				}
				s.eval(ctx, src, h, strings.Join(args[1:], " "))
			},
		},
		"invoke": {
			usage: "invoke <app> <function> [args...]",
			run: func(ctx context.Context, src command.Source, args []string) {
				if len(args) < 2 {
					messenger.Send(src, "r Usage: /script invoke <app> <function> [args...]")
					return
				}
				h, found := s.registry.Host(args[0])
				sh, ok := h.(scriptable)
				if !found || !ok || args[0] == "" {
					messenger.Send(src, "r No such app found: ", "wb "+args[0])
					return
				}
				callArgs := make([]any, 0, len(args)-2)
				for _, arg := range args[2:] {
					callArgs = append(callArgs, arg)
				}
				res, err := sh.Invoke(ctx, src, args[1], callArgs...)
				s.showResult(src, h.Name(), res, err)
			},
		},
		"download": {
			usage: "download <app>",
			run: func(ctx context.Context, src command.Source, args []string) {
				if len(args) < 1 {
					messenger.Send(src, "r Usage: /script download <app>")
					return
				}
				if s.store == nil {
					messenger.Send(src, "r No app store is configured")
					return
				}
				_, url, err := s.store.Download(ctx, args[0], s.WorldPath("scripts"))
				if err != nil {
					messenger.Send(src, "r Failed to download "+args[0]+": "+err.Error())
					return
				}
				s.registry.Install(ctx, src, args[0], registry.InstallOptions{
					PerPrincipal: true,
					Installer:    url,
				})
			},
		},
		"stats": {
			usage: "stats [reset]",
			run: func(ctx context.Context, src command.Source, args []string) {
				if len(args) > 0 && strings.EqualFold(args[0], "reset") {
					for _, app := range s.profiler.Apps() {
						s.profiler.Forget(app.App)
					}
					messenger.Send(src, "gi App stats cleared")
					return
				}
				s.showStats(src)
			},
		},
		"stop": {
			usage: "stop",
			run: func(ctx context.Context, src command.Source, args []string) {
				s.paused = true
				messenger.Send(src, "gi Apps are paused")
			},
		},
		"resume": {
			usage: "resume",
			run: func(ctx context.Context, src command.Source, args []string) {
				s.paused = false
				messenger.Send(src, "gi Apps are running")
			},
		},
	}
}

func (s *Server) eval(ctx context.Context, src command.Source, h registry.Host, code string) {
	sh, ok := h.(scriptable)
	if !ok {
		messenger.Send(src, "r This app can't run code")
		return
	}
	res, err := sh.Eval(ctx, src, code)
	s.showResult(src, h.Name(), res, err)
}

func (s *Server) showResult(src command.Source, app string, res *js.Result, err error) {
	if err != nil {
		host.ReportFailure(src, app, err)
		return
	}
	if res.Undefined() {
		return
	}
	messenger.Send(src, "wb  = ", "c "+res.Text)
}

func (s *Server) listApps(src command.Source) {
	available := s.registry.ListAvailable(true)
	loaded := s.registry.Names()
	t := table.New("App", "Loaded", "Scope", "Command")
	seen := map[string]bool{}
	for _, name := range append(loaded, available...) {
		if seen[name] {
			continue
		}
		seen[name] = true
		h, found := s.registry.Host(name)
		if !found {
			t.AddRow(name, "", "", "")
			continue
		}
		scope := "global"
		if h.PerPrincipal() {
			scope = "player"
		}
		cmd := ""
		if h.HasCommand() {
			cmd = "/" + name
		}
		t.AddRow(name, "yes", scope, cmd)
	}
	sendTable(src, t)
	messenger.Send(src, "gi "+messenger.Count(len(loaded), "app")+" loaded")
}

func (s *Server) showStats(src command.Source) {
	apps := s.profiler.Apps()
	if len(apps) == 0 {
		messenger.Send(src, "gi No app calls recorded")
		return
	}
	t := table.New("App", "Calls", "Avg(ms)", "Max(ms)", "Slow", "Errs", "Last error")
	for _, app := range apps {
		t.AddRow(
			app.App,
			app.Calls,
			fmt.Sprintf("%.1f", float64(app.Mean().Microseconds())/1000),
			fmt.Sprintf("%.1f", float64(app.Max.Microseconds())/1000),
			app.Slow,
			app.Errors,
			app.LastError,
		)
	}
	sendTable(src, t)
}

// setRule enables or disables the rule app name.
func (s *Server) setRule(ctx context.Context, src command.Source, name string, enabled bool) {
	name = strings.ToLower(name)
	if !slices.Contains(s.catalog.RuleNames(), name) {
		messenger.Send(src, "r Unknown rule "+name)
		return
	}
	if enabled == s.rules[name] {
		return
	}
	if enabled {
		if s.registry.Install(ctx, src, name, registry.InstallOptions{RuleApp: true}) == registry.Installed {
			s.rules[name] = true
		} else {
			messenger.Send(src, "r Failed to enable rule "+name)
		}
		return
	}
	s.registry.Uninstall(ctx, src, name, false, true)
	delete(s.rules, name)
}

func (s *Server) showRules(src command.Source) {
	t := table.New("Rule", "Enabled")
	for _, name := range s.catalog.RuleNames() {
		enabled := "no"
		if s.rules[name] {
			enabled = "yes"
		}
		t.AddRow(name, enabled)
	}
	sendTable(src, t)
}

func (s *Server) registerCommands() error {
	subs := s.scriptCommands()
	names := make([]string, 0, len(subs))
	for name := range subs {
		names = append(names, name)
	}
	slices.Sort(names)
	nodes := []*command.Node{
		{
			Name:      "script",
			Usage:     "/script <" + strings.Join(names, "|") + ">",
			Validator: command.RequireLevel(command.LevelOps),
			Handler: func(src command.Source, args []string) error {
				if len(args) < 2 {
					for _, name := range names {
						messenger.Send(src, "gi /script "+subs[name].usage)
					}
					return nil
				}
				sub, found := subs[strings.ToLower(args[1])]
				if !found {
					return errors.Wrapf(command.ErrUnknownCommand, "/script %s", args[1])
				}
				sub.run(s.commandCtx, src, args[2:])
				return nil
			},
		},
		{
			Name:      "rules",
			Usage:     "/rules [<rule> on|off]",
			Validator: command.RequireLevel(command.LevelOps),
			Handler: func(src command.Source, args []string) error {
				if len(args) < 3 {
					s.showRules(src)
					return nil
				}
				switch strings.ToLower(args[2]) {
				case "on":
					s.setRule(s.commandCtx, src, args[1], true)
				case "off":
					s.setRule(s.commandCtx, src, args[1], false)
				default:
					messenger.Send(src, "r Usage: /rules [<rule> on|off]")
				}
				return nil
			},
		},
		{
			Name:  "who",
			Usage: "/who",
			Handler: func(src command.Source, args []string) error {
				principals := s.Principals()
				t := table.New("Name", "Level")
				for _, p := range principals {
					level := 0
					if ps := p.Source(); ps != nil {
						level = ps.Level()
					}
					t.AddRow(p.Name(), level)
				}
				sendTable(src, t)
				messenger.Send(src, "gi "+messenger.Count(len(principals), "player")+" connected")
				return nil
			},
		},
		{
			Name:  "help",
			Usage: "/help",
			Handler: func(src command.Source, args []string) error {
				for _, usage := range s.dispatcher.Usage(src) {
					messenger.Send(src, "gi "+usage)
				}
				return nil
			},
		},
	}
	for _, node := range nodes {
		if err := s.dispatcher.Register(node); err != nil {
			return err
		}
	}
	return nil
}
