// Package command holds the command tree of the parent application and the
// invocation sources commands run on behalf of.
package command

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/buildkite/shellwords"
	"github.com/pkg/errors"
	"github.com/zond/apphost"
)

var (
	ErrUnknownCommand   = errors.New("unknown command")
	ErrPermissionDenied = errors.New("permission denied")
	ErrExists           = errors.New("command already registered")
)

const (
	LevelAll = 0
	LevelOps = 2
)

// Source is who a command or script call runs on behalf of.
type Source interface {
	Name() string
	Send(message string)
	Level() int
	// Principal returns the connected principal behind the source, or nil
	// for the console.
	Principal() Principal
}

// Principal is a connected user.
type Principal interface {
	Name() string
	Source() Source
}

// Validator decides whether src may run a command.
type Validator func(src Source) bool

func AllowAll(Source) bool {
	return true
}

// RequireLevel returns a validator accepting sources with at least level.
func RequireLevel(level int) Validator {
	return func(src Source) bool {
		return src.Level() >= level
	}
}

// Handler runs a command. args[0] is the command name.
type Handler func(src Source, args []string) error

type Node struct {
	Name      string
	Usage     string
	Validator Validator
	Handler   Handler
}

// Dispatcher maps root command names to nodes.
type Dispatcher struct {
	mu    sync.RWMutex
	roots map[string]*Node
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		roots: map[string]*Node{},
	}
}

func (d *Dispatcher) Register(node *Node) error {
	name := strings.ToLower(node.Name)
	if name == "" || strings.ContainsAny(name, " \t/") {
		return errors.Errorf("invalid command name %q", node.Name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, found := d.roots[name]; found {
		return apphost.WithStack(errors.Wrapf(ErrExists, "/%s", name))
	}
	d.roots[name] = node
	return nil
}

func (d *Dispatcher) Unregister(name string) bool {
	name = strings.ToLower(name)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, found := d.roots[name]; !found {
		return false
	}
	delete(d.roots, name)
	return true
}

func (d *Dispatcher) Has(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, found := d.roots[strings.ToLower(name)]
	return found
}

// Roots returns the registered root names in ascending order.
func (d *Dispatcher) Roots() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	result := make([]string, 0, len(d.roots))
	for name := range d.roots {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// Usage returns the usage lines of the commands src may run.
func (d *Dispatcher) Usage(src Source) []string {
	result := []string{}
	for _, name := range d.Roots() {
		d.mu.RLock()
		node := d.roots[name]
		d.mu.RUnlock()
		if node == nil || (node.Validator != nil && !node.Validator(src)) {
			continue
		}
		usage := node.Usage
		if usage == "" {
			usage = "/" + name
		}
		result = append(result, usage)
	}
	return result
}

// Execute splits line into shell words and runs the matching root command.
// A leading slash on the command name is optional.
func (d *Dispatcher) Execute(src Source, line string) error {
	args, err := shellwords.SplitPosix(line)
	if err != nil {
		return apphost.WithStack(err)
	}
	if len(args) == 0 {
		return nil
	}
	args[0] = strings.ToLower(strings.TrimPrefix(args[0], "/"))
	d.mu.RLock()
	node, found := d.roots[args[0]]
	d.mu.RUnlock()
	if !found {
		return apphost.WithStack(errors.Wrapf(ErrUnknownCommand, "/%s", args[0]))
	}
	if node.Validator != nil && !node.Validator(src) {
		return apphost.WithStack(errors.Wrapf(ErrPermissionDenied, "/%s", args[0]))
	}
	return node.Handler(src, args)
}

// Console is the source for commands issued by the parent application
// itself. Messages go to the sink.
type Console struct {
	Sink func(string)
}

func (c *Console) Name() string {
	return "console"
}

func (c *Console) Send(message string) {
	if c.Sink != nil {
		c.Sink(message)
	}
}

func (c *Console) Level() int {
	return 4
}

func (c *Console) Principal() Principal {
	return nil
}

// Recorder is a source keeping every message sent to it.
type Recorder struct {
	mu       sync.Mutex
	name     string
	level    int
	messages []string
}

func NewRecorder(name string, level int) *Recorder {
	return &Recorder{name: name, level: level}
}

func (r *Recorder) Name() string {
	return r.name
}

func (r *Recorder) Send(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
}

func (r *Recorder) Level() int {
	return r.level
}

func (r *Recorder) Principal() Principal {
	return nil
}

func (r *Recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

func (r *Recorder) String() string {
	return fmt.Sprintf("%s%v", r.name, r.Messages())
}
