// Package module describes app sources and resolves app names to them.
package module

import (
	"embed"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/zond/apphost"
)

const (
	AppExt     = ".sc"
	LibraryExt = ".scl"
	betaSuffix = "_beta"
)

var (
	ErrNotFound = errors.New("app not found")
)

//go:embed bundled
var bundledFS embed.FS

type OriginKind int

const (
	OriginFile OriginKind = iota
	OriginBundled
	OriginRemote
)

func (o OriginKind) String() string {
	switch o {
	case OriginBundled:
		return "bundled"
	case OriginRemote:
		return "remote"
	default:
		return "file"
	}
}

// LoadOverride forces the scope of an app regardless of its own config.
type LoadOverride int

const (
	Default LoadOverride = iota
	Global
	Principal
)

func (l LoadOverride) String() string {
	switch l {
	case Global:
		return "global"
	case Principal:
		return "player"
	default:
		return "default"
	}
}

// Module is an immutable description of an app's source.
type Module struct {
	name    string
	kind    OriginKind
	origin  string
	library bool
	inline  bool
	code    string
}

// FromPath describes a world-local file. The name is the file name without
// extension, and files ending in .scl are libraries.
func FromPath(p string) *Module {
	base := filepath.Base(p)
	ext := filepath.Ext(base)
	return &Module{
		name:    strings.TrimSuffix(base, ext),
		kind:    OriginFile,
		origin:  p,
		library: strings.EqualFold(ext, LibraryExt),
	}
}

// Bundled describes an app compiled into the binary.
func Bundled(name string, library bool) *Module {
	ext := AppExt
	if library {
		ext = LibraryExt
	}
	return &Module{
		name:    name,
		kind:    OriginBundled,
		origin:  path.Join("bundled", name+ext),
		library: library,
	}
}

// Remote describes an app fetched from a remote catalog. The code is
// captured at fetch time.
func Remote(name string, url string, library bool, code string) *Module {
	return &Module{
		name:    name,
		kind:    OriginRemote,
		origin:  url,
		library: library,
		inline:  true,
		code:    code,
	}
}

// Inline describes an app whose code is given directly.
func Inline(name string, library bool, code string) *Module {
	return &Module{
		name:    name,
		kind:    OriginBundled,
		origin:  "inline:" + name,
		library: library,
		inline:  true,
		code:    code,
	}
}

func (m *Module) Name() string {
	return m.name
}

func (m *Module) Kind() OriginKind {
	return m.kind
}

func (m *Module) Origin() string {
	return m.origin
}

func (m *Module) Library() bool {
	return m.library
}

// Code loads the source text of the module.
func (m *Module) Code() (string, error) {
	if m.inline {
		return m.code, nil
	}
	switch m.kind {
	case OriginFile:
		b, err := os.ReadFile(m.origin)
		if err != nil {
			return "", apphost.WithStack(err)
		}
		return string(b), nil
	case OriginBundled:
		b, err := bundledFS.ReadFile(m.origin)
		if err != nil {
			return "", apphost.WithStack(err)
		}
		return string(b), nil
	}
	return "", errors.Errorf("%s has no code", m)
}

func (m *Module) String() string {
	return fmt.Sprintf("%s (%s %s)", m.name, m.kind, m.origin)
}

func (m *Module) beta() bool {
	return strings.HasSuffix(m.name, betaSuffix)
}
