package module

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/zond/apphost"
)

// importPattern matches `// @import name` at the start of a line.
var importPattern = regexp.MustCompile(`(?m)^// @import\s+(\S+)\s*$`)

// ParseImports returns the library names imported by source, in order.
func ParseImports(source string) []string {
	matches := importPattern.FindAllStringSubmatch(source, -1)
	result := make([]string, 0, len(matches))
	for _, match := range matches {
		if len(match) >= 2 {
			result = append(result, match[1])
		}
	}
	return result
}

type importContext struct {
	inProgress map[string]bool
	included   map[string]bool
	result     []*Module
}

// Imports returns the libraries m depends on, dependencies before
// dependents, each library once. m itself is not included.
func (r *Resolver) Imports(m *Module) ([]*Module, error) {
	ictx := &importContext{
		inProgress: map[string]bool{},
		included:   map[string]bool{},
	}
	if err := r.importRecursive(m, ictx); err != nil {
		return nil, err
	}
	return ictx.result[:len(ictx.result)-1], nil
}

func (r *Resolver) importRecursive(m *Module, ictx *importContext) error {
	key := strings.ToLower(m.Name())
	if ictx.inProgress[key] {
		return errors.Errorf("circular import of %q", m.Name())
	}
	if ictx.included[key] {
		return nil
	}
	ictx.inProgress[key] = true
	defer delete(ictx.inProgress, key)

	code, err := m.Code()
	if err != nil {
		return err
	}
	for _, name := range ParseImports(code) {
		dep, err := r.Resolve(name, true)
		if err != nil {
			return errors.Wrapf(err, "importing %q into %q", name, m.Name())
		}
		if err := r.importRecursive(dep, ictx); err != nil {
			return apphost.WithStack(err)
		}
	}
	ictx.included[key] = true
	ictx.result = append(ictx.result, m)
	return nil
}
