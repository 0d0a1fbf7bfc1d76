package module

import (
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/zond/apphost"
)

// GlobalCatalog is a catalog of apps shared between worlds, such as a
// remote app store.
type GlobalCatalog interface {
	Fetch(name string, allowLibraries bool) (*Module, error)
	// Names returns the apps the catalog offers.
	Names(includeBuiltIns bool) ([]string, error)
}

// Resolver finds the module for an app name.
type Resolver struct {
	// Dir is the world scripts directory. It is created when missing.
	Dir     string
	Global  GlobalCatalog
	Catalog *Catalog
}

func (r *Resolver) ensureDir() error {
	if r.Dir == "" {
		return os.ErrNotExist
	}
	return apphost.WithStack(os.MkdirAll(r.Dir, 0755))
}

func (r *Resolver) findFile(name string, allowLibraries bool) (*Module, error) {
	if err := r.ensureDir(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		return nil, apphost.WithStack(err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fileName := entry.Name()
		if strings.EqualFold(fileName, name+AppExt) || (allowLibraries && strings.EqualFold(fileName, name+LibraryExt)) {
			return FromPath(filepath.Join(r.Dir, fileName)), nil
		}
	}
	return nil, nil
}

// Resolve looks for name in the world scripts directory, then the global
// catalog, then the bundled apps. Lookup failures are logged and treated as
// not found.
func (r *Resolver) Resolve(name string, allowLibraries bool) (*Module, error) {
	if m, err := r.findFile(name, allowLibraries); err != nil {
		log.Printf("searching world scripts for %q: %v", name, err)
	} else if m != nil {
		return m, nil
	}
	if r.Global != nil {
		if m, err := r.Global.Fetch(name, allowLibraries); err != nil {
			log.Printf("fetching global app %q: %v", name, err)
		} else if m != nil {
			return m, nil
		}
	}
	if r.Catalog != nil {
		if m, found := r.Catalog.Bundled(name, allowLibraries); found {
			return m, nil
		}
	}
	return nil, apphost.WithStack(ErrNotFound)
}

// ResolveRule only considers apps registered as rule apps.
func (r *Resolver) ResolveRule(name string) (*Module, error) {
	if r.Catalog != nil {
		if m, found := r.Catalog.Rule(name); found {
			return m, nil
		}
	}
	return nil, apphost.WithStack(ErrNotFound)
}

// WorldNames returns the names of the apps in the world scripts directory.
func (r *Resolver) WorldNames() []string {
	result := []string{}
	if err := r.ensureDir(); err != nil {
		log.Printf("searching for apps: %v", err)
		return result
	}
	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		log.Printf("searching for apps: %v", err)
		return result
	}
	for _, entry := range entries {
		name := entry.Name()
		if ext := filepath.Ext(name); !entry.IsDir() && strings.EqualFold(ext, AppExt) {
			result = append(result, strings.ToLower(name[:len(name)-len(ext)]))
		}
	}
	return result
}

// List returns the names of apps that can be loaded. Names found in more
// than one place are listed more than once.
func (r *Resolver) List(includeBuiltIns bool) []string {
	result := []string{}
	if includeBuiltIns && r.Catalog != nil {
		result = append(result, r.Catalog.BuiltInNames()...)
	}
	result = append(result, r.WorldNames()...)
	if r.Global != nil {
		names, err := r.Global.Names(includeBuiltIns)
		if err != nil {
			log.Printf("listing global apps: %v", err)
		} else {
			result = append(result, names...)
		}
	}
	return result
}

// Trash returns the directory archived apps are moved to.
func (r *Resolver) Trash() string {
	return filepath.Join(r.Dir, "trash")
}
