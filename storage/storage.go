// Package storage persists app data between runs.
package storage

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/estraier/tkrzw-go"
	"github.com/pkg/errors"
	"github.com/zond/apphost"

	goccy "github.com/goccy/go-json"
)

// AppData stores one JSON document per app, keyed by lower case app name.
type AppData struct {
	dbm   *tkrzw.DBM
	mutex sync.RWMutex
}

// Open opens or creates the app data file in dir.
func Open(dir string) (*AppData, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, apphost.WithStack(err)
	}
	dbm := tkrzw.NewDBM()
	stat := dbm.Open(filepath.Join(dir, "appdata.tkh"), true, map[string]string{
		"update_mode":      "UPDATE_APPENDING",
		"record_comp_mode": "RECORD_COMP_NONE",
		"restore_mode":     "RESTORE_SYNC|RESTORE_NO_SHORTCUTS|RESTORE_WITH_HARDSYNC",
	})
	if !stat.IsOK() {
		return nil, apphost.WithStack(stat)
	}
	return &AppData{dbm: dbm}, nil
}

func key(app string) string {
	return strings.ToLower(app)
}

// Load returns the stored document for app. found is false when nothing
// is stored.
func (a *AppData) Load(app string) (doc string, found bool, err error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	b, stat := a.dbm.Get(key(app))
	if stat.GetCode() == tkrzw.StatusNotFoundError {
		return "", false, nil
	} else if !stat.IsOK() {
		return "", false, apphost.WithStack(stat)
	}
	return string(b), true, nil
}

// Store replaces the document for app. doc must be valid JSON.
func (a *AppData) Store(app string, doc string) error {
	if !goccy.Valid([]byte(doc)) {
		return errors.Errorf("app data for %q is not valid JSON", app)
	}
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if stat := a.dbm.Set(key(app), []byte(doc), true); !stat.IsOK() {
		return apphost.WithStack(stat)
	}
	return nil
}

// Delete removes the document for app, if any.
func (a *AppData) Delete(app string) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if stat := a.dbm.Remove(key(app)); !stat.IsOK() && stat.GetCode() != tkrzw.StatusNotFoundError {
		return apphost.WithStack(stat)
	}
	return nil
}

func (a *AppData) Close() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if stat := a.dbm.Close(); !stat.IsOK() {
		return apphost.WithStack(stat)
	}
	return nil
}
