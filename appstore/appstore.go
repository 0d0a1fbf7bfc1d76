// Package appstore fetches apps from a remote catalog shared between worlds.
//
// A catalog is a plain HTTP directory holding <name>.sc apps, <name>.scl
// libraries and an index.json listing them.
package appstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/zond/apphost"
	"github.com/zond/apphost/module"

	cache "github.com/go-pkgz/expirable-cache/v3"
	goccy "github.com/goccy/go-json"
)

const (
	indexFile    = "index.json"
	maxAppSize   = 1 << 20
	DefaultTTL   = 5 * time.Minute
	fetchTimeout = 10 * time.Second
)

var (
	ErrNotFound = errors.New("app not found in the app store")
)

// Entry describes an app in the catalog index.
type Entry struct {
	Name        string `json:"name"`
	Library     bool   `json:"library,omitempty"`
	Description string `json:"description,omitempty"`
}

type download struct {
	url   string
	code  string
	found bool
}

// Client reads a remote catalog. Fetched files, including misses, are
// cached for the TTL.
type Client struct {
	base   string
	http   *http.Client
	files  cache.Cache[string, download]
	index  cache.Cache[string, []Entry]
	agent  string
	maxLen int64
}

func New(base string, ttl time.Duration) *Client {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Client{
		base:   strings.TrimSuffix(base, "/"),
		http:   &http.Client{Timeout: fetchTimeout},
		files:  cache.NewCache[string, download]().WithTTL(ttl).WithMaxKeys(256).WithLRU(),
		index:  cache.NewCache[string, []Entry]().WithTTL(ttl).WithMaxKeys(1),
		agent:  "apphost",
		maxLen: maxAppSize,
	}
}

func (c *Client) url(file string) string {
	return c.base + "/" + file
}

func (c *Client) get(ctx context.Context, url string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, apphost.WithStack(err)
	}
	req.Header.Set("User-Agent", c.agent)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, apphost.WithStack(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, errors.Errorf("GET %s: %s", url, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxLen+1))
	if err != nil {
		return nil, false, apphost.WithStack(err)
	}
	if int64(len(body)) > c.maxLen {
		return nil, false, errors.Errorf("GET %s: larger than %d bytes", url, c.maxLen)
	}
	return body, true, nil
}

func (c *Client) file(ctx context.Context, file string) (download, error) {
	if d, found := c.files.Get(file); found {
		return d, nil
	}
	url := c.url(file)
	body, found, err := c.get(ctx, url)
	if err != nil {
		return download{}, err
	}
	d := download{url: url, code: string(body), found: found}
	c.files.Set(file, d, 0)
	return d, nil
}

func (c *Client) fetch(ctx context.Context, name string, allowLibraries bool) (*module.Module, error) {
	name = strings.ToLower(name)
	if name == "" || strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return nil, errors.Errorf("invalid app name %q", name)
	}
	exts := []string{module.AppExt}
	if allowLibraries {
		exts = append(exts, module.LibraryExt)
	}
	for _, ext := range exts {
		d, err := c.file(ctx, name+ext)
		if err != nil {
			return nil, err
		}
		if d.found {
			return module.Remote(name, d.url, ext == module.LibraryExt, d.code), nil
		}
	}
	return nil, nil
}

// Fetch returns the app or library name, or nil when the catalog doesn't
// have it.
func (c *Client) Fetch(name string, allowLibraries bool) (*module.Module, error) {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()
	return c.fetch(ctx, name, allowLibraries)
}

// Index returns the entries of the catalog index.
func (c *Client) Index(ctx context.Context) ([]Entry, error) {
	if entries, found := c.index.Get(indexFile); found {
		return entries, nil
	}
	body, found, err := c.get(ctx, c.url(indexFile))
	if err != nil {
		return nil, err
	}
	entries := []Entry{}
	if found {
		if err := goccy.Unmarshal(body, &entries); err != nil {
			return nil, errors.Wrapf(err, "parsing %s", c.url(indexFile))
		}
	}
	c.index.Set(indexFile, entries, 0)
	return entries, nil
}

// Names returns the apps in the catalog index. The catalog has no
// built-in apps, so includeBuiltIns makes no difference.
func (c *Client) Names(includeBuiltIns bool) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()
	entries, err := c.Index(ctx)
	if err != nil {
		return nil, err
	}
	result := []string{}
	for _, entry := range entries {
		if !entry.Library {
			result = append(result, strings.ToLower(entry.Name))
		}
	}
	return result, nil
}

// Download saves app name into dir and returns the saved path and the URL
// it came from. Existing files are replaced.
func (c *Client) Download(ctx context.Context, name string, dir string) (string, string, error) {
	m, err := c.fetch(ctx, name, false)
	if err != nil {
		return "", "", err
	}
	if m == nil {
		return "", "", apphost.WithStack(errors.Wrap(ErrNotFound, name))
	}
	code, err := m.Code()
	if err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", "", apphost.WithStack(err)
	}
	path := filepath.Join(dir, m.Name()+module.AppExt)
	tmp := fmt.Sprintf("%s.%d.tmp", path, time.Now().UnixNano())
	if err := os.WriteFile(tmp, []byte(code), 0644); err != nil {
		return "", "", apphost.WithStack(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", "", apphost.WithStack(err)
	}
	return path, m.Origin(), nil
}

// Invalidate forgets everything fetched.
func (c *Client) Invalidate() {
	c.files.Purge()
	c.index.Purge()
}
