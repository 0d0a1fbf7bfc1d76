// Package audit records app lifecycle events as JSON lines.
package audit

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	goccy "github.com/goccy/go-json"
)

type sessionKey int

const sessionID sessionKey = 0

// NewSessionID creates a unique session ID.
func NewSessionID() string {
	return uuid.NewString()
}

// WithSession returns a context carrying id as the session ID.
func WithSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionID, id)
}

func SessionID(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(sessionID).(string)
	return id, ok
}

// Logger writes app lifecycle events to a rotated log file as JSON.
type Logger struct {
	mu  sync.Mutex
	out io.WriteCloser
	enc *goccy.Encoder
}

// Data is implemented by the typed audit event payloads.
type Data interface {
	auditData()
}

type Entry struct {
	Time      string `json:"time"`
	SessionID string `json:"session_id,omitempty"`
	Event     string `json:"event"`
	Data      Data   `json:"data"`
}

// AppInstall is logged when an app is installed.
type AppInstall struct {
	App      string `json:"app"`
	Invoker  string `json:"invoker"`
	Origin   string `json:"origin"`
	Reload   bool   `json:"reload,omitempty"`
	RuleApp  bool   `json:"rule_app,omitempty"`
	Override string `json:"override,omitempty"`
}

func (AppInstall) auditData() {}

// AppInstallFailed is logged when an install is rejected.
type AppInstallFailed struct {
	App     string `json:"app"`
	Invoker string `json:"invoker"`
	Reason  string `json:"reason"`
}

func (AppInstallFailed) auditData() {}

// AppUninstall is logged when an app is removed.
type AppUninstall struct {
	App     string `json:"app"`
	Invoker string `json:"invoker"`
}

func (AppUninstall) auditData() {}

// AppArchive is logged when an app source is moved to the trash.
type AppArchive struct {
	App     string `json:"app"`
	Invoker string `json:"invoker"`
	From    string `json:"from"`
	To      string `json:"to"`
}

func (AppArchive) auditData() {}

// Reload is logged when the registry is reset.
type Reload struct {
	Apps []string `json:"apps"`
}

func (Reload) auditData() {}

// New returns a logger writing to path, rotating when the file grows beyond
// maxSizeMB.
func New(path string, maxSizeMB int) *Logger {
	return NewWriter(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: 5,
		Compress:   true,
	})
}

// NewWriter returns a logger writing to w.
func NewWriter(w io.WriteCloser) *Logger {
	return &Logger{
		out: w,
		enc: goccy.NewEncoder(w),
	}
}

// Log writes a structured entry. A nil logger drops it.
func (l *Logger) Log(ctx context.Context, event string, data Data) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	id, _ := SessionID(ctx)
	if err := l.enc.Encode(Entry{
		Time:      time.Now().UTC().Format(time.RFC3339Nano),
		SessionID: id,
		Event:     event,
		Data:      data,
	}); err != nil {
		log.Printf("writing audit entry %s: %v", event, err)
	}
}

func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Close()
}
