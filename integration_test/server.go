package integration_test

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/zond/apphost/module"
	"github.com/zond/apphost/pemfile"
	"github.com/zond/apphost/server"
)

const (
	defaultWaitTimeout = 5 * time.Second
	opsUser            = "alice"
	secondOpsUser      = "olivia"
)

// TestServer wraps a server instance for testing.
type TestServer struct {
	*server.Server
	tmpDir      string
	sshListener net.Listener
	done        chan struct{} // closed when server goroutine exits
}

// NewTestServer creates a new test server with random ports.
func NewTestServer() (*TestServer, error) {
	tmpDir, err := os.MkdirTemp("", "apphost-integration-*")
	if err != nil {
		return nil, err
	}

	config := server.DefaultConfig()
	config.Dir = tmpDir
	config.TickInterval = 10 * time.Millisecond
	config.Ops = []string{opsUser, secondOpsUser}

	// A small host key keeps startup fast.
	if err := (pemfile.HostKey{
		KeyPath:       filepath.Join(tmpDir, "private.pem"),
		SSHPubKeyPath: filepath.Join(tmpDir, "public.pem"),
		Bits:          2048,
	}).Generate(); err != nil {
		os.RemoveAll(tmpDir)
		return nil, err
	}

	srv, err := server.New(context.Background(), config)
	if err != nil {
		os.RemoveAll(tmpDir)
		return nil, err
	}

	sshLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		srv.Close()
		os.RemoveAll(tmpDir)
		return nil, err
	}

	ts := &TestServer{
		Server:      srv,
		tmpDir:      tmpDir,
		sshListener: sshLn,
		done:        make(chan struct{}),
	}

	go func() {
		defer close(ts.done)
		if err := srv.StartWithListeners(context.Background(), sshLn, nil, nil); err != nil {
			fmt.Fprintf(os.Stderr, "test server stopped: %v\n", err)
		}
	}()

	// Wait for server to be ready by polling the SSH port
	ready := waitForCondition(5*time.Second, 50*time.Millisecond, func() bool {
		conn, err := net.DialTimeout("tcp", ts.SSHAddr(), 100*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	})
	if !ready {
		ts.Close()
		return nil, fmt.Errorf("server did not become ready")
	}

	return ts, nil
}

// Close shuts down the test server and cleans up.
func (ts *TestServer) Close() {
	ts.Server.Close()
	select {
	case <-ts.done:
	case <-time.After(5 * time.Second):
	}
	os.RemoveAll(ts.tmpDir)
}

// SSHAddr returns the SSH address.
func (ts *TestServer) SSHAddr() string {
	return ts.sshListener.Addr().String()
}

// WriteApp stores source as the world app name.
func (ts *TestServer) WriteApp(name, source string) error {
	dir := ts.WorldPath("scripts")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name+module.AppExt), []byte(source), 0644)
}
