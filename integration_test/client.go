package integration_test

import (
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	cryptossh "golang.org/x/crypto/ssh"
)

// styleCodes matches the SGR escapes messages are styled with.
var styleCodes = regexp.MustCompile("\x1b\\[[0-9;]*m")

// terminalClient is an SSH session of one principal. Everything the server
// prints is collected, without styling, into a transcript that waitFor
// consumes.
type terminalClient struct {
	user    string
	conn    *cryptossh.Client
	session *cryptossh.Session
	stdin   io.WriteCloser

	mu         sync.Mutex
	transcript strings.Builder
	closed     bool
	updated    chan struct{}
}

func newTerminalClient(addr, user string) (*terminalClient, error) {
	config := &cryptossh.ClientConfig{
		User: user,
		Auth: []cryptossh.AuthMethod{cryptossh.Password("ignored")},
		// The test server generates a fresh host key every run.
		HostKeyCallback: cryptossh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}
	conn, err := cryptossh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("failed to dial SSH as %s: %w", user, err)
	}

	session, err := conn.NewSession()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	tc := &terminalClient{
		user:    user,
		conn:    conn,
		session: session,
		updated: make(chan struct{}, 1),
	}
	if err := tc.start(); err != nil {
		session.Close()
		conn.Close()
		return nil, err
	}
	return tc, nil
}

func (tc *terminalClient) start() error {
	var err error
	if tc.stdin, err = tc.session.StdinPipe(); err != nil {
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := tc.session.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	if err := tc.session.RequestPty("xterm", 24, 80, cryptossh.TerminalModes{}); err != nil {
		return fmt.Errorf("failed to request pty: %w", err)
	}
	if err := tc.session.Shell(); err != nil {
		return fmt.Errorf("failed to start shell: %w", err)
	}
	go tc.record(stdout)
	return nil
}

// record appends everything read from r to the transcript until r fails.
func (tc *terminalClient) record(r io.Reader) {
	buf := make([]byte, 1024)
	for {
		n, err := r.Read(buf)
		tc.mu.Lock()
		tc.transcript.Write(buf[:n])
		if err != nil {
			tc.closed = true
		}
		tc.mu.Unlock()
		select {
		case tc.updated <- struct{}{}:
		default:
		}
		if err != nil {
			return
		}
	}
}

// take returns the unread transcript without styling, and removes it when
// keep says so.
func (tc *terminalClient) take(keep func(string) bool) (string, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	output := styleCodes.ReplaceAllString(tc.transcript.String(), "")
	if keep(output) {
		tc.transcript.Reset()
		return output, true
	}
	return output, tc.closed
}

func (tc *terminalClient) sendLine(s string) error {
	if _, err := tc.stdin.Write([]byte(s + "\r")); err != nil {
		return fmt.Errorf("%s failed to send %q: %w", tc.user, s, err)
	}
	return nil
}

// readUntil waits until match accepts the unread output, or timeout. The
// output is consumed when it matched or when timeout passed.
func (tc *terminalClient) readUntil(timeout time.Duration, match func(string) bool) string {
	deadline := time.After(timeout)
	for {
		if output, done := tc.take(match); done {
			return output
		}
		select {
		case <-tc.updated:
		case <-deadline:
			output, _ := tc.take(func(string) bool { return true })
			return output
		}
	}
}

// drain discards output arriving during a short while.
func (tc *terminalClient) drain() string {
	return tc.readUntil(200*time.Millisecond, func(string) bool { return false })
}

// waitFor reads until the expected string appears or timeout.
func (tc *terminalClient) waitFor(expected string, timeout time.Duration) (string, bool) {
	output := tc.readUntil(timeout, func(s string) bool {
		return strings.Contains(s, expected)
	})
	return output, strings.Contains(output, expected)
}

// sendCommand sends cmd and reads until expected appears after it or timeout.
func (tc *terminalClient) sendCommand(cmd, expected string, timeout time.Duration) (string, bool) {
	if err := tc.sendLine(cmd); err != nil {
		return err.Error(), false
	}
	return tc.waitFor(expected, timeout)
}

func (tc *terminalClient) Close() {
	tc.stdin.Close()
	tc.session.Close()
	tc.conn.Close()
}
