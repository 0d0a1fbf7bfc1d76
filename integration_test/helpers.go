package integration_test

import (
	"fmt"
	"strings"
	"time"
)

// waitForCondition polls until the condition returns true or timeout expires.
func waitForCondition(timeout time.Duration, interval time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(interval)
	}
	return false
}

// connect opens an SSH session as user and waits for the welcome line.
func connect(sshAddr, user string) (*terminalClient, error) {
	tc, err := newTerminalClient(sshAddr, user)
	if err != nil {
		return nil, err
	}
	if output, ok := tc.waitFor("Type /help for commands.", defaultWaitTimeout); !ok {
		tc.Close()
		return nil, fmt.Errorf("%s was not welcomed: %q", user, output)
	}
	tc.drain()
	return tc, nil
}

// expect sends cmd and fails unless every one of wants shows up in the output.
func (tc *terminalClient) expect(cmd string, wants ...string) (string, error) {
	if len(wants) == 0 {
		return "", fmt.Errorf("expect %q: nothing to wait for", cmd)
	}
	output, ok := tc.sendCommand(cmd, wants[len(wants)-1], defaultWaitTimeout)
	if !ok {
		return output, fmt.Errorf("%q didn't print %q: %q", cmd, wants[len(wants)-1], output)
	}
	for _, want := range wants[:len(wants)-1] {
		if !strings.Contains(output, want) {
			return output, fmt.Errorf("%q didn't print %q: %q", cmd, want, output)
		}
	}
	return output, nil
}
