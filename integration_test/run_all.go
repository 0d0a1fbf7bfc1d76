// Package integration_test provides integration tests for the apphost server.
//
// # Testing Principles
//
// All interactions should use the same interface as production: SSH sessions
// running commands. Direct function calls on the test server should only be
// used for necessary setup, like writing app sources into the world.
//
// # Debugging Support
//
// A separate binary (bin/integration_test/main.go) runs these tests and leaves
// the server running afterward, allowing developers to connect via SSH and
// inspect the loaded apps.
package integration_test

import (
	"fmt"
	"strings"
	"time"
)

const counterSource = `// Counts bumps separately for every player.
function __config() {
  return {
    scope: 'player',
    commands: {
      bump: 'bump',
    },
  };
}

let bumps = 0;

function bump() {
  bumps++;
  return principal() + ': ' + bumps;
}
`

// RunAll runs all integration tests in sequence on a single server.
// Returns nil on success, or an error describing what failed.
func RunAll(ts *TestServer) error {
	// === Test 1: Login and permissions ===
	fmt.Println("Testing login and permissions...")

	alice, err := connect(ts.SSHAddr(), opsUser)
	if err != nil {
		return err
	}
	defer alice.Close()
	if _, err := alice.expect("/help", "/script"); err != nil {
		return err
	}

	bob, err := connect(ts.SSHAddr(), "bob")
	if err != nil {
		return err
	}
	defer bob.Close()
	if _, err := bob.expect("/script list", "You don't have permission to do that"); err != nil {
		return err
	}
	if _, err := bob.expect("/nosuch", `Unknown command: "nosuch"`); err != nil {
		return err
	}

	fmt.Println("  Login and permissions: OK")

	// === Test 2: Global apps ===
	fmt.Println("Testing global apps...")

	if _, err := alice.expect("/script load math", "math app loaded with /math command"); err != nil {
		return err
	}
	if _, err := bob.expect("/math add 2 3", "5"); err != nil {
		return err
	}
	if _, err := bob.expect("/math sqrt -4", "sqrt of negative number -4"); err != nil {
		return err
	}

	fmt.Println("  Global apps: OK")

	// === Test 3: Per player apps ===
	fmt.Println("Testing per player apps...")

	if err := ts.WriteApp("counter", counterSource); err != nil {
		return fmt.Errorf("writing counter app: %w", err)
	}
	if _, err := alice.expect("/script load counter", "counter app loaded with /counter command"); err != nil {
		return err
	}
	if _, err := alice.expect("/counter bump", "alice: 1"); err != nil {
		return err
	}
	if _, err := bob.expect("/counter bump", "bob: 1"); err != nil {
		return err
	}
	if _, err := alice.expect("/counter bump", "alice: 2"); err != nil {
		return err
	}
	if _, err := alice.expect("/script list", "counter", "2 apps loaded"); err != nil {
		return err
	}

	fmt.Println("  Per player apps: OK")

	// === Test 4: Rule apps and connection events ===
	fmt.Println("Testing rule apps...")

	if err := alice.sendLine("/rules welcome on"); err != nil {
		return err
	}
	if _, err := alice.expect("/rules", "yes"); err != nil {
		return err
	}
	carol, err := connect(ts.SSHAddr(), "carol")
	if err != nil {
		return err
	}
	if output, ok := alice.waitFor("welcome, carol", defaultWaitTimeout); !ok {
		carol.Close()
		return fmt.Errorf("welcome rule didn't greet carol: %q", output)
	}
	if _, err := carol.expect("/who", "3 players connected"); err != nil {
		carol.Close()
		return err
	}
	carol.Close()
	if !waitForCondition(defaultWaitTimeout, 50*time.Millisecond, func() bool {
		output, ok := alice.sendCommand("/who", "connected", defaultWaitTimeout)
		return ok && strings.Contains(output, "2 players connected")
	}) {
		return fmt.Errorf("carol never left")
	}
	if _, err := alice.expect("/script unload welcome", "No such app found: welcome"); err != nil {
		return err
	}

	fmt.Println("  Rule apps: OK")

	// === Test 5: Unloading ===
	fmt.Println("Testing unloading...")

	if _, err := alice.expect("/script unload counter", "Removed counter app"); err != nil {
		return err
	}
	if _, err := bob.expect("/counter bump", `Unknown command: "counter"`); err != nil {
		return err
	}
	if _, err := alice.expect("/script reload", "Reloaded 2 apps"); err != nil {
		return err
	}
	if _, err := bob.expect("/math mul 6 7", "42"); err != nil {
		return err
	}

	fmt.Println("  Unloading: OK")

	return nil
}
