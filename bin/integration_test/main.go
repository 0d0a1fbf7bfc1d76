// Binary integration_test runs the integration scenario and leaves the
// server and its apps loaded for manual testing via SSH.
//
// Usage:
//
//	go run ./bin/integration_test
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"

	"github.com/zond/apphost/integration_test"
)

func main() {
	ts, err := integration_test.NewTestServer()
	if err != nil {
		fmt.Printf("Failed to create server: %v\n", err)
		os.Exit(1)
	}
	defer ts.Close()

	fmt.Println("Running integration tests...")
	fmt.Println()

	if err := integration_test.RunAll(ts); err != nil {
		fmt.Printf("\nFAILED: %v\n", err)
	} else {
		fmt.Println("\nAll tests PASSED")
	}

	_, port, err := net.SplitHostPort(ts.SSHAddr())
	if err != nil {
		port = ts.SSHAddr()
	}
	fmt.Println()
	fmt.Println("Server running with the scenario apps loaded.")
	fmt.Println()
	fmt.Println("To connect as an op:")
	fmt.Printf("  ssh -o StrictHostKeyChecking=no alice@localhost -p %s\n", port)
	fmt.Println()
	fmt.Println("Any other user name connects without ops. Press Ctrl+C to stop.")

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	<-interrupt
}
