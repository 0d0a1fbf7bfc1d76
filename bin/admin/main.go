// apphost-admin runs commands on a running apphost server via its Unix
// domain control socket.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

func main() {
	homeDir, _ := os.UserHomeDir()
	defaultSocket := filepath.Join(homeDir, ".apphost", "control.sock")

	socketPath := flag.String("socket", defaultSocket, "Path to control socket")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <command> [args...]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  script list             List available and loaded apps\n")
		fmt.Fprintf(os.Stderr, "  script load <app>       Load an app\n")
		fmt.Fprintf(os.Stderr, "  rules <rule> on|off     Toggle a rule app\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(1)
	}

	if err := run(*socketPath, strings.Join(args, " ")); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(socketPath, line string) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return errors.Wrapf(err, "failed to connect to control socket %s", socketPath)
	}
	defer conn.Close()

	if _, err := fmt.Fprintln(conn, line); err != nil {
		return errors.Wrap(err, "failed to send command")
	}

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		response := scanner.Text()
		if response == "OK" {
			return nil
		}
		if msg, found := strings.CutPrefix(response, "ERROR: "); found {
			return errors.New(msg)
		}
		fmt.Println(response)
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "failed to read response")
	}
	return errors.New("connection closed without a response")
}
