// Command loadtest drives synthetic users against a chatrelay node.
//
// Usage:
//
//	loadtest saturate [options]   open N idle connections and hold them
//	loadtest chat [options]       pairs exchange messages, receipts and backlogs
package main

import (
	"fmt"
	"os"
)

var commands = []struct {
	name  string
	about string
	run   func(args []string)
}{
	{"saturate", "Connection saturation test: opens N idle connections", runSaturate},
	{"chat", "Message load test: pairs exchange messages and read receipts", runChat},
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	name := os.Args[1]
	switch name {
	case "help", "-h", "--help":
		usage()
		return
	}
	for _, cmd := range commands {
		if cmd.name == name {
			cmd.run(os.Args[2:])
			return
		}
	}

	fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", name)
	usage()
	os.Exit(1)
}

func usage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println("\nCommands:")
	for _, cmd := range commands {
		fmt.Printf("  %-10s  %s\n", cmd.name, cmd.about)
	}
	fmt.Println("\nRun 'loadtest <command> -h' for command-specific options.")
}
