// Package main is the entry point for the Lumen load test binary.
// It provides subcommands for different load testing scenarios:
//
//   - saturate: Connection saturation test — opens N authenticated idle connections
//   - chat:     Messaging load test — pairs of users exchange messages
//   - calls:    Call signaling load test — pairs place, answer and end calls
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
	case "calls":
		runCalls(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test — opens N authenticated idle connections")
	fmt.Println("  chat        Messaging load test — pairs of users exchange messages")
	fmt.Println("  calls       Call signaling load test — pairs place, answer and end calls")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
