package main

import (
	"fmt"
	"os"
)

// RunCLI handles subcommand execution before flags are parsed. Returns
// true if a subcommand was handled.
func RunCLI(args []string, auditDBPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("voxserver %s\n", versionString)
		return true
	case "status":
		return cliStatus(auditDBPath)
	default:
		return false
	}
}

// cliStatus reports the most recent recorded session events without
// starting the voice server itself, for quick operational checks.
func cliStatus(auditDBPath string) bool {
	auditLog, err := openAuditForCLI(auditDBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening audit log: %v\n", err)
		os.Exit(1)
	}
	defer auditLog.Close()

	entries, err := auditLog.Recent(10)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Audit log: %s\n", auditDBPath)
	fmt.Printf("Version: %s\n", versionString)
	if len(entries) == 0 {
		fmt.Println("No recorded events.")
		return true
	}
	fmt.Println("Recent events:")
	for _, e := range entries {
		fmt.Printf("  [%d] game_id=%d %s %s\n", e.ID, e.GameID, e.Event, e.Detail)
	}
	return true
}
