package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/nova/internal/daemon"
	"github.com/matheus3301/nova/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "status":
		cmdStatus(profileName, *jsonFlag)
	case "paths":
		cmdPaths(profileName, *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: novactl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status           Show daemon, session and channel health")
	fmt.Fprintln(os.Stderr, "  paths            Show the profile's files")
}

func cmdStatus(profileName string, jsonOut bool) {
	c, err := daemon.Dial(profile.SocketPath(profileName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for profile %q: %v\n", profileName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := c.Status(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(struct {
			Profile string `json:"profile"`
			daemon.Status
		}{profileName, st})
		return
	}
	fmt.Printf("Profile: %s\n", profileName)
	fmt.Printf("Daemon:  %s\n", st.Daemon)
	fmt.Printf("Session: %s\n", st.Session)
	fmt.Printf("Channel: %s\n", st.Channel)
}

func cmdPaths(profileName string, jsonOut bool) {
	paths := map[string]string{
		"dir":    profile.Dir(profileName),
		"socket": profile.SocketPath(profileName),
		"lock":   profile.LockPath(profileName),
		"log":    profile.LogPath(profileName),
		"db":     profile.DevDBPath(profileName),
		"config": profile.ConfigPath(),
	}
	if jsonOut {
		outputJSON(paths)
		return
	}
	for _, k := range []string{"dir", "socket", "lock", "log", "db", "config"} {
		fmt.Printf("%-7s %s\n", k+":", paths[k])
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
