package main

import (
	"flag"
	"fmt"
	"os"

	"grimm.is/warden/cmd"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		startFlags := flag.NewFlagSet("start", flag.ExitOnError)
		configFile := startFlags.String("config", cmd.DefaultConfigPath, "Configuration file")
		startFlags.StringVar(configFile, "c", cmd.DefaultConfigPath, "Configuration file (short)")
		startFlags.Parse(os.Args[2:])

		if err := cmd.RunStart(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Start failed: %v\n", err)
			os.Exit(1)
		}

	case "adduser":
		userFlags := flag.NewFlagSet("adduser", flag.ExitOnError)
		configFile := userFlags.String("config", cmd.DefaultConfigPath, "Configuration file")
		email := userFlags.String("email", "", "Account email (required)")
		password := userFlags.String("password", "", "Password (prompted when omitted)")
		name := userFlags.String("name", "", "Full name")
		admin := userFlags.Bool("admin", false, "Grant the admin role")
		confirmed := userFlags.Bool("confirmed", false, "Skip email confirmation")
		userFlags.Parse(os.Args[2:])

		if *email == "" {
			fmt.Fprintln(os.Stderr, "adduser: -email is required")
			os.Exit(1)
		}
		if err := cmd.RunAddUser(*configFile, *email, *password, *name, *admin, *confirmed); err != nil {
			fmt.Fprintf(os.Stderr, "Add user failed: %v\n", err)
			os.Exit(1)
		}

	case "confirm":
		confirmFlags := flag.NewFlagSet("confirm", flag.ExitOnError)
		configFile := confirmFlags.String("config", cmd.DefaultConfigPath, "Configuration file")
		confirmFlags.Parse(os.Args[2:])

		if confirmFlags.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "usage: warden confirm [flags] <email>")
			os.Exit(1)
		}
		if err := cmd.RunConfirm(*configFile, confirmFlags.Arg(0)); err != nil {
			fmt.Fprintf(os.Stderr, "Confirm failed: %v\n", err)
			os.Exit(1)
		}

	case "unblock":
		unblockFlags := flag.NewFlagSet("unblock", flag.ExitOnError)
		configFile := unblockFlags.String("config", cmd.DefaultConfigPath, "Configuration file")
		unblockFlags.Parse(os.Args[2:])

		if unblockFlags.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "usage: warden unblock [flags] <address>")
			os.Exit(1)
		}
		if err := cmd.RunUnblock(*configFile, unblockFlags.Arg(0)); err != nil {
			fmt.Fprintf(os.Stderr, "Unblock failed: %v\n", err)
			os.Exit(1)
		}

	case "flush":
		flushFlags := flag.NewFlagSet("flush", flag.ExitOnError)
		configFile := flushFlags.String("config", cmd.DefaultConfigPath, "Configuration file")
		flushFlags.Parse(os.Args[2:])

		if flushFlags.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "usage: warden flush [flags] <chain>")
			os.Exit(1)
		}
		if err := cmd.RunFlush(*configFile, flushFlags.Arg(0)); err != nil {
			fmt.Fprintf(os.Stderr, "Flush failed: %v\n", err)
			os.Exit(1)
		}

	case "sync":
		syncFlags := flag.NewFlagSet("sync", flag.ExitOnError)
		configFile := syncFlags.String("config", cmd.DefaultConfigPath, "Configuration file")
		syncFlags.Parse(os.Args[2:])

		if err := cmd.RunSync(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Sync failed: %v\n", err)
			os.Exit(1)
		}

	case "status":
		statusFlags := flag.NewFlagSet("status", flag.ExitOnError)
		configFile := statusFlags.String("config", cmd.DefaultConfigPath, "Configuration file")
		events := statusFlags.Int("events", 10, "Number of recent audit events to show (0 to hide)")
		statusFlags.Parse(os.Args[2:])

		if err := cmd.RunStatus(*configFile, *events); err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		checkFlags.Parse(os.Args[2:])

		configFile := ""
		if checkFlags.NArg() > 0 {
			configFile = checkFlags.Arg(0)
		}
		if err := cmd.RunCheck(configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Check failed: %v\n", err)
			os.Exit(1)
		}

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `warden - session-driven host firewall access

Usage:
  warden start [-config FILE]            Run the access daemon
  warden adduser -email EMAIL [flags]    Create an account
  warden confirm [flags] EMAIL           Confirm an account's email
  warden unblock [flags] ADDRESS         Reverse a blacklist promotion
  warden flush [flags] CHAIN             Empty a managed chain
  warden sync [-config FILE]             Run one reconciliation pass now
  warden status [-config FILE]           Show sessions, rules and events
  warden check [FILE]                    Validate a configuration file
`)
}
