// Command smtpsend is a minimal CLI front end over pkgs/client: compose
// a message from flags (or a dry-run preview of one) and submit it
// through a configured account.
package main

import (
	"fmt"
	"os"

	"github.com/coreseekdev/smtpsubmit/pkgs/config"
)

const version = "1.0.0"

// app holds global options parsed from the command line.
type app struct {
	account string
	verbose bool
}

func main() {
	a := &app{}
	args := os.Args[1:]

	for len(args) > 0 {
		switch args[0] {
		case "-account":
			if len(args) < 2 {
				fatal("-account requires a value")
			}
			a.account = args[1]
			args = args[2:]
		case "-v", "--verbose":
			a.verbose = true
			args = args[1:]
		case "-version", "--version":
			fmt.Printf("smtpsend v%s\n", version)
			os.Exit(0)
		case "-h", "--help", "help":
			printUsage()
			os.Exit(0)
		default:
			goto dispatch
		}
	}

dispatch:
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cmd := args[0]
	cmdArgs := args[1:]

	if cmd == "init" {
		if err := handleInit(); err != nil {
			fatal("init: %v", err)
		}
		return
	}

	if cmd == "log" {
		if err := handleLog(cmdArgs); err != nil {
			fatal("log: %v", err)
		}
		return
	}

	acc := a.loadAccount()

	switch cmd {
	case "send":
		opts := parseSendFlags(cmdArgs)
		if err := handleSend(acc, opts, a.verbose); err != nil {
			fatal("send: %v", err)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`smtpsend — submit email through a configured SMTP account

Usage:
  smtpsend [-account NAME] [-v] <command> [flags]

Commands:
  send        Compose and send a message
  log         Inspect the delivery log (ls, mark, status)
  init        Print an example configuration file

Global flags:
  -account NAME   Select a non-default account
  -v, --verbose   Verbose diagnostic logging
  -version        Print the version
  -h, --help      Show this help`)
}

func handleInit() error {
	root := config.ExampleRootConfig()
	data, err := prettyJSON(root)
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	fmt.Fprintln(os.Stderr, "\nSave the above to the file named by EMX_MAIL_CONFIG_JSON, or configure emx-config.")
	return nil
}
