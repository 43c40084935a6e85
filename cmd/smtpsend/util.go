package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/coreseekdev/smtpsubmit/pkgs/address"
	"github.com/coreseekdev/smtpsubmit/pkgs/config"
)

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func (a *app) loadAccount() *config.AccountConfig {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
		fmt.Fprintf(os.Stderr, "Run 'smtpsend init' to print an example configuration\n")
		os.Exit(1)
	}
	acc, err := cfg.GetAccount(a.account)
	if err != nil {
		fatal("%v", err)
	}
	return acc
}

// formatAddressList renders a raw address-list field for the dry-run
// preview, falling back to the raw string if nothing parses.
func formatAddressList(raw string) string {
	entries := address.ParseList(raw)
	if len(entries) == 0 {
		return raw
	}
	parts := make([]string, len(entries))
	for i, e := range entries {
		if e.Name != "" {
			parts[i] = fmt.Sprintf("%s <%s>", e.Name, e.Address)
		} else {
			parts[i] = e.Address
		}
	}
	return strings.Join(parts, ", ")
}

func prettyJSON(v interface{}) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}
