package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/coreseekdev/smtpsubmit/pkgs/deliverylog"
)

// handleLog dispatches the "log" command's subcommands: ls, mark, status.
// It exercises the delivery log's read path (List/Mark/Status, the
// per-message-id marker) the way emx-event drives pkgs/event in the
// teacher repo.
func handleLog(args []string) error {
	lg, err := deliverylog.DefaultLog()
	if err != nil {
		return fmt.Errorf("open delivery log: %w", err)
	}

	if len(args) == 0 {
		printLogUsage()
		return nil
	}

	sub := args[0]
	args = args[1:]

	switch sub {
	case "ls", "list":
		return cmdLogList(lg, args)
	case "mark":
		return cmdLogMark(lg, args)
	case "status":
		return cmdLogStatus(lg, args)
	case "-h", "--help", "help":
		printLogUsage()
		return nil
	default:
		return fmt.Errorf("unknown log subcommand: %s", sub)
	}
}

func printLogUsage() {
	fmt.Println(`Usage: smtpsend log <subcommand> [options]

Subcommands:
  ls      List delivery events since a channel's marker (default: since each marked channel's marker)
  mark    Update a channel's consumption position
  status  Show delivery log file status and registered channel markers

Examples:
  smtpsend log ls -channel '<abc@example.com>'
  smtpsend log mark -channel '<abc@example.com>' events.001-a1b2c3d4.jsonl.gz:2048
  smtpsend log status`)
}

func cmdLogList(lg *deliverylog.Log, args []string) error {
	var channel string
	limit := 0

	for len(args) > 0 {
		switch args[0] {
		case "-channel", "-c":
			if len(args) < 2 {
				return fmt.Errorf("missing -channel argument value")
			}
			channel = args[1]
			args = args[2:]
		case "-limit", "-n":
			if len(args) < 2 {
				return fmt.Errorf("missing -limit argument value")
			}
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid limit: %s", args[1])
			}
			limit = n
			args = args[2:]
		default:
			return fmt.Errorf("unknown option: %s", args[0])
		}
	}

	channels := []string{channel}
	if channel == "" {
		cs, err := lg.ListChannels()
		if err != nil {
			return err
		}
		if len(cs) == 0 {
			fmt.Println("no channels with markers yet; pass -channel to list from the earliest file")
			return nil
		}
		channels = cs
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Channel\tTime\tType\tFields\tPosition\n")
	fmt.Fprintf(tw, "----\t----\t----\t----\t----\n")

	var lastByChannel = map[string]deliverylog.Position{}
	for _, ch := range channels {
		entries, err := lg.List(ch, limit)
		if err != nil {
			return fmt.Errorf("list %s: %w", ch, err)
		}
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%s\n",
				ch, e.Timestamp.Format("15:04:05"), e.Type, e.Fields,
				(deliverylog.Position{File: e.File, Offset: e.Offset}).String())
		}
		if len(entries) > 0 {
			last := entries[len(entries)-1]
			lastByChannel[ch] = deliverylog.Position{File: last.File, Offset: last.Offset}
		}
	}
	tw.Flush()

	for ch, pos := range lastByChannel {
		fmt.Printf("\nsmtpsend log mark -channel %q %s\n", ch, pos.String())
	}
	if len(lastByChannel) == 0 {
		fmt.Println("no new events")
	}
	return nil
}

func cmdLogMark(lg *deliverylog.Log, args []string) error {
	var channel, posStr string

	for len(args) > 0 {
		switch args[0] {
		case "-channel", "-c":
			if len(args) < 2 {
				return fmt.Errorf("missing -channel argument value")
			}
			channel = args[1]
			args = args[2:]
		default:
			if strings.HasPrefix(args[0], "-") {
				return fmt.Errorf("unknown option: %s", args[0])
			}
			posStr = args[0]
			args = args[1:]
		}
	}

	if channel == "" {
		return fmt.Errorf("-channel is required")
	}
	if posStr == "" {
		return fmt.Errorf("position is required (format: file:offset)")
	}

	pos, err := deliverylog.ParsePosition(posStr)
	if err != nil {
		return err
	}
	if err := lg.Mark(channel, pos); err != nil {
		return err
	}

	fmt.Printf("Marker updated: %s -> %s\n", channel, pos.String())
	return nil
}

func cmdLogStatus(lg *deliverylog.Log, args []string) error {
	var name string
	if len(args) > 0 {
		name = args[0]
	}

	st, err := lg.Status(name)
	if err != nil {
		return err
	}

	fmt.Printf("File:         %s", st.Name)
	if st.IsLatest {
		fmt.Printf(" (latest)")
	}
	fmt.Println()
	fmt.Printf("Compressed:   %d bytes\n", st.CompressedSize)
	fmt.Printf("Uncompressed: %d bytes\n", st.UncompressedSize)
	fmt.Printf("Lines:        %d\n", st.LineCount)
	if st.FirstLineHash != "" {
		fmt.Printf("First hash:   %s\n", st.FirstLineHash)
	}

	channels, err := lg.ListChannels()
	if err == nil && len(channels) > 0 {
		fmt.Println()
		fmt.Println("Channel markers:")
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "  Channel\tFile\tOffset\tUpdated\n")
		for _, ch := range channels {
			m, err := lg.LoadMarker(ch)
			if err != nil {
				continue
			}
			fmt.Fprintf(tw, "  %s\t%s\t%d\t%s\n", ch, m.File, m.Offset, m.UpdatedAt.Format("01-02 15:04:05"))
		}
		tw.Flush()
	}

	files, err := lg.ListFiles()
	if err == nil && len(files) > 1 {
		fmt.Println()
		fmt.Printf("All files (%d):\n", len(files))
		for _, f := range files {
			marker := ""
			if f == st.Name && st.IsLatest {
				marker = " <- latest"
			}
			fmt.Printf("  %s%s\n", f, marker)
		}
	}

	return nil
}
