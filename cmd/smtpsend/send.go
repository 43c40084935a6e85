package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/coreseekdev/smtpsubmit/pkgs/client"
	"github.com/coreseekdev/smtpsubmit/pkgs/config"
	"github.com/coreseekdev/smtpsubmit/pkgs/deliverylog"
	"github.com/coreseekdev/smtpsubmit/pkgs/message"
	flag "github.com/spf13/pflag"
)

type sendFlags struct {
	to, cc, bcc, subject, text, html, inReplyTo string
	textFile, htmlFile                          string
	attachments                                 []string
	dryRun                                      bool
}

func parseSendFlags(args []string) sendFlags {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	var f sendFlags
	fs.StringVar(&f.to, "to", "", "Recipients (comma-separated)")
	fs.StringVar(&f.cc, "cc", "", "CC recipients (comma-separated)")
	fs.StringVar(&f.bcc, "bcc", "", "BCC recipients (comma-separated)")
	fs.StringVar(&f.subject, "subject", "", "Email subject")
	fs.StringVar(&f.text, "text", "", "Plain text body")
	fs.StringVar(&f.html, "html", "", "HTML body")
	fs.StringVar(&f.textFile, "text-file", "", "Plain text body from file (\"-\" for stdin)")
	fs.StringVar(&f.htmlFile, "html-file", "", "HTML body from file (\"-\" for stdin)")
	fs.StringArrayVar(&f.attachments, "attachment", nil, "Attachment file path (repeatable)")
	fs.StringVar(&f.inReplyTo, "in-reply-to", "", "Message-ID to reply to")
	fs.BoolVar(&f.dryRun, "dry-run", false, "Preview email without sending")
	if err := fs.Parse(args); err != nil {
		fatal("send: %v", err)
	}
	return f
}

func readBodySource(path string) (string, error) {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func handleSend(acc *config.AccountConfig, f sendFlags, verbose bool) error {
	if f.to == "" {
		return fmt.Errorf("--to is required")
	}
	if f.subject == "" {
		return fmt.Errorf("--subject is required")
	}

	textBody := f.text
	if f.textFile != "" {
		body, err := readBodySource(f.textFile)
		if err != nil {
			return fmt.Errorf("--text-file: %w", err)
		}
		textBody = body
	}

	htmlBody := f.html
	if f.htmlFile != "" {
		body, err := readBodySource(f.htmlFile)
		if err != nil {
			return fmt.Errorf("--html-file: %w", err)
		}
		htmlBody = body
	}

	if textBody == "" && htmlBody == "" {
		return fmt.Errorf("--text, --text-file, --html, or --html-file is required")
	}

	from := acc.Email
	if acc.FromName != "" {
		from = fmt.Sprintf("%s <%s>", acc.FromName, acc.Email)
	}

	m := &message.Message{
		From:        from,
		To:          []string{f.to},
		Subject:     f.subject,
		Text:        textBody,
		Alternative: htmlBody,
	}
	if f.cc != "" {
		m.Cc = []string{f.cc}
	}
	if f.bcc != "" {
		m.Bcc = []string{f.bcc}
	}
	if f.inReplyTo != "" {
		m.Extra = append(m.Extra, message.ExtraHeader{Name: "In-Reply-To", Value: f.inReplyTo})
	}
	for _, att := range f.attachments {
		m.Attachments = append(m.Attachments, message.Attachment{
			Type: "application/octet-stream",
			Name: filepath.Base(att),
			Path: att,
		})
	}

	if f.dryRun {
		previewSend(acc, m, f)
		return nil
	}

	cl, err := client.New(acc.SMTP.ToSMTPOptions())
	if err != nil {
		return err
	}
	if lg, err := deliverylog.DefaultLog(); err == nil {
		cl = cl.WithEvents(lg)
	} else if verbose {
		fmt.Fprintf(os.Stderr, "warning: delivery log disabled: %v\n", err)
	}
	defer cl.Close(false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := cl.SendContext(ctx, m); err != nil {
		return err
	}

	fmt.Println("Email sent successfully")
	return nil
}

func previewSend(acc *config.AccountConfig, m *message.Message, f sendFlags) {
	fmt.Println("=== Email Preview (Dry-Run Mode) ===")
	fmt.Println()
	fmt.Printf("From:    %s\n", m.From)
	fmt.Printf("To:      %s\n", formatAddressList(f.to))
	if f.cc != "" {
		fmt.Printf("Cc:      %s\n", formatAddressList(f.cc))
	}
	if f.bcc != "" {
		fmt.Printf("Bcc:     %s\n", formatAddressList(f.bcc))
	}
	fmt.Printf("Subject: %s\n", m.Subject)
	if m.Extra != nil {
		for _, h := range m.Extra {
			fmt.Printf("%s: %s\n", h.Name, h.Value)
		}
	}
	fmt.Println()
	if len(m.Attachments) > 0 {
		fmt.Println("Attachments:")
		for _, att := range m.Attachments {
			fmt.Printf("  - %s\n", att.Name)
		}
		fmt.Println()
	}
	if m.Text != "" {
		fmt.Println("Text Body:")
		fmt.Println(truncate(m.Text, 500))
		fmt.Println()
	}
	if m.Alternative != "" {
		fmt.Println("HTML Body preview:")
		fmt.Println(truncate(m.Alternative, 500))
		fmt.Println()
	}
	fmt.Println("=== End of Preview ===")
	fmt.Println("Dry-run mode: email was NOT sent")
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
