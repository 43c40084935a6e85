package smtp

import (
	"encoding/base64"
	"errors"

	"github.com/emersion/go-sasl"
)

// authenticate picks the strongest mutually-supported SASL mechanism
// (spec.md §4.3's preference order CRAM-MD5 > LOGIN > PLAIN > XOAUTH2)
// and drives it to completion. It does not fall through to a weaker
// mechanism on failure — a rejected AUTH is terminal for the connect.
func (c *Connection) authenticate() error {
	c.setState(Authorizing)

	mech := c.selectMechanism()
	if mech == "" {
		return &AuthFailureError{Message: "no mutually supported authentication mechanism"}
	}

	client := newSASLClient(mech, c.opts.User, c.opts.Password)
	return c.runAuth(mech, client)
}

func (c *Connection) selectMechanism() string {
	for _, mech := range AllMechanisms {
		if !allowed(c.opts.Authentication, mech) {
			continue
		}
		if !c.caps.supports(mech) {
			continue
		}
		return mech
	}
	return ""
}

func allowed(allowlist []string, mech string) bool {
	for _, m := range allowlist {
		if m == mech {
			return true
		}
	}
	return false
}

func newSASLClient(mech, user, password string) sasl.Client {
	switch mech {
	case "PLAIN":
		return sasl.NewPlainClient("", user, password)
	case "LOGIN":
		return sasl.NewLoginClient(user, password)
	case "CRAM-MD5":
		return sasl.NewCramMD5Client(user, password)
	case "XOAUTH2":
		return sasl.NewXoauth2Client(user, password)
	default:
		return nil
	}
}

// runAuth drives the generic AUTH command loop: send the mechanism name
// (plus an initial response when the mechanism provides one), then feed
// each 334 challenge through client.Next until the server answers 235 or
// 535.
func (c *Connection) runAuth(mech string, client sasl.Client) error {
	_, ir, err := client.Start()
	if err != nil {
		return &AuthFailureError{Mechanism: mech, Message: err.Error()}
	}

	cmd := "AUTH " + mech
	if ir != nil {
		cmd += " " + base64.StdEncoding.EncodeToString(ir)
	}

	rep, cmdErr := c.command(cmd, []int{235, 334, 535})
	for {
		if cmdErr != nil {
			return c.authError(mech, cmdErr)
		}
		switch rep.Code {
		case 235:
			return nil
		case 535:
			return &AuthFailureError{Mechanism: mech, Code: rep.Code, Message: rep.Message}
		case 334:
			if mech == "XOAUTH2" {
				// The 334 payload is a JSON error blob; RFC 7628 says the
				// client must answer with an empty continuation and let
				// the server's subsequent reply carry the real failure.
				rep, cmdErr = c.command("", []int{235, 334, 535})
				continue
			}
			challenge, _ := base64.StdEncoding.DecodeString(rep.Message)
			resp, nerr := client.Next(challenge)
			if nerr != nil {
				return &AuthFailureError{Mechanism: mech, Message: nerr.Error()}
			}
			rep, cmdErr = c.command(base64.StdEncoding.EncodeToString(resp), []int{235, 334, 535})
		default:
			return &AuthFailureError{Mechanism: mech, Code: rep.Code, Message: rep.Message}
		}
	}
}

func (c *Connection) authError(mech string, err error) error {
	var pe *ProtocolReplyError
	if errors.As(err, &pe) {
		return &AuthFailureError{Mechanism: mech, Code: pe.Code, Message: pe.Message}
	}
	return err
}
