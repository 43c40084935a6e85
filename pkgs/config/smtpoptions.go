package config

import (
	"time"

	"github.com/coreseekdev/smtpsubmit/pkgs/smtp"
)

// ToSMTPOptions converts a loaded ConnectionOptions into the
// pkgs/smtp.Options a Connection is constructed from.
func (o ConnectionOptions) ToSMTPOptions() smtp.Options {
	var timeout time.Duration
	if o.TimeoutMS > 0 {
		timeout = time.Duration(o.TimeoutMS) * time.Millisecond
	}
	return smtp.Options{
		Host:           o.Host,
		Port:           o.Port,
		SSL:            o.SSL,
		STARTTLS:       o.StartTLS,
		User:           o.Username,
		Password:       o.Password,
		Authentication: o.Authentication,
		Timeout:        timeout,
		Domain:         o.Domain,
	}
}
