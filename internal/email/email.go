// Package email sends plain-text notifications over SMTP. It backs both
// the HTTP signup flow and the KindEmail job handler's delivery path.
package email

import (
	"fmt"
	"net/smtp"
)

type SMTPConfig struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

func SendText(cfg SMTPConfig, to, subject, body string) error {
	if cfg.Host == "" {
		// No SMTP configured; treat as a no-op rather than failing the caller.
		return nil
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	auth := smtp.PlainAuth("", cfg.User, cfg.Pass, cfg.Host)
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s", cfg.From, to, subject, body)
	return smtp.SendMail(addr, auth, cfg.From, []string{to}, []byte(msg))
}
