package mail

import (
	"fmt"
	"net/smtp"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/Patronage/internal/pkg/env"
)

// SendMail sends an HTML email via SMTP
func SendMail(to string, subject string, body string) error {
	host := env.GetEnv("SMTP_HOST", "")
	port := env.GetEnv("SMTP_PORT", "25")
	username := env.GetEnv("SMTP_USERNAME", "")
	password := env.GetEnv("SMTP_PASSWORD", "")

	if host == "" {
		return fmt.Errorf("SMTP_HOST not set, cannot send %q to %s", subject, to)
	}

	var auth smtp.Auth
	if username != "" && password != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}

	sender := senderAddress()
	addr := fmt.Sprintf("%s:%s", host, port)

	err := smtp.SendMail(addr, auth, sender, []string{to}, buildMessage(sender, to, subject, body))
	if err != nil {
		log.Errorf("[Mail] SMTP send to %s failed: %v", to, err)
	} else {
		log.Infof("[Mail] Email %q sent to %s via %s", subject, to, addr)
	}
	return err
}

func senderAddress() string {
	if sender := env.GetEnv("SMTP_SENDER", ""); sender != "" {
		return sender
	}
	domain := env.GetEnv("PUBLIC_DOMAIN", "localhost")
	domain = strings.TrimPrefix(strings.TrimPrefix(domain, "https://"), "http://")
	return fmt.Sprintf("no-reply@%s", strings.TrimRight(domain, "/"))
}

func buildMessage(sender, to, subject, body string) []byte {
	// Header injection guard: subjects are built from user-visible data.
	subject = strings.NewReplacer("\r", " ", "\n", " ").Replace(subject)
	return []byte(
		fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n", sender, to, subject) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/html; charset=UTF-8\r\n\r\n" +
			body,
	)
}
