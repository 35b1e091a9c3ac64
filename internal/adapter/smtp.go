package adapter

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tonimelisma/mail-sub002/pkg/types"
)

// sendMessage delivers a queued outbox item over SMTP. Sending is the one
// mutation that goes out through SMTP rather than IMAP; everything else
// about it (durable queue, retry, idempotency bookkeeping) is handled by
// the caller like any other mutation.
func (a *IMAPAdapter) sendMessage(ctx context.Context, account *types.Account, payload string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var msg SendPayload
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return fmt.Errorf("%w: malformed send payload: %v", ErrInvalidRequest, err)
	}
	if len(msg.To) == 0 {
		return fmt.Errorf("%w: send requires at least one recipient", ErrInvalidRequest)
	}

	accCfg, err := a.cfg.GetAccountByName(account.Name)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, account.Name)
	}
	password, err := a.creds.ValidToken(ctx, account.ID)
	if err != nil {
		return err
	}

	raw := buildMessage(accCfg.SMTPUsername, &msg)
	recipients := append(append(append([]string{}, msg.To...), msg.Cc...), msg.Bcc...)
	addr := fmt.Sprintf("%s:%d", accCfg.SMTPHost, accCfg.SMTPPort)
	auth := smtp.PlainAuth("", accCfg.SMTPUsername, password, accCfg.SMTPHost)

	// Port 465 is implicit TLS; everything else negotiates STARTTLS.
	if accCfg.SMTPPort == 465 {
		err = sendTLS(addr, accCfg.SMTPHost, auth, accCfg.SMTPUsername, recipients, raw)
	} else {
		err = smtp.SendMail(addr, auth, accCfg.SMTPUsername, recipients, raw)
	}
	if err != nil {
		if strings.Contains(err.Error(), "535") || strings.Contains(strings.ToLower(err.Error()), "auth") {
			return fmt.Errorf("smtp auth: %w", ErrNeedsReauth)
		}
		return fmt.Errorf("failed to send message: %w", err)
	}

	a.logger.WithFields(logrus.Fields{
		"account":    account.Name,
		"recipients": len(recipients),
	}).Info("Sent message")
	return nil
}

// sendTLS sends over an implicit-TLS connection (legacy port 465)
func sendTLS(addr, host string, auth smtp.Auth, from string, to []string, raw []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer conn.Close()

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer c.Close()

	if err := c.Auth(auth); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("failed to set recipient: %w", err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("failed to open data writer: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}
	return c.Quit()
}

// buildMessage assembles a simple RFC822 message from the send payload
func buildMessage(from string, msg *SendPayload) []byte {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("From: %s\r\n", from))
	b.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(msg.To, ", ")))
	if len(msg.Cc) > 0 {
		b.WriteString(fmt.Sprintf("Cc: %s\r\n", strings.Join(msg.Cc, ", ")))
	}
	b.WriteString(fmt.Sprintf("Subject: %s\r\n", msg.Subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	if msg.HTML != "" {
		b.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
		b.WriteString(msg.HTML)
	} else {
		b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		b.WriteString(msg.Text)
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}
