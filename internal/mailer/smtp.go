package mailer

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"time"
)

// SMTPConfig describes the outbound mail relay.
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	// TLS selects implicit TLS (true) or STARTTLS (false).
	TLS  bool
	From string
	// ReplyTo is optional; when set it is added to composed messages.
	ReplyTo string
}

const smtpDialTimeout = 30 * time.Second

// sendSMTP delivers a fully composed message to the given envelope
// recipients. The message headers stay untouched; recipients appear only in
// the envelope.
func sendSMTP(cfg SMTPConfig, recipients []string, msg []byte) error {
	addr := cfg.Host + ":" + cfg.Port

	var client *smtp.Client
	var err error
	if cfg.TLS {
		client, err = dialTLS(addr, cfg.Host)
	} else {
		client, err = dialStartTLS(addr, cfg.Host)
	}
	if err != nil {
		return err
	}
	defer client.Close()

	if cfg.Username != "" {
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP auth: %w", err)
		}
	}

	if err := client.Mail(cfg.From); err != nil {
		return fmt.Errorf("SMTP MAIL FROM: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("SMTP RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("SMTP DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("SMTP write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("SMTP close body: %w", err)
	}
	return client.Quit()
}

// dialTLS connects over an implicit TLS connection.
func dialTLS(addr, host string) (*smtp.Client, error) {
	tlsConfig := &tls.Config{ServerName: host}
	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("TLS dial to %s: %w", addr, err)
	}
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating SMTP client: %w", err)
	}
	return client, nil
}

// dialStartTLS connects in the clear and upgrades with STARTTLS.
func dialStartTLS(addr, host string) (*smtp.Client, error) {
	conn, err := net.DialTimeout("tcp", addr, smtpDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial to %s: %w", addr, err)
	}
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating SMTP client: %w", err)
	}
	tlsConfig := &tls.Config{ServerName: host}
	if err := client.StartTLS(tlsConfig); err != nil {
		client.Close()
		return nil, fmt.Errorf("SMTP STARTTLS: %w", err)
	}
	return client, nil
}
