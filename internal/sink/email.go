package sink

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"digestd/internal/model"
)

// SendMailFunc matches smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Email mails a run's digests as one markdown message.
type Email struct {
	addr string
	auth smtp.Auth
	from string
	to   []string
	send SendMailFunc
	now  func() time.Time
}

// NewEmail creates an Email sink. Authentication is skipped when user is empty.
func NewEmail(addr, user, password, from string, to []string) *Email {
	var auth smtp.Auth
	if user != "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		auth = smtp.PlainAuth("", user, password, host)
	}
	return &Email{addr: addr, auth: auth, from: from, to: to, send: smtp.SendMail, now: time.Now}
}

// Deliver implements Sink.
func (e *Email) Deliver(ctx context.Context, feed model.Feed, digests []model.Digest) error {
	if len(e.to) == 0 {
		return fmt.Errorf("email sink has no recipients")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(e.to, ", "))
	fmt.Fprintf(&b, "Subject: %s: %d new digest(s)\r\n", feed.Name, len(digests))
	fmt.Fprintf(&b, "Date: %s\r\n", e.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/markdown; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(Markdown(feed, digests), "\n", "\r\n"))

	if err := e.send(e.addr, e.auth, e.from, e.to, []byte(b.String())); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}
