package fetcher

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"digestd/internal/model"
)

const (
	markerDate     = "2006-01-02"
	maxMailBody    = 256 * 1024
	defaultMailbox = "INBOX"
)

// Message is one mail fetched from a mailbox.
type Message struct {
	ID      string
	Subject string
	From    string
	Date    time.Time
	Body    string
}

// Mailbox is an authenticated session on a mail server.
type Mailbox interface {
	Messages(ctx context.Context, folder string, since time.Time) ([]Message, error)
	Close() error
}

// MailDialer opens a Mailbox session.
type MailDialer func(ctx context.Context) (Mailbox, error)

// MailboxFetcher reads recent mail from a folder. Endpoint is the folder
// name, INBOX when empty.
type MailboxFetcher struct {
	dial MailDialer
	now  func() time.Time
}

// NewMailboxFetcher creates a MailboxFetcher using dial for each fetch.
func NewMailboxFetcher(dial MailDialer) *MailboxFetcher {
	return &MailboxFetcher{dial: dial, now: time.Now}
}

// Fetch searches for messages received on or after the marker date. IMAP
// search is day-granular, so the overlap is left to the dedup history.
func (m *MailboxFetcher) Fetch(ctx context.Context, src model.Source, since string) ([]model.Item, string, error) {
	folder := strings.TrimSpace(src.Endpoint)
	if folder == "" {
		folder = defaultMailbox
	}
	today := m.now().UTC()
	from := today.AddDate(0, 0, -7)
	if t, err := time.Parse(markerDate, since); err == nil {
		from = t
	}

	box, err := m.dial(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("open mailbox: %w", err)
	}
	defer func() { _ = box.Close() }()

	msgs, err := box.Messages(ctx, folder, from)
	if err != nil {
		return nil, "", fmt.Errorf("search %s: %w", folder, err)
	}

	items := make([]model.Item, 0, len(msgs))
	for _, msg := range msgs {
		id := msg.ID
		if id == "" {
			id = hashID(msg.From, msg.Subject, msg.Date.String())
		}
		items = append(items, model.Item{
			ID:          id,
			SourceID:    src.ID,
			Title:       msg.Subject,
			Content:     htmlText(msg.Body),
			Author:      msg.From,
			PublishedAt: msg.Date.UTC(),
		})
	}
	return items, today.Format(markerDate), nil
}

// IMAPDialer returns a MailDialer connecting over TLS to addr.
func IMAPDialer(addr, user, password string) MailDialer {
	return func(ctx context.Context) (Mailbox, error) {
		c, err := client.DialTLS(addr, nil)
		if err != nil {
			return nil, fmt.Errorf("dial imap: %w", err)
		}
		if err := c.Login(user, password); err != nil {
			_ = c.Logout()
			return nil, fmt.Errorf("imap login: %w", err)
		}
		return &imapMailbox{c: c}, nil
	}
}

type imapMailbox struct {
	c *client.Client
}

func (b *imapMailbox) Messages(ctx context.Context, folder string, since time.Time) ([]Message, error) {
	stop := context.AfterFunc(ctx, func() { _ = b.c.Terminate() })
	defer stop()

	if _, err := b.c.Select(folder, true); err != nil {
		return nil, fmt.Errorf("select: %w", err)
	}
	criteria := imap.NewSearchCriteria()
	criteria.Since = since
	ids, err := b.c.Search(criteria)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)
	section := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Specifier: imap.TextSpecifier},
		Peek:         true,
	}
	ch := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- b.c.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}, ch)
	}()

	var out []Message
	for msg := range ch {
		if msg.Envelope == nil {
			continue
		}
		m := Message{
			ID:      msg.Envelope.MessageId,
			Subject: msg.Envelope.Subject,
			Date:    msg.Envelope.Date,
		}
		if len(msg.Envelope.From) > 0 {
			m.From = msg.Envelope.From[0].Address()
		}
		if body := msg.GetBody(section); body != nil {
			raw, err := io.ReadAll(io.LimitReader(body, maxMailBody))
			if err == nil {
				m.Body = string(raw)
			}
		}
		out = append(out, m)
	}
	if err := <-done; err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("fetch: %w", err)
	}
	return out, nil
}

func (b *imapMailbox) Close() error {
	return b.c.Logout()
}
