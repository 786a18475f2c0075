package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/ReminderPipe/internal/models"
	"github.com/BTreeMap/ReminderPipe/internal/store"
)

// EmailOpts holds SMTP settings for the email channel.
type EmailOpts struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailOption configures an EmailSender.
type EmailOption func(*EmailOpts)

func WithSMTPHost(host string, port int) EmailOption {
	return func(o *EmailOpts) { o.Host, o.Port = host, port }
}

func WithSMTPAuth(username, password string) EmailOption {
	return func(o *EmailOpts) { o.Username, o.Password = username, password }
}

func WithSMTPFrom(from string) EmailOption {
	return func(o *EmailOpts) { o.From = from }
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailSender delivers reminders by SMTP.
type EmailSender struct {
	opts     EmailOpts
	contacts Contacts
	sendMail sendMailFunc
	now      func() time.Time
}

// NewEmailSender creates an SMTP sender resolving recipients through contacts.
func NewEmailSender(contacts Contacts, opts ...EmailOption) (*EmailSender, error) {
	cfg := EmailOpts{Port: 587}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("EmailSender config loaded", "host", cfg.Host, "port", cfg.Port, "auth_set", cfg.Username != "")
	if cfg.Host == "" {
		return nil, fmt.Errorf("smtp host must be provided")
	}
	if _, err := mail.ParseAddress(cfg.From); err != nil {
		return nil, fmt.Errorf("invalid smtp from address %q: %w", cfg.From, err)
	}
	return &EmailSender{
		opts:     cfg,
		contacts: contacts,
		sendMail: smtp.SendMail,
		now:      time.Now,
	}, nil
}

func (e *EmailSender) Send(ctx context.Context, r models.Reminder) error {
	to, err := e.recipient(ctx, r.Owner)
	if err != nil {
		return err
	}

	var auth smtp.Auth
	if e.opts.Username != "" {
		auth = smtp.PlainAuth("", e.opts.Username, e.opts.Password, e.opts.Host)
	}
	addr := net.JoinHostPort(e.opts.Host, strconv.Itoa(e.opts.Port))
	msg := e.buildMessage(to, r)

	err = RunWithContext(ctx, func() error {
		return e.sendMail(addr, auth, e.opts.From, []string{to}, msg)
	})
	if err != nil {
		slog.Error("EmailSender.Send failed", "id", r.ID, "to", to, "error", err)
		return classifySMTPError(fmt.Errorf("send email to %s: %w", to, err))
	}
	slog.Debug("EmailSender.Send: delivered", "id", r.ID, "to", to)
	return nil
}

func (e *EmailSender) recipient(ctx context.Context, owner string) (string, error) {
	c, err := e.contacts.LookupContact(ctx, owner)
	if errors.Is(err, store.ErrNotFound) {
		return "", Permanent(fmt.Errorf("%w: email for %s", ErrNoRecipient, owner))
	}
	if err != nil {
		return "", fmt.Errorf("lookup contact for %s: %w", owner, err)
	}
	if c.Email == "" {
		return "", Permanent(fmt.Errorf("%w: email for %s", ErrNoRecipient, owner))
	}
	addr, err := mail.ParseAddress(c.Email)
	if err != nil {
		return "", Permanent(fmt.Errorf("invalid email address %q: %w", c.Email, err))
	}
	return addr.Address, nil
}

func (e *EmailSender) buildMessage(to string, r models.Reminder) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.opts.From)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	b.WriteString("Subject: Reminder\r\n")
	fmt.Fprintf(&b, "Date: %s\r\n", e.now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(r.Message)
	b.WriteString("\r\n")
	return []byte(b.String())
}

// classifySMTPError marks 5xx replies as permanent. 4xx replies and network
// errors stay transient.
func classifySMTPError(err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code >= 500 {
		return Permanent(err)
	}
	return err
}
