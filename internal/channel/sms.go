package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/ReminderPipe/internal/models"
	"github.com/BTreeMap/ReminderPipe/internal/store"
)

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Twilio error codes for recipients that cannot receive SMS.
var permanentTwilioCodes = map[int]bool{
	21211: true, // invalid 'To' number
	21610: true, // recipient unsubscribed
	21612: true, // 'To' not reachable via this sender
	21614: true, // 'To' is not a mobile number
}

// SMSOpts holds Twilio settings for the sms channel.
type SMSOpts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// SMSOption configures an SMSSender.
type SMSOption func(*SMSOpts)

func WithAccountSID(sid string) SMSOption {
	return func(o *SMSOpts) { o.AccountSID = sid }
}

func WithAuthToken(token string) SMSOption {
	return func(o *SMSOpts) { o.AuthToken = token }
}

func WithFromNumber(from string) SMSOption {
	return func(o *SMSOpts) { o.FromNumber = from }
}

// messageCreator is the subset of the Twilio API used for sending.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// SMSSender delivers reminders as text messages through Twilio.
type SMSSender struct {
	api      messageCreator
	from     string
	contacts Contacts
}

// NewSMSSender creates a Twilio-backed sender.
func NewSMSSender(contacts Contacts, opts ...SMSOption) (*SMSSender, error) {
	var cfg SMSOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &SMSSender{api: client.Api, from: cfg.FromNumber, contacts: contacts}, nil
}

func (s *SMSSender) Send(ctx context.Context, r models.Reminder) error {
	to, err := s.recipient(ctx, r.Owner)
	if err != nil {
		return err
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.from)
	params.SetBody(r.Message)

	err = RunWithContext(ctx, func() error {
		_, err := s.api.CreateMessage(params)
		return err
	})
	if err != nil {
		slog.Error("SMSSender.Send failed", "id", r.ID, "to", to, "error", err)
		return classifyTwilioError(fmt.Errorf("send sms to %s: %w", to, err))
	}
	slog.Debug("SMSSender.Send: delivered", "id", r.ID, "to", to)
	return nil
}

func (s *SMSSender) recipient(ctx context.Context, owner string) (string, error) {
	c, err := s.contacts.LookupContact(ctx, owner)
	if errors.Is(err, store.ErrNotFound) {
		return "", Permanent(fmt.Errorf("%w: phone for %s", ErrNoRecipient, owner))
	}
	if err != nil {
		return "", fmt.Errorf("lookup contact for %s: %w", owner, err)
	}
	canonical, err := CanonicalizePhone(c.Phone)
	if err != nil {
		return "", Permanent(err)
	}
	return "+" + canonical, nil
}

// CanonicalizePhone strips every non-digit character from a phone number and
// requires at least 6 digits.
func CanonicalizePhone(phone string) (string, error) {
	if phone == "" {
		return "", fmt.Errorf("%w: empty phone number", ErrNoRecipient)
	}
	canonical := phoneNumberRegex.ReplaceAllString(phone, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in %q", phone)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	return canonical, nil
}

// classifyTwilioError marks rejected recipients as permanent. Rate limiting,
// server errors and network failures stay transient.
func classifyTwilioError(err error) error {
	var restErr *twilioclient.TwilioRestError
	if !errors.As(err, &restErr) {
		return err
	}
	if restErr.Status == 429 || restErr.Status >= 500 {
		return err
	}
	if permanentTwilioCodes[restErr.Code] {
		return Permanent(err)
	}
	return err
}
