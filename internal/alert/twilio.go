package alert

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Opts holds configuration options for the Twilio SMS sender.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	Timeout    time.Duration
}

// Option defines a configuration option for the Twilio SMS sender.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the E.164 sender number.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// WithTimeout bounds each Twilio HTTP request.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// DefaultTwilioTimeout bounds each Twilio HTTP request when no timeout is set.
const DefaultTwilioTimeout = 10 * time.Second

// TwilioSender sends operator alerts as SMS through the Twilio REST API.
type TwilioSender struct {
	client *twilio.RestClient
	from   string
}

// NewTwilioSender builds a sender from options, falling back to the
// TWILIO_* environment variables for anything unset.
func NewTwilioSender(opts ...Option) (*TwilioSender, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("TwilioSender config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTwilioTimeout
	}
	client.SetTimeout(cfg.Timeout)
	return &TwilioSender{client: client, from: cfg.FromNumber}, nil
}

// Send delivers one SMS. The Twilio client takes no context, so Send
// returns when ctx is done and leaves the request to its HTTP timeout.
func (s *TwilioSender) Send(ctx context.Context, to string, body string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to send alert to %s: %w", to, err)
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.from)
	params.SetBody(body)

	done := make(chan error, 1)
	go func() {
		_, err := s.client.Api.CreateMessage(params)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			slog.Error("TwilioSender.Send failed", "to", to, "error", err)
			return fmt.Errorf("failed to send alert to %s: %w", to, err)
		}
	case <-ctx.Done():
		slog.Warn("TwilioSender.Send: gave up waiting", "to", to, "error", ctx.Err())
		return fmt.Errorf("failed to send alert to %s: %w", to, ctx.Err())
	}
	slog.Debug("TwilioSender.Send: alert sent", "to", to)
	return nil
}
