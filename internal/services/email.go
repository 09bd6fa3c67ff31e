package services

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/kiraclass/kira-backend/internal/logger"
	"github.com/kiraclass/kira-backend/internal/utils"
)

// EmailClient delivers one transactional email. The SendGrid implementation
// shares the provider retry policy: transport trouble and 429/5xx are
// retried with capped backoff, anything else fails fast.
type EmailClient interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

type sendgridClient struct {
	log       *logger.Logger
	client    *providerClient
	fromEmail string
	fromName  string
}

func NewSendgridClient(log *logger.Logger) (EmailClient, error) {
	apiKey := strings.TrimSpace(os.Getenv("SENDGRID_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("missing SENDGRID_API_KEY")
	}
	baseURL := strings.TrimSpace(os.Getenv("SENDGRID_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.sendgrid.com"
	}
	fromEmail := strings.TrimSpace(os.Getenv("SENDGRID_FROM_EMAIL"))
	if fromEmail == "" {
		return nil, fmt.Errorf("missing SENDGRID_FROM_EMAIL")
	}
	fromName := strings.TrimSpace(os.Getenv("SENDGRID_FROM_NAME"))
	if fromName == "" {
		fromName = "Kira"
	}
	timeoutSec := utils.GetEnvAsInt("SENDGRID_TIMEOUT_SECONDS", 30, log)
	maxRetries := utils.GetEnvAsInt("SENDGRID_MAX_RETRIES", 4, log)

	serviceLog := log.With("service", "SendgridClient")
	return &sendgridClient{
		log: serviceLog,
		client: &providerClient{
			log:        serviceLog,
			baseURL:    strings.TrimRight(baseURL, "/"),
			apiKey:     apiKey,
			httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
			maxRetries: maxRetries,
		},
		fromEmail: fromEmail,
		fromName:  fromName,
	}, nil
}

type sendgridMailRequest struct {
	Personalizations []struct {
		To []sendgridAddress `json:"to"`
	} `json:"personalizations"`
	From    sendgridAddress `json:"from"`
	Subject string          `json:"subject"`
	Content []struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"content"`
}

type sendgridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

func (c *sendgridClient) Send(ctx context.Context, to, subject, htmlBody string) error {
	if strings.TrimSpace(to) == "" {
		return fmt.Errorf("empty recipient")
	}
	req := sendgridMailRequest{
		From:    sendgridAddress{Email: c.fromEmail, Name: c.fromName},
		Subject: subject,
	}
	req.Personalizations = []struct {
		To []sendgridAddress `json:"to"`
	}{{To: []sendgridAddress{{Email: to}}}}
	req.Content = []struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	}{{Type: "text/html", Value: htmlBody}}

	if err := c.client.doJSON(ctx, "POST", "/v3/mail/send", req, nil); err != nil {
		return fmt.Errorf("sendgrid send to %s: %w", to, err)
	}
	return nil
}
