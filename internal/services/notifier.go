package services

import (
	"context"
	"fmt"
	"html"
	"time"

	"github.com/kiraclass/kira-backend/internal/logger"
)

// Notification kinds.
const (
	NotifyAdminInvite    = "ADMIN_INVITE"
	NotifyPasswordReset  = "PASSWORD_RESET"
	NotifyResetRequest   = "RESET_REQUEST"
	NotifyUploadOK       = "UPLOAD_OK"
	NotifyReadyForReview = "READY_FOR_REVIEW"
	NotifyPublished      = "PUBLISHED"
)

// Notification is one outbound message envelope.
type Notification struct {
	Recipient string            `json:"recipient"`
	Kind      string            `json:"kind"`
	Payload   map[string]string `json:"payload"`
}

// Notifier is fire-and-forget: delivery is asynchronous relative to the
// caller's transaction, failures are logged and never surfaced.
type Notifier interface {
	Send(ctx context.Context, recipient, kind string, payload map[string]string)
}

type emailNotifier struct {
	log   *logger.Logger
	email EmailClient
}

func NewEmailNotifier(log *logger.Logger, email EmailClient) Notifier {
	return &emailNotifier{
		log:   log.With("service", "Notifier"),
		email: email,
	}
}

func (n *emailNotifier) Send(ctx context.Context, recipient, kind string, payload map[string]string) {
	if n == nil || n.email == nil || recipient == "" {
		return
	}
	note := Notification{Recipient: recipient, Kind: kind, Payload: payload}
	go n.deliver(context.WithoutCancel(ctx), note)
}

func (n *emailNotifier) deliver(ctx context.Context, note Notification) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	subject, body := renderNotification(note)
	if err := n.email.Send(ctx, note.Recipient, subject, body); err != nil {
		n.log.Warn("Notification delivery failed",
			"kind", note.Kind,
			"recipient", note.Recipient,
			"error", err,
		)
		return
	}
	n.log.Debug("Notification delivered", "kind", note.Kind, "recipient", note.Recipient)
}

func renderNotification(note Notification) (subject, body string) {
	p := func(key string) string { return html.EscapeString(note.Payload[key]) }
	switch note.Kind {
	case NotifyAdminInvite:
		return "You have been invited to Kira",
			fmt.Sprintf("<p>You were invited as an admin for your school. Your invite code is <b>%s</b>.</p>", p("code"))
	case NotifyResetRequest:
		return "Kira password reset requested",
			fmt.Sprintf("<p>Your password reset code is <b>%s</b>. It expires at %s.</p>", p("code"), p("expires_at"))
	case NotifyPasswordReset:
		return "Your Kira password was changed",
			"<p>Your password was just changed. If this was not you, contact your administrator.</p>"
	case NotifyUploadOK:
		return fmt.Sprintf("Material received: %s", p("title")),
			fmt.Sprintf("<p>Your upload <b>%s</b> for week %s was stored and queued for quiz generation.</p>", p("title"), p("week"))
	case NotifyReadyForReview:
		return fmt.Sprintf("Ready for review: %s", p("title")),
			fmt.Sprintf("<p>The topic <b>%s</b> (week %s) has generated questions and illustrations waiting for your review.</p>", p("title"), p("week"))
	case NotifyPublished:
		return fmt.Sprintf("Published: %s", p("name")),
			fmt.Sprintf("<p>Your review of <b>%s</b> was published; %s quizzes are now available to students.</p>", p("name"), p("quiz_count"))
	}
	return "Kira notification", "<p>You have a new notification.</p>"
}
