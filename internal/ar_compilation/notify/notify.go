package notify

import (
	"context"
	"errors"
	"strconv"

	"firebase.google.com/go/v4/messaging"
	"github.com/arlens/ar-backend/internal/ar_compilation/domain"
	"github.com/rs/zerolog"
)

// Notification tells a recipient their AR experience is ready.
type Notification struct {
	Recipient   string
	ProjectID   string
	ViewURL     string
	QRImageURL  string
	QRImagePath string
	Metrics     *domain.CompileMetrics
}

// Notifier delivers ready notifications. Callers treat failures as
// non-fatal.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// MessageSender is the subset of *messaging.Client used here.
type MessageSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMNotifier pushes a Firebase Cloud Messaging notification to the
// recipient's registration token.
type FCMNotifier struct {
	sender MessageSender
	logger zerolog.Logger
}

func NewFCMNotifier(sender MessageSender, logger zerolog.Logger) *FCMNotifier {
	return &FCMNotifier{sender: sender, logger: logger}
}

func (f *FCMNotifier) Notify(ctx context.Context, n Notification) error {
	const op = "fcm_notify"
	if n.Recipient == "" {
		return domain.NewError(domain.ErrNotification, op, errors.New("no recipient"))
	}

	data := map[string]string{
		"projectId": n.ProjectID,
		"viewUrl":   n.ViewURL,
	}
	if n.QRImageURL != "" {
		data["qrCodeUrl"] = n.QRImageURL
	}
	if n.Metrics != nil {
		data["targets"] = strconv.Itoa(n.Metrics.Targets)
		data["descriptorSizeBytes"] = strconv.FormatInt(n.Metrics.DescriptorSizeBytes, 10)
	}

	id, err := f.sender.Send(ctx, &messaging.Message{
		Token: n.Recipient,
		Notification: &messaging.Notification{
			Title:    "Your AR experience is ready",
			Body:     "Open it or scan the QR code to view it.",
			ImageURL: n.QRImageURL,
		},
		Data: data,
	})
	if err != nil {
		return domain.NewError(domain.ErrNotification, op, err)
	}
	f.logger.Info().Str("project_id", n.ProjectID).Str("message_id", id).Msg("ready notification sent")
	return nil
}

// LogNotifier only logs. Used when messaging is disabled.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	l.logger.Info().
		Str("project_id", n.ProjectID).
		Str("recipient", n.Recipient).
		Str("view_url", n.ViewURL).
		Str("qr_path", n.QRImagePath).
		Msg("project ready")
	return nil
}
