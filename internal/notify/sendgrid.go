package notify

import (
	"context"
	"fmt"
	"html"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/sirupsen/logrus"
)

type sendFunc func(ctx context.Context, message *mail.SGMailV3) (*rest.Response, error)

// SendGrid 通过 SendGrid 邮件投递通知。
type SendGrid struct {
	from   string
	to     string
	logger *logrus.Logger
	send   sendFunc
}

// NewSendGrid 以 API key 与收发地址构建邮件通道。
func NewSendGrid(apiKey, from, to string, logger *logrus.Logger) (*SendGrid, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("sendgrid api key is empty")
	}
	if from == "" {
		return nil, fmt.Errorf("from address is empty")
	}
	if to == "" {
		return nil, fmt.Errorf("to address is empty")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	client := sendgrid.NewSendClient(apiKey)
	return &SendGrid{from: from, to: to, logger: logger, send: client.SendWithContext}, nil
}

func (s *SendGrid) Notify(ctx context.Context, n Notification) error {
	message := mail.NewSingleEmail(
		mail.NewEmail("offline-hub", s.from),
		n.Title,
		mail.NewEmail("", s.to),
		n.Body,
		fmt.Sprintf("<p>%s</p>", html.EscapeString(n.Body)),
	)

	response, err := s.send(ctx, message)
	if err != nil {
		return fmt.Errorf("sendgrid send error: %w", err)
	}
	if response.StatusCode >= 400 {
		s.logger.WithFields(logrus.Fields{"action": "notify", "channel": "sendgrid", "status": response.StatusCode}).Warn(response.Body)
		return fmt.Errorf("sendgrid send failed: status=%d", response.StatusCode)
	}
	s.logger.WithFields(logrus.Fields{
		"action":    "notify",
		"channel":   "sendgrid",
		"status":    response.StatusCode,
		"reference": n.Reference,
	}).Debug("mail sent")
	return nil
}
