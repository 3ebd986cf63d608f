package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/t77yq/flowsched/internal/model"
)

// NotificationChannel delivers an alert to the outside world
type NotificationChannel interface {
	Send(ctx context.Context, alert *model.Alert) error
}

// EmailConfig holds SMTP settings for alert mails
type EmailConfig struct {
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
}

// Enabled reports whether enough settings are present to send mail
func (c EmailConfig) Enabled() bool {
	return c.Host != "" && c.From != "" && len(c.To) > 0
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailChannel sends alerts over SMTP
type EmailChannel struct {
	config   EmailConfig
	sendMail sendMailFunc
}

// NewEmailChannel creates an SMTP channel
func NewEmailChannel(config EmailConfig) *EmailChannel {
	return &EmailChannel{config: config, sendMail: smtp.SendMail}
}

// Send formats the alert as a plain text mail
func (c *EmailChannel) Send(_ context.Context, alert *model.Alert) error {
	var auth smtp.Auth
	if c.config.Username != "" {
		auth = smtp.PlainAuth("", c.config.Username, c.config.Password, c.config.Host)
	}

	var body strings.Builder
	fmt.Fprintf(&body, "From: %s\r\n", c.config.From)
	fmt.Fprintf(&body, "To: %s\r\n", strings.Join(c.config.To, ", "))
	fmt.Fprintf(&body, "Subject: [%s] %s\r\n", strings.ToUpper(string(alert.Severity)), alert.Message)
	body.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&body, "Alert: %s\r\nRule: %s\r\nType: %s\r\nTime: %s\r\n",
		alert.ID, alert.RuleID, alert.Type, alert.CreatedAt.Format(time.RFC3339))
	for k, v := range alert.Data {
		fmt.Fprintf(&body, "%s: %v\r\n", k, v)
	}

	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)
	if err := c.sendMail(addr, auth, c.config.From, c.config.To, []byte(body.String())); err != nil {
		return fmt.Errorf("failed to send alert mail: %w", err)
	}
	return nil
}

// WebhookChannel posts alerts as JSON to an HTTP endpoint
type WebhookChannel struct {
	url    string
	client *http.Client
}

// NewWebhookChannel creates a webhook channel with a bounded request time
func NewWebhookChannel(url string, timeout time.Duration) *WebhookChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookChannel{url: url, client: &http.Client{Timeout: timeout}}
}

// Send posts the alert
func (c *WebhookChannel) Send(ctx context.Context, alert *model.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// ThrottledChannel drops alerts beyond the configured rate
type ThrottledChannel struct {
	channel NotificationChannel
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewThrottledChannel wraps a channel with a per-minute budget
func NewThrottledChannel(channel NotificationChannel, perMinute int, logger *zap.Logger) *ThrottledChannel {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &ThrottledChannel{
		channel: channel,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		logger:  logger,
	}
}

// Send forwards the alert when the budget allows it
func (c *ThrottledChannel) Send(ctx context.Context, alert *model.Alert) error {
	if !c.limiter.Allow() {
		c.logger.Warn("Alert notification throttled",
			zap.String("alert_id", alert.ID),
			zap.String("type", string(alert.Type)))
		return nil
	}
	return c.channel.Send(ctx, alert)
}
