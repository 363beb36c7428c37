package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"gopkg.in/gomail.v2"

	"github.com/lengmodkx/spider-mall/internal/config"
)

// Sender 发送一封已构造好的邮件。gomail.Dialer 满足该接口。
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailNotifier 实现邮件告警。
type EmailNotifier struct {
	cfg    *config.EmailConfig
	sender Sender
	logger *slog.Logger
}

// NewEmailNotifier 创建一个新的邮件通知器。
func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	return &EmailNotifier{
		cfg:    cfg,
		sender: gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass),
		logger: logger,
	}
}

// WithSender 替换发送器（测试用）。
func (n *EmailNotifier) WithSender(s Sender) *EmailNotifier {
	n.sender = s
	return n
}

// Enabled SMTP 与收件人均已配置。
func (n *EmailNotifier) Enabled() bool {
	return n.cfg.SMTPHost != "" && n.cfg.FromEmail != "" && strings.TrimSpace(n.cfg.AlertTo) != ""
}

// NotifyJobFailure 发送任务失败告警。未配置 SMTP 时跳过。
func (n *EmailNotifier) NotifyJobFailure(ctx context.Context, f JobFailure) error {
	if !n.Enabled() {
		n.logger.Warn("email config missing, skip job failure alert", slog.String("task", f.TaskName))
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", splitRecipients(n.cfg.AlertTo)...)
	m.SetHeader("Subject", fmt.Sprintf("[SpiderMall] 抓取任务失败: %s", f.TaskName))
	m.SetBody("text/html", buildFailureBody(f))

	if err := n.sender.DialAndSend(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("job failure alert sent", slog.String("to", n.cfg.AlertTo), slog.String("task", f.TaskName))
	return nil
}

func splitRecipients(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func buildFailureBody(f JobFailure) string {
	const template = `<!DOCTYPE html>
<html>
<head><meta charset="UTF-8" /></head>
<body style="font-family: Arial, sans-serif; color: #1f2937;">
  <div style="max-width: 600px; margin: 24px auto; border: 1px solid #e5e7eb; border-radius: 8px; padding: 20px;">
    <h2 style="color: #ef4444;">抓取任务重试耗尽</h2>
    <p>任务: <b>%s</b>（分类: %s）</p>
    <p>尝试次数: %d，最后任务 ID: %d</p>
    <p>失败时间: %s</p>
    <pre style="background: #f6f7fb; padding: 12px; white-space: pre-wrap;">%s</pre>
  </div>
</body>
</html>`
	return fmt.Sprintf(template,
		html.EscapeString(f.TaskName),
		html.EscapeString(f.Category),
		f.Attempts,
		f.TaskID,
		f.FailedAt.Format("2006-01-02 15:04:05 MST"),
		html.EscapeString(f.LastError),
	)
}
