package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"gpuwatch/internal/config"

	"gopkg.in/gomail.v2"
)

// EmailNotifier 实现邮件通知。
type EmailNotifier struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
}

// NewEmailNotifier 创建一个新的邮件通知器。
func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	return &EmailNotifier{
		cfg:    cfg,
		logger: logger,
	}
}

// SendPriceAlert 发送价格提醒邮件。
func (n *EmailNotifier) SendPriceAlert(ctx context.Context, alert *PriceAlert, toEmail string) error {
	if n.cfg.SMTPHost == "" || n.cfg.SMTPUser == "" || n.cfg.FromEmail == "" {
		n.logger.Warn("email config missing, skip notification")
		return nil
	}
	if strings.TrimSpace(toEmail) == "" {
		n.logger.Warn("email recipient empty, skip notification")
		return nil
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", toEmail)
	m.SetHeader("Subject", fmt.Sprintf("[GPUWatch] Price alert: %s at $%s", alert.GPUName, formatUSD(alert.PriceUSD)))

	m.SetBody("text/html", buildAlertHTML(alert))
	m.AddAlternative("text/plain", buildAlertText(alert))

	d := gomail.NewDialer(n.cfg.SMTPHost, n.cfg.SMTPPort, n.cfg.SMTPUser, n.cfg.SMTPPass)

	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("price alert sent",
		slog.String("to", toEmail),
		slog.String("gpu", alert.GPUSlug),
		slog.String("retailer", alert.Retailer))
	return nil
}

func buildAlertHTML(alert *PriceAlert) string {
	msrpLine := ""
	if alert.MSRPUSD > 0 {
		msrpLine = fmt.Sprintf(`<div class="meta">MSRP: $%s</div>`, formatUSD(alert.MSRPUSD))
	}

	template := `
<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8" />
<style>
  body { font-family: Arial, sans-serif; background: #f6f7fb; color: #1f2937; }
  .card { max-width: 600px; margin: 24px auto; background: #ffffff; border-radius: 12px; overflow: hidden; border: 1px solid #e5e7eb; }
  .header { background: #0f172a; color: #ffffff; padding: 16px 20px; font-size: 16px; font-weight: bold; }
  .content { padding: 20px; }
  .price { font-size: 26px; font-weight: bold; color: #ef4444; margin: 8px 0 12px; }
  .title { font-size: 18px; margin-bottom: 8px; }
  .reason { font-size: 14px; color: #16a34a; margin-bottom: 16px; }
  .meta { font-size: 13px; color: #6b7280; margin-bottom: 4px; }
  .cta { display: inline-block; padding: 12px 20px; background: #22c55e; color: #fff; text-decoration: none; border-radius: 8px; font-weight: bold; }
  .footer { margin-top: 20px; font-size: 12px; color: #6b7280; }
</style>
</head>
<body>
  <div class="card">
    <div class="header">[GPUWatch] GPU deal alert</div>
    <div class="content">
      <div class="title">%s</div>
      <div class="price">$%s</div>
      <div class="reason">%s</div>
      %s
      <div class="meta">Retailer: %s</div>
      <div class="meta">Stock: %s</div>
      <div style="text-align:center; margin: 16px 0 0;">
        <a class="cta" href="%s" target="_blank">View deal</a>
      </div>
      <div class="footer">You are receiving this because you watch this GPU on GPUWatch.</div>
    </div>
  </div>
</body>
</html>`

	return fmt.Sprintf(template,
		alert.GPUName,
		formatUSD(alert.PriceUSD),
		alert.DealReason,
		msrpLine,
		alert.Retailer,
		alert.StockStatus,
		alert.ProductURL)
}

func buildAlertText(alert *PriceAlert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "GPU deal alert: %s\n", alert.GPUName)
	fmt.Fprintf(&b, "Price: $%s at %s\n", formatUSD(alert.PriceUSD), alert.Retailer)
	if alert.MSRPUSD > 0 {
		fmt.Fprintf(&b, "MSRP: $%s\n", formatUSD(alert.MSRPUSD))
	}
	fmt.Fprintf(&b, "Reason: %s\n", alert.DealReason)
	fmt.Fprintf(&b, "Stock: %s\n", alert.StockStatus)
	fmt.Fprintf(&b, "Link: %s\n", alert.ProductURL)
	return b.String()
}

// formatUSD 千分位格式化，保留两位小数。
func formatUSD(v float64) string {
	s := fmt.Sprintf("%.2f", v)
	dot := strings.IndexByte(s, '.')
	whole, frac := s[:dot], s[dot:]

	n := len(whole)
	if n <= 3 {
		return whole + frac
	}
	out := make([]byte, 0, n+n/3+len(frac))
	for i := 0; i < n; i++ {
		out = append(out, whole[i])
		if (n-i-1)%3 == 0 && i != n-1 {
			out = append(out, ',')
		}
	}
	return string(out) + frac
}
