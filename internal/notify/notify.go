// Package notify renders the end of sweep summary and optionally mails it.
package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"grocery-ingest/internal/scraper"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jordan-wright/email"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("grocery-ingest/notify")

// errors listed in the summary, the log file has all of them
const summaryErrors = 10

// Summary renders the counters of a sweep as a table followed by its first
// errors.
func Summary(stats scraper.Stats, logPath string) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetTitle(fmt.Sprintf("%s sweep", stats.Retailer))
	t.AppendRows([]table.Row{
		{"store", stats.StoreID},
		{"scraped", stats.Scraped},
		{"failed", stats.Failed},
		{"duplicates", stats.Duplicates},
		{"filtered", stats.Filtered},
		{"blocked pages", stats.BlockedPages},
		{"categories", stats.Categories},
		{"excluded categories", stats.ExcludedCategories},
		{"abandoned categories", stats.AbandonedCategories},
		{"deactivated", stats.Deactivated},
		{"complete", stats.Complete},
		{"cancelled", stats.Cancelled},
		{"elapsed", stats.Elapsed.Round(time.Second)},
	})
	if logPath != "" {
		t.AppendFooter(table.Row{"log", logPath})
	}

	var out strings.Builder
	out.WriteString(t.Render())
	out.WriteByte('\n')

	errs := stats.FirstErrors(summaryErrors)
	if len(errs) > 0 {
		fmt.Fprintf(&out, "\nfirst %d of %d errors:\n", len(errs), len(stats.Errors)+stats.DroppedErrors)
		for _, e := range errs {
			fmt.Fprintf(&out, "  - %s\n", e)
		}
	}
	return out.String()
}

type Config struct {
	Server   string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

func (c Config) addr() string {
	return fmt.Sprintf("%s:%d", c.Server, c.Port)
}

type Mailer struct {
	cfg  Config
	send func(mail *email.Email, addr string, auth smtp.Auth) error
}

func NewMailer(cfg Config) Mailer {
	return Mailer{
		cfg: cfg,
		send: func(mail *email.Email, addr string, auth smtp.Auth) error {
			return mail.Send(addr, auth)
		},
	}
}

func (m Mailer) message(stats scraper.Stats, logPath string) *email.Email {
	mail := email.NewEmail()
	mail.From = fmt.Sprintf("grocery-ingest <%s>", m.cfg.From)
	mail.To = m.cfg.To

	outcome := "finished"
	switch {
	case stats.Cancelled && !stats.Capped:
		outcome = "cancelled"
	case stats.Unsuccessful():
		outcome = "failed"
	}
	mail.Subject = fmt.Sprintf("[grocery-ingest] %s sweep %s: %d scraped, %d failed", stats.Retailer, outcome, stats.Scraped, stats.Failed)
	mail.Text = []byte(Summary(stats, logPath))
	return mail
}

// Send mails the summary of a sweep. Servers without AUTH are retried
// without credentials.
func (m Mailer) Send(ctx context.Context, stats scraper.Stats, logPath string) error {
	_, span := tracer.Start(ctx, "Send")
	defer span.End()

	mail := m.message(stats, logPath)
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Server)
	}
	err := m.send(mail, m.cfg.addr(), auth)
	if err != nil && auth != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
		err = m.send(mail, m.cfg.addr(), nil)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send summary")
		return fmt.Errorf("send summary to %s: %w", strings.Join(m.cfg.To, ", "), err)
	}
	return nil
}
