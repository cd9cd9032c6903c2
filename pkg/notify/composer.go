package notify

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Kind names a lifecycle email.
type Kind string

const (
	KindOrderConfirmation Kind = "order_confirmation"
	KindPaymentReceived   Kind = "payment_received"
	KindOrderShipped      Kind = "order_shipped"
	KindOrderDelivered    Kind = "order_delivered"
	KindOrderCancelled    Kind = "order_cancelled"
)

var subjects = map[Kind]string{
	KindOrderConfirmation: "Order %s confirmed",
	KindPaymentReceived:   "Payment received for order %s",
	KindOrderShipped:      "Order %s has shipped",
	KindOrderDelivered:    "Order %s was delivered",
	KindOrderCancelled:    "Order %s was cancelled",
}

//go:embed templates/*.html
var templateFS embed.FS

// OrderView is the data templates render.
type OrderView struct {
	OrderID       string
	CustomerName  string
	CustomerEmail string
	Currency      string
	TotalCents    int64
	PaymentMethod string
	Reason        string
	Lines         []LineView
}

// LineView is one rendered order line.
type LineView struct {
	Name           string
	Quantity       int
	UnitPriceCents int64
}

// Composer renders lifecycle emails into queue messages.
type Composer struct {
	tmpl        *template.Template
	printer     *message.Printer
	maxAttempts int
	clock       func() time.Time
}

// NewComposer parses the embedded templates.
func NewComposer(maxAttempts int) (*Composer, error) {
	c := &Composer{
		printer:     message.NewPrinter(language.English),
		maxAttempts: maxAttempts,
		clock:       time.Now,
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxAttempts
	}
	tmpl, err := template.New("notify").Funcs(template.FuncMap{"money": c.money}).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("notify: parse templates: %w", err)
	}
	c.tmpl = tmpl
	return c, nil
}

// WithClock overrides the clock for deterministic testing.
func (c *Composer) WithClock(clock func() time.Time) *Composer {
	c.clock = clock
	return c
}

// Compose renders kind for v into a pending message.
func (c *Composer) Compose(kind Kind, v OrderView) (*Message, error) {
	subject, ok := subjects[kind]
	if !ok {
		return nil, fmt.Errorf("notify: unknown template %q", kind)
	}
	var buf bytes.Buffer
	if err := c.tmpl.ExecuteTemplate(&buf, string(kind)+".html", v); err != nil {
		return nil, fmt.Errorf("notify: render %s: %w", kind, err)
	}

	now := c.clock()
	return &Message{
		ID:          uuid.NewString(),
		To:          v.CustomerEmail,
		Subject:     fmt.Sprintf(subject, v.OrderID),
		HTML:        buf.String(),
		Template:    string(kind),
		Status:      StatusPending,
		MaxAttempts: c.maxAttempts,
		ScheduledAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// money formats minor units in code's currency.
func (c *Composer) money(code string, cents int64) string {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return c.printer.Sprintf("%s %.2f", code, float64(cents)/100)
	}
	return c.printer.Sprint(currency.Symbol(unit.Amount(float64(cents) / 100)))
}
