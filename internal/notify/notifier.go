// Package notify delivers operator alerts about new opportunities and failed
// scan passes to Telegram and Discord.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/slabscan/internal/domain"
)

// Event types accepted by the [notify] events filter.
const (
	EventOpportunityDetected = "opportunity_detected"
	EventScanFailed          = "scan_failed"
)

// Message is one rendered alert.
type Message struct {
	Title  string
	Body   string
	URL    string
	Fields []Field
}

// Field is a labelled value rendered by senders that support structure.
type Field struct {
	Name  string
	Value string
}

// Sender delivers a Message over one channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// Notifier fans alerts out to every Sender, dropping event types that are
// not in the configured filter. An empty filter allows everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether at least one sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// OpportunityDetected alerts on a newly created opportunity.
func (n *Notifier) OpportunityDetected(ctx context.Context, o domain.Opportunity) error {
	name := o.ItemName
	if name == "" {
		name = o.ItemKey
	}
	pct := o.DiscountRatio.Shift(2).StringFixed(1)
	msg := Message{
		Title: fmt.Sprintf("%s%% under market: %s", pct, name),
		Body:  o.Title,
		URL:   o.URL,
		Fields: []Field{
			{Name: "Price", Value: o.Price.StringFixed(2)},
			{Name: "Benchmark", Value: o.BenchmarkValue.StringFixed(2)},
			{Name: "Profit", Value: o.PotentialProfit.StringFixed(2)},
			{Name: "Seller", Value: o.Seller},
		},
	}
	return n.notify(ctx, EventOpportunityDetected, msg)
}

// ScanFailed alerts on a pass that failed or finished with item errors.
func (n *Notifier) ScanFailed(ctx context.Context, run domain.ScanRun) error {
	var b strings.Builder
	if run.Error != "" {
		b.WriteString(run.Error)
	}
	for i, f := range run.Failures {
		if i == 5 {
			fmt.Fprintf(&b, "\n... and %d more", len(run.Failures)-i)
			break
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s (%s, %d attempts): %s", f.ItemKey, f.Stage, f.Attempts, f.Error)
	}
	msg := Message{
		Title: fmt.Sprintf("Scan %s: %s", shortID(run.ID), run.Status),
		Body:  b.String(),
		Fields: []Field{
			{Name: "Items", Value: fmt.Sprintf("%d/%d ok", run.ItemsSucceeded, run.ItemsTotal)},
			{Name: "Failed", Value: fmt.Sprintf("%d", run.ItemsFailed)},
		},
	}
	return n.notify(ctx, EventScanFailed, msg)
}

func (n *Notifier) notify(ctx context.Context, event string, msg Message) error {
	if !n.Enabled() {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, msg)
}

// dispatch sends to every sender. One failing sender does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, msg Message) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, msg); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", msg.Title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
