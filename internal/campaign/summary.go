package campaign

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/roach88/vouch/internal/model"
)

// SummaryOptions controls WriteSummary.
type SummaryOptions struct {
	// Errors appends the error list.
	Errors bool

	// Color paints outcomes; off produces plain text.
	Color bool
}

const ruleWidth = 78

// WriteSummary prints the session, timing, counts and the decision table.
func WriteSummary(w io.Writer, r *Report, opts SummaryOptions) error {
	paint := outcomePainter(opts.Color)

	var b strings.Builder
	b.WriteString("**** Summary *****\n")
	fmt.Fprintf(&b, "Session: %s\n", r.Session)
	fmt.Fprintf(&b, "Timing: %s -> %s -> %s\n", stamp(&r.Created), stamp(r.Opened), stamp(r.Closed))
	fmt.Fprintf(&b, "%d items, %d errors, %d decisions, outcome %s\n",
		len(r.ECRV), len(r.Errors), len(r.Decisions), paint(r.Outcome))
	fmt.Fprintf(&b, "%-37s %-8s %-10s %s\n", "Element", "Result", "Logic", "Template")
	b.WriteString(strings.Repeat("-", ruleWidth) + "\n")
	for _, d := range r.Decisions {
		fmt.Fprintf(&b, "%-37s %s %-10s %s\n", d.ID, padded(paint, d.Outcome, 8), d.Logic, d.Template)
	}
	b.WriteString(strings.Repeat("-", ruleWidth) + "\n")

	if opts.Errors {
		b.WriteString("\n**** Errors *****\n")
		fmt.Fprintf(&b, "%d errors\n", len(r.Errors))
		b.WriteString(strings.Repeat("=", ruleWidth) + "\n")
		for _, e := range r.Errors {
			fmt.Fprintf(&b, "%s %s %s element=%s policy=%s", stamp(&e.Time), e.Kind, e.Template, e.Element, e.Policy)
			if e.Rule != "" {
				fmt.Fprintf(&b, " rule=%s", e.Rule)
			}
			fmt.Fprintf(&b, "\n  %s\n", e.Message)
			b.WriteString(strings.Repeat("-", ruleWidth) + "\n")
		}
		b.WriteString(strings.Repeat("=", ruleWidth) + "\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func stamp(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

type painter func(model.Outcome) string

func outcomePainter(enabled bool) painter {
	if !enabled {
		return func(o model.Outcome) string { return string(o) }
	}
	pass := color.New(color.FgGreen, color.Bold)
	fail := color.New(color.FgRed, color.Bold)
	indeterminate := color.New(color.FgYellow)
	for _, c := range []*color.Color{pass, fail, indeterminate} {
		c.EnableColor()
	}
	return func(o model.Outcome) string {
		switch o {
		case model.Pass:
			return pass.Sprint(o)
		case model.Fail:
			return fail.Sprint(o)
		default:
			return indeterminate.Sprint(o)
		}
	}
}

// padded paints the outcome and pads it to width, so escape codes do not
// skew the columns.
func padded(paint painter, o model.Outcome, width int) string {
	return paint(o) + strings.Repeat(" ", max(width-len(o), 0))
}
