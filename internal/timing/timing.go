// Package timing records named checkpoints while a request is handled and
// renders them as a Server-Timing header or a structured summary.
package timing

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const maxLabelLen = 50

// Mark is a single recorded checkpoint.
type Mark struct {
	Name     string
	Duration time.Duration
}

// Step is one entry of a Summary.
type Step struct {
	Name string  `json:"name"`
	Ms   float64 `json:"ms"`
}

// Summary is the structured form of a timer, used in debug payloads.
type Summary struct {
	Steps   []Step  `json:"steps"`
	TotalMs float64 `json:"totalMs"`
}

// Timer accumulates checkpoints for one request. It is not safe for
// concurrent use; each request owns its own Timer.
type Timer struct {
	now   func() time.Time
	start time.Time
	last  time.Time
	marks []Mark
}

// New starts a timer at the current instant.
func New() *Timer {
	return newWithClock(time.Now)
}

func newWithClock(now func() time.Time) *Timer {
	start := now()
	return &Timer{now: now, start: start, last: start}
}

// Mark records the time elapsed since the previous checkpoint (or since the
// timer started) under label and returns it.
func (t *Timer) Mark(label string) time.Duration {
	now := t.now()
	d := now.Sub(t.last)
	if d < 0 {
		d = 0
	}
	t.marks = append(t.marks, Mark{Name: Sanitize(label), Duration: d})
	t.last = now
	return d
}

// Marks returns a copy of the recorded checkpoints in order.
func (t *Timer) Marks() []Mark {
	return append([]Mark(nil), t.marks...)
}

// Total returns the time elapsed since the timer started.
func (t *Timer) Total() time.Duration {
	return t.now().Sub(t.start)
}

// Header renders the marks plus a trailing "total" entry in Server-Timing
// syntax, e.g. "chat;dur=812.4, speech;dur=455.0, total;dur=1268.1".
func (t *Timer) Header() string {
	parts := make([]string, 0, len(t.marks)+1)
	for _, m := range t.marks {
		parts = append(parts, fmt.Sprintf("%s;dur=%.1f", m.Name, millis(m.Duration)))
	}
	parts = append(parts, fmt.Sprintf("total;dur=%.1f", millis(t.Total())))
	return strings.Join(parts, ", ")
}

// Summary returns the marks and total rounded to one decimal place.
func (t *Timer) Summary() Summary {
	steps := make([]Step, len(t.marks))
	for i, m := range t.marks {
		steps[i] = Step{Name: m.Name, Ms: round1(millis(m.Duration))}
	}
	return Summary{Steps: steps, TotalMs: round1(millis(t.Total()))}
}

// Sanitize maps label to a token that is safe inside a Server-Timing
// header: characters outside [a-zA-Z0-9_-] become '_' and the result is
// capped at 50 characters.
func Sanitize(label string) string {
	if label == "" {
		return "step"
	}
	var b strings.Builder
	for _, r := range label {
		if b.Len() >= maxLabelLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
