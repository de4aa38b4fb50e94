package styletransfer

import (
	"fmt"
	"strings"
)

// Keys of the loss histories returned by Optimize.
const (
	LossStyle   = "style"
	LossContent = "content"
	LossDisc    = "disc"
	LossGP      = "gp"
)

// Losses maps a loss name (LossStyle, LossContent, LossDisc or LossGP) to its value at each step.
type Losses map[string][]float64

// newLosses creates the empty histories: style and content always, disc and gp only if adversarial.
func newLosses(adversarial bool, capacity int) Losses {
	l := Losses{
		LossStyle:   make([]float64, 0, capacity),
		LossContent: make([]float64, 0, capacity),
	}
	if adversarial {
		l[LossDisc] = make([]float64, 0, capacity)
		l[LossGP] = make([]float64, 0, capacity)
	}
	return l
}

// Adversarial returns whether the histories include the discriminator losses.
func (l Losses) Adversarial() bool {
	_, found := l[LossDisc]
	return found
}

// Keys returns the loss names present, in display order.
func (l Losses) Keys() []string {
	var keys []string
	for _, key := range []string{LossStyle, LossContent, LossDisc, LossGP} {
		if _, found := l[key]; found {
			keys = append(keys, key)
		}
	}
	return keys
}

// Last value recorded for key, or 0 if there is none yet.
func (l Losses) Last(key string) float64 {
	values := l[key]
	if len(values) == 0 {
		return 0
	}
	return values[len(values)-1]
}

// Postfix formats the last recorded losses for the progress indicator.
func (l Losses) Postfix() string {
	s := fmt.Sprintf("Style: %.1f Content: %.1f ", l.Last(LossStyle), l.Last(LossContent))
	if l.Adversarial() {
		s += fmt.Sprintf("Disc: %.1f GP: %.1f ", l.Last(LossDisc), l.Last(LossGP))
	}
	return s
}

// Summary returns a one-line "name=last" listing of all losses, used for logging.
func (l Losses) Summary() string {
	parts := make([]string, 0, len(l))
	for _, key := range l.Keys() {
		parts = append(parts, fmt.Sprintf("%s=%g", key, l.Last(key)))
	}
	return strings.Join(parts, ", ")
}
