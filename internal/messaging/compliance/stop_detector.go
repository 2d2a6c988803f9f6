// Package compliance implements the carrier-mandated keyword handling for
// patient-facing SMS.
package compliance

import (
	"regexp"
	"strings"
)

// Detector identifies STOP/HELP keywords in inbound messages. STOP handling
// must pre-empt any conversation state.
type Detector struct {
	stopRegex *regexp.Regexp
	helpRegex *regexp.Regexp
}

// NewDetector returns a keyword detector covering the CTIA keyword set.
func NewDetector() *Detector {
	return &Detector{
		stopRegex: regexp.MustCompile(`(?i)^(?:please\s+)?(stop|stopall|unsubscribe|cancel|end|quit|optout|opt-out)\b`),
		helpRegex: regexp.MustCompile(`(?i)^(?:please\s+)?(help|info)\b`),
	}
}

// IsStop returns true when body contains a STOP keyword.
func (d *Detector) IsStop(body string) bool {
	if d == nil || d.stopRegex == nil {
		return false
	}
	return d.stopRegex.MatchString(strings.TrimSpace(body))
}

// IsHelp returns true when body contains a HELP keyword.
func (d *Detector) IsHelp(body string) bool {
	if d == nil || d.helpRegex == nil {
		return false
	}
	return d.helpRegex.MatchString(strings.TrimSpace(body))
}
