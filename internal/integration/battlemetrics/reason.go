package battlemetrics

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/barricade/ban-sync/internal/integration"
)

// MaxReasonLength is the longest ban reason Battlemetrics accepts.
const MaxReasonLength = 255

const reasonTitle = "HLL Barricade banned for "

// Reason is the compact ban reason shown to players. It uses community tags
// and scheme-less URLs, and shortens the report reasons so that the whole
// text fits in MaxReasonLength characters.
func Reason(resp integration.Response) string {
	footer := strings.ReplaceAll(fmt.Sprintf(
		"Reported by %s\nContact: %s\n\nBanned by %s\nContact: %s\n\nMore info: bit.ly/BarricadeBanned",
		resp.Reporter.Tag, resp.Reporter.ContactURL,
		resp.Responder.Tag, resp.Responder.ContactURL,
	), "https://", "")

	room := MaxReasonLength - utf8.RuneCountInString(reasonTitle) - 2 - utf8.RuneCountInString(footer)
	reasons := resp.ReasonList()
	if utf8.RuneCountInString(reasons) > room {
		cut := room - 2
		if cut < 0 {
			cut = 0
		}
		reasons = string([]rune(reasons)[:cut]) + ".."
	}
	return reasonTitle + reasons + "\n\n" + footer
}

// Note is the internal ban note visible to the organization's admins.
func Note(resp integration.Response) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Banned for %s.\n", resp.ReasonList())
	fmt.Fprintf(&b, "Reported by %s (%s)", resp.Reporter.Name, resp.Reporter.ContactURL)
	if resp.ReportURL != "" {
		fmt.Fprintf(&b, "\nLink to report: %s", resp.ReportURL)
	}
	return b.String()
}
