package reader

import "github.com/microcosm-cc/bluemonday"

// summaryPolicy allows the markup the summarizer is instructed to emit:
// basic formatting, links, and styled superscript citation markers.
var summaryPolicy = func() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowElements("sup", "span")
	p.AllowAttrs("style").OnElements("sup", "span", "a")
	p.AllowAttrs("target", "rel").OnElements("a")
	return p
}()

// SanitizeSummary strips everything from model-produced HTML except the
// formatting and citation markup the UI renders. The model's output is
// untrusted; it goes through here before persistence and before streaming.
func SanitizeSummary(html string) string {
	return summaryPolicy.Sanitize(html)
}
