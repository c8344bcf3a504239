package quest

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Prompts holds the literal instruction text sent to the automation agent
// and the generative backend. The agent is directed by natural language,
// so this text is configuration data, not control logic. Empty fields fall
// back to the built-in defaults.
type Prompts struct {
	RewriteSystem   string `yaml:"rewrite_system"`
	Search          string `yaml:"search"`
	OpenNextResult  string `yaml:"open_next_result"`
	Extract         string `yaml:"extract"`
	CloseTab        string `yaml:"close_tab"`
	SummarizeSystem string `yaml:"summarize_system"`
	Summarize       string `yaml:"summarize"`
}

func (p *Prompts) defaults() {
	d := defaultPrompts()
	if p.RewriteSystem == "" {
		p.RewriteSystem = d.RewriteSystem
	}
	if p.Search == "" {
		p.Search = d.Search
	}
	if p.OpenNextResult == "" {
		p.OpenNextResult = d.OpenNextResult
	}
	if p.Extract == "" {
		p.Extract = d.Extract
	}
	if p.CloseTab == "" {
		p.CloseTab = d.CloseTab
	}
	if p.SummarizeSystem == "" {
		p.SummarizeSystem = d.SummarizeSystem
	}
	if p.Summarize == "" {
		p.Summarize = d.Summarize
	}
}

func defaultPrompts() Prompts {
	return Prompts{
		RewriteSystem: "You are a search query optimization specialist. " +
			"Rewrite the user's question as a single search term optimized for " +
			"search-engine precision: keep the essential keywords, drop filler " +
			"words, add disambiguating terms where the question is vague. " +
			"Return only the rewritten term.",

		Search: "Click the search input box on this page (the search engine's " +
			"own input field, NOT the browser address bar), type %q into it, " +
			"and press Enter to submit the search. Wait for the results to load.",

		OpenNextResult: "You are on a search results page for %q. If a result " +
			"page from a previous step is still open in another tab, close that " +
			"tab first and return to the results. Then find the next organic " +
			"result link that has not been opened yet and looks topically " +
			"relevant. Skip advertisements, sponsored results, and pure " +
			"index/listing pages. Links already opened (do not reopen any of " +
			"these): %s. Open the chosen link in a new tab and switch to it.",

		Extract: "Read the page that is currently open and extract at most 3 " +
			"valuable content sections relevant to %q: paragraphs, answer " +
			"blocks, or summaries with real informational value. Exclude ads, " +
			"navigation, comments, and repeated boilerplate. Scroll at most %d " +
			"times while looking; stop immediately once you have 3 sections, " +
			"and return fewer (or none) if you run out of scrolls first. Also " +
			"report the page URL.",

		CloseTab: "Close only the currently active tab (never the whole " +
			"window) and switch back to the search results tab.",

		SummarizeSystem: "You synthesize web research into a cited answer. " +
			"Respond with an HTML fragment only: no <html> or <body> wrapper, " +
			"no markdown, no code fences. Use only the supplied source " +
			"content; never invent facts. Mark every claim with a superscript " +
			"numbered citation like <sup style=\"color:%s\">1</sup>, and end " +
			"with an ordered references list mapping each number to its " +
			"source URL.",

		Summarize: "Question: %s\n\nSources:\n%s\n\nWrite the answer now.",
	}
}

// LoadPrompts reads prompt overrides from a YAML file. Fields absent from
// the file keep their defaults.
func LoadPrompts(path string) (Prompts, error) {
	var p Prompts
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read prompts file: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse prompts file: %w", err)
	}
	p.defaults()
	return p, nil
}

// searchInstruction renders the search-submission instruction.
func (p Prompts) searchInstruction(term string) string {
	return fmt.Sprintf(p.Search, term)
}

// openNextInstruction renders the open-next-result instruction with the
// visited-link list inlined so the agent avoids reopening pages.
func (p Prompts) openNextInstruction(term string, visited []string) string {
	return fmt.Sprintf(p.OpenNextResult, term, strings.Join(visited, ", "))
}

// extractInstruction renders the bounded-extraction instruction.
func (p Prompts) extractInstruction(term string, scrolls int) string {
	return fmt.Sprintf(p.Extract, term, scrolls)
}

// summarizeSystem renders the summarizer role with the citation color token.
func (p Prompts) summarizeSystem(citationColor string) string {
	return fmt.Sprintf(p.SummarizeSystem, citationColor)
}

// summarizeMessage renders the user turn: the term plus numbered sources.
func (p Prompts) summarizeMessage(term string, extractions []Extraction) string {
	var sb strings.Builder
	for i, ext := range extractions {
		fmt.Fprintf(&sb, "[%d] %s\n", i+1, ext.Link)
		for _, c := range ext.Content {
			sb.WriteString(c)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	if sb.Len() == 0 {
		sb.WriteString("(no sources were collected)\n")
	}
	return fmt.Sprintf(p.Summarize, term, sb.String())
}
