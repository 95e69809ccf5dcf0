package cycle

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Proposal is a structured improvement proposal. Fields the generator left
// out stay empty strings.
type Proposal struct {
	Area             string `json:"area"`
	Rationale        string `json:"rationale"`
	SuggestedChanges string `json:"suggested_changes"`
	Risk             string `json:"risk"`
	Effort           string `json:"effort"`
}

// Section headers the proposal generator is instructed to emit.
var (
	reArea      = regexp.MustCompile(`(?i)Area for Improvement:\s*`)
	reRationale = regexp.MustCompile(`(?i)Rationale:\s*`)
	reChanges   = regexp.MustCompile(`(?i)Suggested Changes:\s*`)
	reRisks     = regexp.MustCompile(`(?i)Potential Risks:\s*`)
	reEffort    = regexp.MustCompile(`(?i)Effort Level:\s*`)
)

type proposalSection struct {
	re  *regexp.Regexp
	dst func(*Proposal, string)
}

var proposalSections = []proposalSection{
	{reArea, func(p *Proposal, s string) { p.Area = s }},
	{reRationale, func(p *Proposal, s string) { p.Rationale = s }},
	{reChanges, func(p *Proposal, s string) { p.SuggestedChanges = s }},
	{reRisks, func(p *Proposal, s string) { p.Risk = s }},
	{reEffort, func(p *Proposal, s string) { p.Effort = s }},
}

// ParseProposal extracts the structured sections from generator output.
// Individual missing sections are tolerated; a text containing none of the
// expected headers is an error so the caller can treat the response as
// malformed output.
func ParseProposal(text string) (*Proposal, error) {
	// Locate each header, then slice the text between consecutive headers.
	type hit struct {
		idx   int
		start int
		sec   proposalSection
	}
	var hits []hit
	for _, sec := range proposalSections {
		loc := sec.re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		hits = append(hits, hit{idx: loc[0], start: loc[1], sec: sec})
	}
	if len(hits) == 0 {
		return nil, fmt.Errorf("proposal text contains none of the expected sections")
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].idx < hits[j].idx })

	p := &Proposal{}
	for i, h := range hits {
		end := len(text)
		if i+1 < len(hits) {
			end = hits[i+1].idx
		}
		h.sec.dst(p, strings.TrimSpace(text[h.start:end]))
	}
	return p, nil
}
