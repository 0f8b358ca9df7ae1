package workflow

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Parser extracts actions and checks from step bodies. Each Parser owns
// its compiled patterns; engine instances never share regex state.
type Parser struct {
	action   *regexp.Regexp
	ask      *regexp.Regexp
	output   *regexp.Regexp
	goTo     *regexp.Regexp
	invoke   *regexp.Regexp
	check    *regexp.Regexp
	openTag  *regexp.Regexp
	closeTag *regexp.Regexp
}

// NewParser compiles the inline-tag patterns.
func NewParser() *Parser {
	return &Parser{
		action:   regexp.MustCompile(`(?s)<action(?:\s+if="([^"]*)")?\s*>(.*?)</action>`),
		ask:      regexp.MustCompile(`(?s)<ask(?:\s+if="([^"]*)")?\s*>(.*?)</ask>`),
		output:   regexp.MustCompile(`(?s)<output(?:\s+if="([^"]*)")?\s*>(.*?)</output>`),
		goTo:     regexp.MustCompile(`<goto(?:\s+if="([^"]*)")?\s+step="(-?\d+)"\s*/>`),
		invoke:   regexp.MustCompile(`<(invoke-workflow|invoke-task)(?:\s+if="([^"]*)")?\s+path="([^"]*)"\s*/>`),
		check:    regexp.MustCompile(`(?s)<check\s+if="([^"]*)"\s*>(.*?)</check>`),
		openTag:  regexp.MustCompile(`<(action|ask|output|goto|invoke-workflow|invoke-task|check)[\s>/]`),
		closeTag: regexp.MustCompile(`</(action|ask|output|goto|invoke-workflow|invoke-task|check)>`),
	}
}

// span is one recognized tag with its location in the body.
type span struct {
	start, end int
	action     Action
	isCheck    bool
	checkIf    string
	checkBody  string
}

// Parse returns the step's actions and checks, parsing the raw body on
// first use and caching the result on the step.
func (p *Parser) Parse(step *Step) ([]Action, []Check, error) {
	if step.parsed {
		return step.actions, step.checks, nil
	}

	spans, err := p.scan(step.Index, step.Body, true)
	if err != nil {
		return nil, nil, err
	}

	var actions []Action
	var checks []Check
	for _, s := range spans {
		if s.isCheck {
			nested, err := p.scanActions(step.Index, s.checkBody)
			if err != nil {
				return nil, nil, err
			}
			checks = append(checks, Check{If: s.checkIf, Actions: nested})
			continue
		}
		actions = append(actions, s.action)
	}

	step.actions = actions
	step.checks = checks
	step.parsed = true
	return actions, checks, nil
}

// scanActions parses a check body, where only action tags are allowed.
func (p *Parser) scanActions(stepIndex int, body string) ([]Action, error) {
	spans, err := p.scan(stepIndex, body, false)
	if err != nil {
		return nil, err
	}
	actions := make([]Action, 0, len(spans))
	for _, s := range spans {
		actions = append(actions, s.action)
	}
	return actions, nil
}

// scan collects all recognized tags in body in declaration order. When
// allowChecks is false a check tag is a parse error (checks do not
// nest).
func (p *Parser) scan(stepIndex int, body string, allowChecks bool) ([]span, error) {
	var spans []span

	collect := func(re *regexp.Regexp, build func(m []string) (span, error)) error {
		for _, idx := range re.FindAllStringSubmatchIndex(body, -1) {
			m := submatches(body, idx)
			s, err := build(m)
			if err != nil {
				return err
			}
			s.start, s.end = idx[0], idx[1]
			spans = append(spans, s)
		}
		return nil
	}

	simple := func(kind ActionKind) func(m []string) (span, error) {
		return func(m []string) (span, error) {
			return span{action: Action{Kind: kind, If: m[1], Content: strings.TrimSpace(m[2])}}, nil
		}
	}
	if err := collect(p.action, simple(KindAction)); err != nil {
		return nil, err
	}
	if err := collect(p.ask, simple(KindAsk)); err != nil {
		return nil, err
	}
	if err := collect(p.output, simple(KindOutput)); err != nil {
		return nil, err
	}
	if err := collect(p.goTo, func(m []string) (span, error) {
		target, err := strconv.Atoi(m[2])
		if err != nil || target < 0 {
			return span{}, &ParseError{StepIndex: stepIndex, Snippet: m[0], Reason: "goto step attribute must be a non-negative integer"}
		}
		return span{action: Action{Kind: KindGoto, If: m[1], Target: target}}, nil
	}); err != nil {
		return nil, err
	}
	if err := collect(p.invoke, func(m []string) (span, error) {
		kind := KindInvokeWorkflow
		if m[1] == "invoke-task" {
			kind = KindInvokeTask
		}
		if strings.TrimSpace(m[3]) == "" {
			return span{}, &ParseError{StepIndex: stepIndex, Snippet: m[0], Reason: "invoke path attribute is empty"}
		}
		return span{action: Action{Kind: kind, If: m[2], Content: strings.TrimSpace(m[3])}}, nil
	}); err != nil {
		return nil, err
	}
	if err := collect(p.check, func(m []string) (span, error) {
		if !allowChecks {
			return span{}, &ParseError{StepIndex: stepIndex, Snippet: m[0], Reason: "check tags do not nest"}
		}
		return span{isCheck: true, checkIf: m[1], checkBody: m[2]}, nil
	}); err != nil {
		return nil, err
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	// Drop action spans that live inside a check block — the check owns
	// them and parses them from its own body.
	if allowChecks {
		spans = dropNested(spans)
	}

	if err := p.checkLeftovers(stepIndex, body, spans); err != nil {
		return nil, err
	}
	return spans, nil
}

// dropNested removes spans fully contained in a check span.
func dropNested(spans []span) []span {
	out := spans[:0]
	for _, s := range spans {
		nested := false
		for _, c := range spans {
			if c.isCheck && !s.isCheck && s.start > c.start && s.end <= c.end {
				nested = true
				break
			}
		}
		if !nested {
			out = append(out, s)
		}
	}
	return out
}

// checkLeftovers fails when a tag-looking token sits outside every
// recognized span — a malformed tag would otherwise be silently ignored.
func (p *Parser) checkLeftovers(stepIndex int, body string, spans []span) error {
	for _, re := range []*regexp.Regexp{p.openTag, p.closeTag} {
		for _, idx := range re.FindAllStringIndex(body, -1) {
			covered := false
			for _, s := range spans {
				if idx[0] >= s.start && idx[1] <= s.end {
					covered = true
					break
				}
			}
			if !covered {
				snippet := body[idx[0]:min(idx[0]+40, len(body))]
				return &ParseError{StepIndex: stepIndex, Snippet: snippet, Reason: "malformed or unclosed tag"}
			}
		}
	}
	return nil
}

// submatches extracts submatch strings from FindAllStringSubmatchIndex
// output, mapping unmatched groups to "".
func submatches(body string, idx []int) []string {
	out := make([]string, len(idx)/2)
	for i := range out {
		if idx[2*i] >= 0 {
			out[i] = body[idx[2*i]:idx[2*i+1]]
		}
	}
	return out
}
