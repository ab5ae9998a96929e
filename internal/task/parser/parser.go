// Package parser turns one line of free text into a structured task.
//
// Recognized syntaxes, applied in this order:
//
//	:d<date>   due date (keyword, YYYY-M-D, M/D[/YY[YY]])
//	:t<time>   due time (H:MM, H[:MM]am|pm)
//	:p<prio>   priority (low|l|1, medium|m|2, high|h|3)
//	#tag       tags (all stripped, first five kept)
//	@project   project hint (all stripped, first kept)
//
// Fields still unset afterwards fall back to keywords found anywhere in the
// text ("!!", "urgent", "9am", "tomorrow", "friday", ...). The parser never
// fails: payloads it cannot read stay in the title.
package parser

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"pewtask/internal/clock"
	"pewtask/internal/task"
	logx "pewtask/pkg/logx"
)

// UntitledTitle replaces a title that is empty after extraction.
const UntitledTitle = "Untitled task"

// MaxTags bounds ParsedTask.Tags.
const MaxTags = 5

// ParsedTask is the parser output. Empty strings mean "not found".
type ParsedTask struct {
	Title       string        `json:"title"`
	DueDate     string        `json:"due_date,omitempty"`
	DueTime     string        `json:"due_time,omitempty"`
	Priority    task.Priority `json:"priority,omitempty"`
	Tags        []string      `json:"tags"`
	ProjectHint string        `json:"project_hint,omitempty"`
}

var (
	reDateTag     = regexp.MustCompile(`:d(\S+)`)
	reTimeTag     = regexp.MustCompile(`:t(\S+)`)
	rePriorityTag = regexp.MustCompile(`:p((?i:low|medium|high|l|m|h|1|2|3))`)
	reHashtag     = regexp.MustCompile(`#\w+`)
	reProject     = regexp.MustCompile(`@(\w+)`)
	reLooseTime   = regexp.MustCompile(`\b(\d{1,2})(?::(\d{2}))?\s*(am|pm|AM|PM)?\b`)
)

type priorityKeyword struct {
	word     string
	priority task.Priority
}

// Scan order matters: "!!!" must be tried before "!!" and "!".
var priorityKeywords = []priorityKeyword{
	{"!!!", task.PriorityHigh},
	{"!!", task.PriorityMedium},
	{"!", task.PriorityLow},
	{"urgent", task.PriorityHigh},
	{"important", task.PriorityHigh},
	{"asap", task.PriorityHigh},
}

// keywordPatterns holds one case-insensitive matcher per fallback keyword.
var keywordPatterns = func() map[string]*regexp.Regexp {
	m := make(map[string]*regexp.Regexp, len(priorityKeywords)+len(dateKeywords))
	for _, k := range priorityKeywords {
		m[k.word] = regexp.MustCompile(`(?i)` + regexp.QuoteMeta(k.word))
	}
	for _, k := range dateKeywords {
		m[k.word] = regexp.MustCompile(`(?i)` + regexp.QuoteMeta(k.word))
	}
	return m
}()

// Parser is safe for concurrent use; it holds no mutable state.
type Parser struct {
	clock clock.Clock
	loc   *time.Location
	log   logx.Logger
}

type Option func(*Parser)

// WithLocation resolves relative keywords in loc instead of the clock's zone.
func WithLocation(loc *time.Location) Option {
	return func(p *Parser) { p.loc = loc }
}

func WithLogger(log logx.Logger) Option {
	return func(p *Parser) { p.log = log }
}

func New(c clock.Clock, opts ...Option) *Parser {
	if c == nil {
		c = clock.System()
	}
	p := &Parser{clock: c, log: logx.Nop()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Parse extracts a ParsedTask from input.
func (p *Parser) Parse(input string) ParsedTask {
	now := p.clock.Now()
	if p.loc != nil {
		now = now.In(p.loc)
	}

	text := strings.TrimSpace(input)
	out := ParsedTask{Tags: []string{}}

	text, out.DueDate = extractFirst(text, reDateTag, func(v string) string { return parseDateValue(v, now) })
	text, out.DueTime = extractFirst(text, reTimeTag, parseTimeValue)

	var prio string
	text, prio = extractFirst(text, rePriorityTag, func(v string) string { return string(priorityFromTag(v)) })
	out.Priority = task.Priority(prio)

	if tags := reHashtag.FindAllString(text, -1); len(tags) > 0 {
		for i, tag := range tags {
			if i >= MaxTags {
				break
			}
			out.Tags = append(out.Tags, tag[1:])
		}
		text = strings.TrimSpace(reHashtag.ReplaceAllString(text, ""))
	}

	if m := reProject.FindStringSubmatch(text); m != nil {
		out.ProjectHint = m[1]
		text = strings.TrimSpace(reProject.ReplaceAllString(text, ""))
	}

	if out.Priority == "" {
		text, out.Priority = priorityFallback(text)
	}
	if out.DueTime == "" {
		text, out.DueTime = timeFallback(text)
	}
	if out.DueDate == "" {
		text, out.DueDate = dateFallback(text, now)
	}

	out.Title = strings.Join(strings.Fields(text), " ")
	if out.Title == "" {
		out.Title = UntitledTitle
	}

	p.log.Trace("task parsed",
		logx.String("title", out.Title),
		logx.String("due_date", out.DueDate),
		logx.String("due_time", out.DueTime),
		logx.String("priority", string(out.Priority)),
		logx.Strs("tags", out.Tags),
		logx.String("project", out.ProjectHint),
	)
	return out
}

// extractFirst walks every match of re (group 1 is the payload) left to right.
// The first payload that parse accepts wins and only that occurrence is cut
// from text; rejected occurrences are left in place.
func extractFirst(text string, re *regexp.Regexp, parse func(string) string) (string, string) {
	for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
		if v := parse(text[m[2]:m[3]]); v != "" {
			return strings.TrimSpace(text[:m[0]] + text[m[1]:]), v
		}
	}
	return text, ""
}

func priorityFromTag(v string) task.Priority {
	switch strings.ToLower(v) {
	case "low", "l", "1":
		return task.PriorityLow
	case "medium", "m", "2":
		return task.PriorityMedium
	case "high", "h", "3":
		return task.PriorityHigh
	}
	return ""
}

func priorityFallback(text string) (string, task.Priority) {
	lower := strings.ToLower(text)
	for _, k := range priorityKeywords {
		if strings.Contains(lower, k.word) {
			return removeAllFold(text, k.word), k.priority
		}
	}
	return text, ""
}

func timeFallback(text string) (string, string) {
	m := reLooseTime.FindStringSubmatchIndex(text)
	if m == nil {
		return text, ""
	}
	hour, _ := strconv.Atoi(text[m[2]:m[3]])
	minute := 0
	if m[4] >= 0 {
		minute, _ = strconv.Atoi(text[m[4]:m[5]])
	}
	if m[6] >= 0 {
		hour = to24h(hour, text[m[6]:m[7]])
	}
	v := formatClock(hour, minute)
	if v == "" {
		return text, ""
	}
	return strings.TrimSpace(text[:m[0]] + text[m[1]:]), v
}

func dateFallback(text string, now time.Time) (string, string) {
	lower := strings.ToLower(text)
	for _, k := range dateKeywords {
		if strings.Contains(lower, k.word) {
			return removeAllFold(text, k.word), formatDay(k.resolve(now))
		}
	}
	return text, ""
}

// removeAllFold deletes every case-insensitive occurrence of word.
func removeAllFold(text, word string) string {
	return strings.TrimSpace(keywordPatterns[word].ReplaceAllString(text, ""))
}
