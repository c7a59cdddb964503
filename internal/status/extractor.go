package status

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"
)

// State is the derived task state. It is recomputed fresh from every
// snapshot; the classifier keeps no history.
type State int

const (
	Idle State = iota
	Working
	Completed
)

func (s State) String() string {
	switch s {
	case Working:
		return "working"
	case Completed:
		return "completed"
	default:
		return "idle"
	}
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Snapshot is one point-in-time read of the page: its visible text plus the
// two affordance flags the sampler resolves from the selector lists.
type Snapshot struct {
	Text        string
	StopVisible bool
	BusyVisible bool
	AgentURL    string
}

// Classifier derives task state, step lines and answer text from snapshots.
// The marker table is swappable at runtime (hot reload); reads take a copy
// of the compiled state so classification never blocks on a reload.
type Classifier struct {
	mu sync.RWMutex
	c  *compiled
}

// compiled is an immutable view of one marker table.
type compiled struct {
	markers    Markers
	stepRe     *regexp.Regexp
	completeRe []*regexp.Regexp
	sourcesRe  *regexp.Regexp
}

// NewClassifier compiles the marker table. Invalid patterns are rejected up
// front so a bad hot-reload cannot leave the classifier half-updated.
func NewClassifier(m Markers) (*Classifier, error) {
	c, err := compile(m)
	if err != nil {
		return nil, err
	}
	return &Classifier{c: c}, nil
}

func compile(m Markers) (*compiled, error) {
	c := &compiled{markers: m}

	if len(m.StepVerbs) > 0 {
		quoted := make([]string, len(m.StepVerbs))
		for i, v := range m.StepVerbs {
			quoted[i] = regexp.QuoteMeta(v)
		}
		re, err := regexp.Compile(`(?im)^[ \t]*(?:` + strings.Join(quoted, "|") + `)\b.+`)
		if err != nil {
			return nil, fmt.Errorf("failed to compile step verbs: %w", err)
		}
		c.stepRe = re
	}
	for _, p := range m.CompletedPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile completed pattern %q: %w", p, err)
		}
		c.completeRe = append(c.completeRe, re)
	}
	if m.SourcesPattern != "" {
		re, err := regexp.Compile(m.SourcesPattern)
		if err != nil {
			return nil, fmt.Errorf("failed to compile sources pattern: %w", err)
		}
		c.sourcesRe = re
	}
	return c, nil
}

// SetMarkers swaps in a new table atomically. On compile failure the old
// table stays in effect.
func (cl *Classifier) SetMarkers(m Markers) error {
	c, err := compile(m)
	if err != nil {
		return err
	}
	cl.mu.Lock()
	cl.c = c
	cl.mu.Unlock()
	return nil
}

// Markers returns the table currently in effect.
func (cl *Classifier) Markers() Markers {
	return cl.view().markers
}

func (cl *Classifier) view() *compiled {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.c
}

// Classify derives the task state from a snapshot. Precedence, first match
// wins:
//
//  1. visible stop control or busy indicator        -> Working
//  2. steps-completed or finished marker            -> Completed
//  3. sources marker with no step line present      -> Completed
//  4. a step line (working vocabulary)              -> Working
//  5. otherwise                                     -> Idle
//
// Heuristic misses degrade to Idle; classification never errors.
func (cl *Classifier) Classify(snap Snapshot) State {
	c := cl.view()

	if snap.StopVisible || snap.BusyVisible {
		return Working
	}
	for _, re := range c.completeRe {
		if re.MatchString(snap.Text) {
			return Completed
		}
	}
	hasStep := c.stepRe != nil && c.stepRe.MatchString(snap.Text)
	if c.sourcesRe != nil && c.sourcesRe.MatchString(snap.Text) && !hasStep {
		return Completed
	}
	if hasStep {
		return Working
	}
	return Idle
}

// Steps extracts the step lines from snapshot text: action-verb lines,
// deduplicated by exact text, trimmed to the most recent window in
// chronological order. The second return is the current (latest) step, or
// "" when there is none.
func (cl *Classifier) Steps(text string) ([]string, string) {
	c := cl.view()
	if c.stepRe == nil {
		return nil, ""
	}

	var steps []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !c.stepRe.MatchString(line) {
			continue
		}
		if seen[line] {
			continue
		}
		seen[line] = true
		steps = append(steps, line)
	}
	if len(steps) == 0 {
		return nil, ""
	}
	if window := c.markers.StepWindow; window > 0 && len(steps) > window {
		steps = steps[len(steps)-window:]
	}
	return steps, steps[len(steps)-1]
}

// Response extracts the answer text from a completed snapshot. Three
// strategies in order, first non-empty wins:
//
//	(a) the last answer-bearing text block, skipping blocks that open with
//	    navigational chrome, trailing controls or status markers;
//	(b) text after the sources marker up to the first trailing marker;
//	(c) text after a completion marker up to the first trailing marker.
//
// The page renders a running transcript, so the most recent matching block
// is the answer, never the largest. The result is capped at MaxAnswerLen.
func (cl *Classifier) Response(text string) string {
	c := cl.view()

	if answer := c.lastAnswerBlock(text); answer != "" {
		return c.truncate(answer)
	}
	if c.sourcesRe != nil {
		if answer := c.textAfter(text, c.sourcesRe); answer != "" {
			return c.truncate(answer)
		}
	}
	for _, re := range c.completeRe {
		if answer := c.textAfter(text, re); answer != "" {
			return c.truncate(answer)
		}
	}
	return ""
}

// lastAnswerBlock walks blank-line-separated blocks from the end and
// returns the first one whose opening line is not recognized page chrome or
// a status marker.
func (c *compiled) lastAnswerBlock(text string) string {
	blocks := strings.Split(text, "\n\n")
	for i := len(blocks) - 1; i >= 0; i-- {
		block := strings.TrimSpace(blocks[i])
		if block == "" {
			continue
		}
		first := block
		if idx := strings.IndexByte(block, '\n'); idx >= 0 {
			first = strings.TrimSpace(block[:idx])
		}
		if c.isChromeLine(first) || c.isMarkerLine(first) {
			continue
		}
		return block
	}
	return ""
}

// textAfter returns the lines following the first line matching re, up to
// the first trailing or navigational line.
func (c *compiled) textAfter(text string, re *regexp.Regexp) string {
	lines := strings.Split(text, "\n")
	start := -1
	for i, line := range lines {
		if re.MatchString(line) {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return ""
	}
	var out []string
	for _, line := range lines[start:] {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" && c.isChromeLine(trimmed) {
			break
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// isChromeLine reports whether a line is trailing controls or navigational
// chrome rather than answer prose.
func (c *compiled) isChromeLine(line string) bool {
	for _, marker := range c.markers.TrailingMarkers {
		if hasPrefixFold(line, marker) {
			return true
		}
	}
	for _, marker := range c.markers.NavigationMarkers {
		if strings.EqualFold(line, marker) {
			return true
		}
	}
	return false
}

// isMarkerLine reports whether a line is status vocabulary (step, sources
// or completion marker) rather than answer prose.
func (c *compiled) isMarkerLine(line string) bool {
	if c.stepRe != nil && c.stepRe.MatchString(line) {
		return true
	}
	if c.sourcesRe != nil && c.sourcesRe.MatchString(line) {
		return true
	}
	for _, re := range c.completeRe {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

func (c *compiled) truncate(s string) string {
	max := c.markers.MaxAnswerLen
	if max <= 0 || len(s) <= max {
		return s
	}
	// Back up to a rune boundary so the cap never splits a multi-byte
	// character.
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
