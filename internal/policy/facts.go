package policy

import (
	"regexp"
	"strings"

	"github.com/Jawbreaker1/EvidenceBot/internal/codec"
	"github.com/Jawbreaker1/EvidenceBot/internal/domains"
	"github.com/Jawbreaker1/EvidenceBot/internal/notes"
)

// ActionFacts is the analyzed view of one action: what it writes, where it
// reaches, and whether it claims to be done. The harness builds it once per
// step and hands it to Decide together with the RunView.
type ActionFacts struct {
	Kind        codec.Kind
	Command     string
	NotesMode   notes.WriteMode
	URL         string
	Domain      string
	Query       string
	QueryFamily string
	SourceClass string
	Concluding  bool
	FinalIntent bool
	WritesFinal bool
}

func (f ActionFacts) notesUpdate() bool {
	return f.Kind == codec.KindNotes || f.NotesMode == notes.ModeAppend
}

// AnalyzeAction derives the facts for a parsed action. The classifier maps
// the action's primary URL to a source class for move accounting.
func AnalyzeAction(act *codec.Action, cls *domains.Classifier) ActionFacts {
	facts := ActionFacts{Kind: act.Kind, Command: act.Command}
	switch act.Kind {
	case codec.KindShell:
		facts.NotesMode = notes.ClassifyWrite(act.Command)
		if urls := domains.ExtractURLs(act.Command); len(urls) > 0 {
			facts.URL = urls[0]
			host := domains.HostOf(facts.URL)
			facts.Domain = host
			facts.Query = domains.QueryFromURL(facts.URL)
			facts.QueryFamily = domains.NormalizeQuery(facts.Query)
			if cls != nil {
				facts.SourceClass = string(cls.SourceClass(facts.URL, host))
			}
		}
	case codec.KindNotes:
		facts.NotesMode = notes.ModeAppend
	}
	facts.FinalIntent = FinalIntent(act.Raw)
	facts.WritesFinal = WritesFinalLikeFile(act.Command)
	facts.Concluding = act.Kind == codec.KindNoOp && (act.FinalText != "" || facts.FinalIntent)
	return facts
}

var finalIntentMarkers = []string{
	"final answer",
	"final output",
	"final deliverable",
	"final deliverables",
	"final report",
	"final summary",
	"all the information i need",
	"complete final",
	"deliverables as requested",
}

// FinalIntent reports whether the response text declares the work finished.
func FinalIntent(text string) bool {
	if text == "" {
		return false
	}
	t := strings.ToLower(text)
	for _, marker := range finalIntentMarkers {
		if strings.Contains(t, marker) {
			return true
		}
	}
	return false
}

var finalFileKeywords = []string{"final", "deliverable", "answer", "summary", "report", "output"}

// WritesFinalLikeFile reports whether a shell command writes a deliverable
// style file. Notes updates are the notes channel and never count.
func WritesFinalLikeFile(cmd string) bool {
	if cmd == "" {
		return false
	}
	c := strings.ToLower(cmd)
	if strings.Contains(c, notes.FileName) {
		return false
	}
	if !strings.Contains(c, ">") && !strings.Contains(c, "tee") {
		return false
	}
	for _, keyword := range finalFileKeywords {
		if strings.Contains(c, keyword) {
			return true
		}
	}
	return false
}

var (
	negationPattern    = regexp.MustCompile(`\b(not|no|never|false|yet|still|actually|really)\b`)
	launchClaimPattern = regexp.MustCompile(`\b(has\s+.*\s+launched|released)\b`)
	statusClaimPattern = regexp.MustCompile(`\b(is|are)\s+.*\b(out|launched|released)\b`)
)

// Fallback budget when the run has no step cap.
const negativeClaimMaxSteps = 40

// DetectNegativeClaim reports whether a task asks the agent to confirm or
// deny that something happened. Such tasks carry source-coverage minima
// before any absence conclusion is allowed.
func DetectNegativeClaim(task string) bool {
	if task == "" {
		return false
	}
	t := strings.ToLower(task)
	return negationPattern.MatchString(t) ||
		launchClaimPattern.MatchString(t) ||
		statusClaimPattern.MatchString(t)
}

// NegativeClaimBudget is the step count after which a negative-claim run
// with satisfied coverage may settle on "evidence exhausted".
func NegativeClaimBudget(maxSteps int, pct float64) int {
	if maxSteps > 0 {
		if budget := int(float64(maxSteps) * pct); budget > 1 {
			return budget
		}
		return 1
	}
	return negativeClaimMaxSteps
}
