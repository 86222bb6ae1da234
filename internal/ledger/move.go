package ledger

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// MoveKind is the structural classification of an action. Every action maps
// to exactly one kind; precision is best-effort, totality is not.
type MoveKind string

const (
	MoveNetworkFetch   MoveKind = "network_fetch"
	MoveFileInspection MoveKind = "file_inspection"
	MovePackageInstall MoveKind = "package_install"
	MoveOther          MoveKind = "other"
)

// Relation describes how a move relates to the previous one.
type Relation string

const (
	RelationInitial     Relation = "initial"
	RelationRetry       Relation = "retry"
	RelationReformulate Relation = "reformulate"
	RelationSameDomain  Relation = "same_domain"
	RelationSourceShift Relation = "source_shift"
	RelationDomainShift Relation = "domain_shift"
	RelationNonSearch   Relation = "non_search"
)

// MoveRecord is one classified action in the move ledger.
type MoveRecord struct {
	ID          string    `json:"id"`
	TS          time.Time `json:"ts"`
	Step        int       `json:"step"`
	Tool        string    `json:"tool"`
	Command     string    `json:"cmd,omitempty"`
	URL         string    `json:"url,omitempty"`
	Domain      string    `json:"domain,omitempty"`
	Query       string    `json:"query,omitempty"`
	QueryFamily string    `json:"query_family,omitempty"`
	SourceClass string    `json:"source_class,omitempty"`
	Kind        MoveKind  `json:"move_type"`
	Relation    Relation  `json:"relation"`
	Fingerprint string    `json:"fingerprint"`
	FailureType string    `json:"failure_type,omitempty"`
	Outcome     string    `json:"outcome"`
}

var (
	networkPattern = regexp.MustCompile(`\b(curl|wget|ping|ssh|nc|dig|nslookup|host)\b|https?://`)
	packagePattern = regexp.MustCompile(`\b(pip3?|apt(-get)?|npm|yarn|gem|cargo|dnf|yum|apk|conda|go\s+(install|get))\b`)
	inspectPattern = regexp.MustCompile(`\b(cat|ls|head|tail|less|grep|rg|find|stat|file|wc|sed|awk|tree|du|jq)\b`)
)

// ClassifyKind maps a shell command to its structural move kind. Network
// intent wins over package managers fetching over the network; anything
// unrecognized is other.
func ClassifyKind(cmd string) MoveKind {
	switch {
	case cmd == "":
		return MoveOther
	case networkPattern.MatchString(cmd):
		return MoveNetworkFetch
	case packagePattern.MatchString(cmd):
		return MovePackageInstall
	case inspectPattern.MatchString(cmd):
		return MoveFileInspection
	default:
		return MoveOther
	}
}

// Fingerprint is the repetition key for a move: kind, domain, query family.
func Fingerprint(kind MoveKind, domain, family string) string {
	return fmt.Sprintf("%s:%s:%s", kind, orDash(domain), orDash(family))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// MoveLedger appends classified moves and tracks the streak state repetition
// guards read. Blocked moves are appended but never observed, so they do not
// advance streaks.
type MoveLedger struct {
	path            string
	counter         int
	lastDomain      string
	lastFamily      string
	lastSourceClass string
	lastFingerprint string
	lastKind        MoveKind
	repeatStreak    int
	domainStreak    int
}

func NewMoveLedger(path string) *MoveLedger {
	return &MoveLedger{path: path}
}

// Relation classifies the proposed move against the last observed one.
func (l *MoveLedger) Relation(domain, family, sourceClass string) Relation {
	if domain == "" && family == "" {
		return RelationNonSearch
	}
	if l.lastDomain == "" {
		return RelationInitial
	}
	if domain == l.lastDomain {
		switch {
		case family != "" && family == l.lastFamily:
			return RelationRetry
		case family != "" && family != l.lastFamily:
			return RelationReformulate
		default:
			return RelationSameDomain
		}
	}
	if sourceClass != "" && l.lastSourceClass != "" && sourceClass != l.lastSourceClass {
		return RelationSourceShift
	}
	return RelationDomainShift
}

// Append assigns the move id and writes the record.
func (l *MoveLedger) Append(rec *MoveRecord) error {
	l.counter++
	rec.ID = fmt.Sprintf("mv_%04d", l.counter)
	rec.TS = time.Now().UTC()
	return appendJSONL(l.path, rec)
}

// Observe folds an executed move into the streak state.
func (l *MoveLedger) Observe(rec *MoveRecord) {
	if rec.Fingerprint == l.lastFingerprint && rec.Kind == l.lastKind {
		l.repeatStreak++
	} else {
		l.repeatStreak = 0
	}
	if rec.Domain != "" {
		if rec.Domain == l.lastDomain {
			l.domainStreak++
		} else {
			l.domainStreak = 0
		}
		l.lastDomain = rec.Domain
	}
	if rec.QueryFamily != "" {
		l.lastFamily = rec.QueryFamily
	}
	if rec.SourceClass != "" {
		l.lastSourceClass = rec.SourceClass
	}
	l.lastFingerprint = rec.Fingerprint
	l.lastKind = rec.Kind
}

// ReadMoves loads every record from a move ledger file.
func ReadMoves(path string) ([]MoveRecord, error) {
	var records []MoveRecord
	err := readJSONLines(path, func(line []byte) error {
		var rec MoveRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (l *MoveLedger) RepeatStreak() int { return l.repeatStreak }

func (l *MoveLedger) DomainStreak() int { return l.domainStreak }

func (l *MoveLedger) LastDomain() string { return l.lastDomain }

func (l *MoveLedger) LastSourceClass() string { return l.lastSourceClass }
