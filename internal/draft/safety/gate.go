// Package safety implements the safety gate: a pure, side-effect-free
// evaluator that annotates a draft with a risk verdict. The gate informs
// human judgment; it never blocks an approval on its own.
package safety

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/draftgate/draftgate/internal/draft/domain"
)

var (
	ssnPattern        = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	nationalIDPattern = regexp.MustCompile(`\b\d{9}\b`)
	cardPattern       = regexp.MustCompile(`\b\d{4}[- ]?\d{4}[- ]?\d{4}[- ]?\d{4}\b`)
	passwordPattern   = regexp.MustCompile(`(?i)\b(password|pwd|passwd)[\s:=]+[\w!@#$%^&*]+`)
)

// Basic toxic-language indicators. Deliberately crude: the gate flags for
// human review, it does not adjudicate.
var toxicKeywords = []string{
	"hate", "kill", "die", "stupid", "idiot", "moron",
	"damn", "hell", "crap", "shut up",
}

var spamWords = []string{"free", "click here", "act now", "$$$", "winner"}

const (
	minBodyLength    = 10
	maxBodyLength    = 5000
	maxSubjectLength = 100
	maxRecipients    = 10
)

// checkResult is the outcome of one independent check.
type checkResult struct {
	severity        domain.RiskLevel
	flags           []string
	recommendations []string
}

type checkFunc func(d *domain.Draft) checkResult

// Gate evaluates drafts against an ordered set of independent checks whose
// results are combined by a max-severity reducer.
type Gate struct {
	blockedDomains map[string]struct{}
	checks         []checkFunc
}

// Option configures a Gate.
type Option func(*Gate)

// WithBlockedDomains flags recipients in the given domains at high severity.
func WithBlockedDomains(domains []string) Option {
	return func(g *Gate) {
		for _, d := range domains {
			g.blockedDomains[strings.ToLower(d)] = struct{}{}
		}
	}
}

// NewGate creates a safety gate with the standard check set.
func NewGate(opts ...Option) *Gate {
	g := &Gate{blockedDomains: map[string]struct{}{}}
	for _, opt := range opts {
		opt(g)
	}
	g.checks = []checkFunc{
		g.checkRecipients,
		checkPII,
		checkToxicContent,
		checkSubject,
		checkBodyLength,
	}
	return g
}

// Evaluate runs all checks against the draft's current content and returns
// the combined verdict. Pure function of draft content: no mutation, no I/O.
func (g *Gate) Evaluate(d *domain.Draft) *domain.SafetyVerdict {
	verdict := &domain.SafetyVerdict{
		Passed:          true,
		RiskLevel:       domain.RiskLow,
		Flags:           []string{},
		Recommendations: []string{},
		ContentDigest:   ContentDigest(d),
		EvaluatedAt:     time.Now().UTC(),
	}
	for _, check := range g.checks {
		res := check(d)
		verdict.Flags = append(verdict.Flags, res.flags...)
		verdict.Recommendations = append(verdict.Recommendations, res.recommendations...)
		verdict.RiskLevel = verdict.RiskLevel.Max(res.severity)
		if res.severity.AtLeast(domain.RiskMedium) {
			verdict.Passed = false
		}
	}
	return verdict
}

// ContentDigest fingerprints the editable content a verdict applies to.
// A verdict whose digest differs from the draft's current digest was computed
// for content the gate never saw and must not back an approval.
func ContentDigest(d *domain.Draft) string {
	h := sha256.New()
	for _, part := range [][]string{d.To, d.Cc, d.Bcc} {
		for _, addr := range part {
			h.Write([]byte(addr))
			h.Write([]byte{0})
		}
		h.Write([]byte{1})
	}
	h.Write([]byte(d.Subject))
	h.Write([]byte{0})
	h.Write([]byte(d.Body))
	return hex.EncodeToString(h.Sum(nil))
}

func (g *Gate) checkRecipients(d *domain.Draft) checkResult {
	var res checkResult
	res.severity = domain.RiskLow

	if len(d.To) == 0 {
		res.severity = domain.RiskHigh
		res.flags = append(res.flags, "No recipients in To")
		res.recommendations = append(res.recommendations, "Provide at least one recipient")
		return res
	}

	flagInvalid := func(field, addr string) {
		res.severity = res.severity.Max(domain.RiskHigh)
		res.flags = append(res.flags, fmt.Sprintf("Invalid %s address: %s", field, addr))
		res.recommendations = append(res.recommendations, fmt.Sprintf("Correct the %s address %q", field, addr))
	}

	for _, addr := range d.To {
		if !ValidAddress(addr) {
			flagInvalid("To", addr)
			continue
		}
		if g.domainBlocked(addr) {
			res.severity = res.severity.Max(domain.RiskHigh)
			res.flags = append(res.flags, "Recipient domain is blocked: "+addr)
		}
	}
	for _, addr := range d.Cc {
		if !ValidAddress(addr) {
			flagInvalid("Cc", addr)
		}
	}
	for _, addr := range d.Bcc {
		if !ValidAddress(addr) {
			flagInvalid("Bcc", addr)
		}
	}

	if total := len(d.To) + len(d.Cc) + len(d.Bcc); total > maxRecipients {
		// Advisory only.
		res.flags = append(res.flags, fmt.Sprintf("Large recipient count: %d", total))
		res.recommendations = append(res.recommendations, "Consider a mailing list for bulk email")
	}
	return res
}

func (g *Gate) domainBlocked(addr string) bool {
	if len(g.blockedDomains) == 0 {
		return false
	}
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return false
	}
	_, blocked := g.blockedDomains[strings.ToLower(addr[at+1:])]
	return blocked
}

func checkPII(d *domain.Draft) checkResult {
	var res checkResult
	res.severity = domain.RiskLow
	combined := d.Subject + " " + d.Body

	patterns := []struct {
		name    string
		pattern *regexp.Regexp
	}{
		{"SSN", ssnPattern},
		{"national ID", nationalIDPattern},
		{"card number", cardPattern},
		{"password", passwordPattern},
	}
	for _, p := range patterns {
		if matches := p.pattern.FindAllString(combined, -1); len(matches) > 0 {
			res.severity = domain.RiskMedium
			res.flags = append(res.flags, fmt.Sprintf("Potential %s detected: %d occurrence(s)", p.name, len(matches)))
			res.recommendations = append(res.recommendations, fmt.Sprintf("Review and remove the %s before sending", p.name))
		}
	}
	return res
}

func checkToxicContent(d *domain.Draft) checkResult {
	var res checkResult
	res.severity = domain.RiskLow
	combined := strings.ToLower(d.Subject + " " + d.Body)

	var found []string
	for _, word := range toxicKeywords {
		if containsWord(combined, word) {
			found = append(found, word)
		}
	}
	if len(found) > 0 {
		if len(found) > 3 {
			found = found[:3]
		}
		res.severity = domain.RiskMedium
		res.flags = append(res.flags, "Potentially inappropriate language detected: "+strings.Join(found, ", "))
		res.recommendations = append(res.recommendations, "Review tone and language for professionalism")
	}

	if len(d.Subject) > 10 && d.Subject == strings.ToUpper(d.Subject) && d.Subject != strings.ToLower(d.Subject) {
		res.severity = res.severity.Max(domain.RiskMedium)
		res.flags = append(res.flags, "Subject line in ALL CAPS may appear aggressive")
		res.recommendations = append(res.recommendations, "Consider title case for the subject")
	}
	return res
}

// containsWord matches whole words so "killed the build" flags but
// "skill" does not.
func containsWord(text, word string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		beforeOK := start == 0 || !isWordChar(text[start-1])
		afterOK := end == len(text) || !isWordChar(text[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// Subject and length checks are advisory: they flag but never raise risk
// above low on their own.
func checkSubject(d *domain.Draft) checkResult {
	var res checkResult
	res.severity = domain.RiskLow

	trimmed := strings.TrimSpace(d.Subject)
	switch {
	case trimmed == "":
		res.flags = append(res.flags, "Subject line is empty")
		res.recommendations = append(res.recommendations, "Add a descriptive subject line")
	case len(trimmed) < 5:
		res.flags = append(res.flags, "Subject line is very short")
		res.recommendations = append(res.recommendations, "Consider a more descriptive subject")
	case len(d.Subject) > maxSubjectLength:
		res.flags = append(res.flags, fmt.Sprintf("Subject line is very long (> %d characters)", maxSubjectLength))
		res.recommendations = append(res.recommendations, "Shorten the subject line for readability")
	}

	subjectLower := strings.ToLower(d.Subject)
	var found []string
	for _, word := range spamWords {
		if strings.Contains(subjectLower, word) {
			found = append(found, word)
		}
	}
	if len(found) > 0 {
		res.flags = append(res.flags, "Subject contains spam-like words: "+strings.Join(found, ", "))
		res.recommendations = append(res.recommendations, "Avoid spam trigger words in the subject")
	}
	return res
}

func checkBodyLength(d *domain.Draft) checkResult {
	var res checkResult
	res.severity = domain.RiskLow

	switch {
	case len(d.Body) < minBodyLength:
		res.flags = append(res.flags, fmt.Sprintf("Email body is very short (< %d characters)", minBodyLength))
		res.recommendations = append(res.recommendations, "Consider adding more context to the message")
	case len(d.Body) > maxBodyLength:
		res.flags = append(res.flags, fmt.Sprintf("Email body is very long (> %d characters)", maxBodyLength))
		res.recommendations = append(res.recommendations, "Consider splitting the message or linking a document")
	}
	return res
}

// ValidAddress reports whether addr parses as a single RFC 5322 address.
func ValidAddress(addr string) bool {
	if addr == "" {
		return false
	}
	parsed, err := mail.ParseAddress(addr)
	return err == nil && parsed.Address == addr
}
