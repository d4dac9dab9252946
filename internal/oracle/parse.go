package oracle

import (
	"cmp"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/hochfrequenz/cascade/internal/domain"
)

// MaxTestOutput is how much of the last test output a fix prompt carries
const MaxTestOutput = 3000

// TailTruncate keeps the last max bytes of s, cut at a rune boundary
func TailTruncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	s = s[len(s)-max:]
	for len(s) > 0 && !utf8Start(s[0]) {
		s = s[1:]
	}
	return s
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }

var (
	jsonBlockRegex = regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```")
	backtickPath   = regexp.MustCompile("`([^`\\s]+\\.[a-zA-Z]{1,10})`")
	barePath       = regexp.MustCompile(`(?:^|[\s:(])([a-zA-Z_./][\w./\-]*\.[a-zA-Z]{1,10})\b`)
	severityWord   = regexp.MustCompile(`(?i)\b(blocking|critical|high|medium|low)\b`)
	reviewLine     = regexp.MustCompile(`^\s*[-*]\s*\[(\w+)\]\s*(.+)$`)
	verdictLine    = regexp.MustCompile(`(?im)^\s*VERDICT:\s*(approve|block)\b`)
)

type structuredFindings struct {
	Files []struct {
		Path     string `json:"path"`
		Severity string `json:"severity"`
		Note     string `json:"note"`
	} `json:"files"`
}

// ParseFindings extracts the affected files from discovery text. A fenced
// JSON block {"files": [...]} wins; otherwise paths are picked out of the prose
// and only files that exist under repoRoot are kept. The result is ranked by
// severity, then order of appearance.
func ParseFindings(text, repoRoot string) []domain.Finding {
	findings := parseStructured(text)
	if findings == nil {
		findings = parseHeuristic(text, repoRoot)
	}
	slices.SortStableFunc(findings, func(a, b domain.Finding) int {
		return cmp.Compare(a.Severity.Rank(), b.Severity.Rank())
	})
	return findings
}

func parseStructured(text string) []domain.Finding {
	m := jsonBlockRegex.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	var sf structuredFindings
	if err := json.Unmarshal([]byte(m[1]), &sf); err != nil || sf.Files == nil {
		return nil
	}
	findings := make([]domain.Finding, 0, len(sf.Files))
	seen := make(map[string]bool)
	for _, f := range sf.Files {
		p := cleanPath(f.Path)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		sev := domain.ParseSeverity(strings.ToLower(f.Severity))
		if sev == domain.SeverityBlocking {
			// blocking is reserved for review
			sev = domain.SeverityHigh
		}
		findings = append(findings, domain.Finding{Path: p, Severity: sev, Note: f.Note})
	}
	return findings
}

func parseHeuristic(text, repoRoot string) []domain.Finding {
	var findings []domain.Finding
	seen := make(map[string]bool)
	for _, line := range strings.Split(text, "\n") {
		type match struct {
			pos  int
			path string
		}
		var matches []match
		for _, re := range []*regexp.Regexp{backtickPath, barePath} {
			for _, idx := range re.FindAllStringSubmatchIndex(line, -1) {
				matches = append(matches, match{idx[2], line[idx[2]:idx[3]]})
			}
		}
		slices.SortFunc(matches, func(a, b match) int { return cmp.Compare(a.pos, b.pos) })

		sev := domain.SeverityMedium
		if w := severityWord.FindString(line); w != "" {
			sev = domain.ParseSeverity(strings.ToLower(w))
			if sev == domain.SeverityBlocking {
				sev = domain.SeverityHigh
			}
		}
		for _, m := range matches {
			p := cleanPath(m.path)
			if p == "" || seen[p] || !existsUnder(repoRoot, p) {
				continue
			}
			seen[p] = true
			findings = append(findings, domain.Finding{Path: p, Severity: sev, Note: strings.TrimSpace(line)})
		}
	}
	return findings
}

func cleanPath(p string) string {
	p = strings.TrimSpace(p)
	p = strings.TrimPrefix(p, "./")
	if p == "" || !filepath.IsLocal(p) {
		return ""
	}
	return filepath.ToSlash(filepath.Clean(p))
}

func existsUnder(root, rel string) bool {
	if root == "" {
		return true
	}
	info, err := os.Stat(filepath.Join(root, rel))
	return err == nil && !info.IsDir()
}

// ParseReview extracts "- [severity] path: note" lines and the final
// VERDICT line from review text.
func ParseReview(text string) ([]domain.Finding, Verdict) {
	var findings []domain.Finding
	for _, line := range strings.Split(text, "\n") {
		m := reviewLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		f := domain.Finding{Severity: domain.ParseSeverity(strings.ToLower(m[1])), Note: strings.TrimSpace(m[2])}
		if path, note, ok := strings.Cut(f.Note, ":"); ok && looksLikePath(path) {
			f.Path = strings.Trim(strings.TrimSpace(path), "`")
			f.Note = strings.TrimSpace(note)
		}
		findings = append(findings, f)
	}

	verdict := VerdictNone
	if all := verdictLine.FindAllStringSubmatch(text, -1); len(all) > 0 {
		verdict = Verdict(strings.ToLower(all[len(all)-1][1]))
	}
	return findings, verdict
}

func looksLikePath(s string) bool {
	s = strings.Trim(strings.TrimSpace(s), "`")
	return s != "" && !strings.ContainsAny(s, " \t") && strings.ContainsAny(s, "./")
}
