// Package shalink turns commit hashes mentioned in text into links to the
// topics of those commits.
package shalink

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/wesm/github-review-mirror/internal/models"
)

const (
	minHashLength = 8
	maxHashLength = 40
)

var (
	wordPattern = regexp.MustCompile(`[0-9A-Za-z]+`)

	// Spans whose content must not be rewritten.
	maskPatterns = []*regexp.Regexp{
		regexp.MustCompile("(?s)```.*?```"),
		regexp.MustCompile("`[^`\n]*`"),
		regexp.MustCompile(`\[[^\]\n]*\]\([^)\n]*\)`),
		regexp.MustCompile(`<[a-z]+://[^>\s]*>`),
		regexp.MustCompile(`https?://\S+`),
	}
)

// TopicFinder looks up commit topics by hash prefix.
type TopicFinder interface {
	FindCommitTopicsByPrefix(ctx context.Context, prefix string) ([]*models.Topic, error)
}

// Linker rewrites commit hashes into topic links.
type Linker struct {
	finder  TopicFinder
	baseURL string
}

// NewLinker creates a Linker producing links under baseURL.
func NewLinker(finder TopicFinder, baseURL string) *Linker {
	return &Linker{finder: finder, baseURL: strings.TrimRight(baseURL, "/")}
}

type span struct{ start, end int }

// DetectAndLinkShas replaces the first occurrence of every resolvable hash in
// text with a link to its topic, and returns the topics it linked keyed by
// the hash as written. A hash is a run of 8 to 40 lowercase hex characters
// not adjacent to other letters or digits; it resolves when exactly one
// commit topic starts with it. Code spans and existing links are left alone.
func (l *Linker) DetectAndLinkShas(ctx context.Context, text string) (string, map[string]*models.Topic, error) {
	masked := maskedSpans(text)

	var (
		firsts = map[string]span{}
		order  []string
		linked = map[string]*models.Topic{}
	)
	for _, loc := range wordPattern.FindAllStringIndex(text, -1) {
		s := span{loc[0], loc[1]}
		word := text[s.start:s.end]
		if !isHash(word) || insideAny(s, masked) {
			continue
		}
		if _, ok := firsts[word]; ok {
			continue
		}
		firsts[word] = s
		order = append(order, word)
	}

	for _, hash := range order {
		topics, err := l.finder.FindCommitTopicsByPrefix(ctx, hash)
		if err != nil {
			return text, nil, fmt.Errorf("failed to look up commit %s: %w", hash, err)
		}
		if topic := unique(topics); topic != nil {
			linked[hash] = topic
		}
	}
	if len(linked) == 0 {
		return text, linked, nil
	}

	replace := make([]string, 0, len(linked))
	for hash := range linked {
		replace = append(replace, hash)
	}
	sort.Slice(replace, func(i, j int) bool { return firsts[replace[i]].start < firsts[replace[j]].start })

	var b strings.Builder
	last := 0
	for _, hash := range replace {
		s := firsts[hash]
		b.WriteString(text[last:s.start])
		fmt.Fprintf(&b, "[%s](%s/t/%d)", hash, l.baseURL, linked[hash].ID)
		last = s.end
	}
	b.WriteString(text[last:])
	return b.String(), linked, nil
}

func isHash(word string) bool {
	if len(word) < minHashLength || len(word) > maxHashLength {
		return false
	}
	for i := 0; i < len(word); i++ {
		c := word[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// unique returns the single commit the topics refer to, or nil when the
// prefix matches none or several.
func unique(topics []*models.Topic) *models.Topic {
	var found *models.Topic
	for _, t := range topics {
		if found != nil && t.CommitHash != found.CommitHash {
			return nil
		}
		if found == nil {
			found = t
		}
	}
	return found
}

func maskedSpans(text string) []span {
	var spans []span
	for _, re := range maskPatterns {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			spans = append(spans, span{loc[0], loc[1]})
		}
	}
	return spans
}

func insideAny(s span, spans []span) bool {
	for _, m := range spans {
		if s.start >= m.start && s.end <= m.end {
			return true
		}
	}
	return false
}
