package composer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/companion/internal/retrieval"
)

const defaultMaxPromptTokens = 4000

// Persona is the part of a companion the prompt needs.
type Persona struct {
	Name         string
	Instructions string
}

// Composer assembles the raw completion prompt for one companion turn from
// the persona, retrieved documents and the recent dialogue.
type Composer struct {
	MaxPromptTokens int
}

// New creates a Composer with the given token budget for the whole prompt.
// If maxPromptTokens <= 0, the default (4000) is used.
func New(maxPromptTokens int) *Composer {
	if maxPromptTokens <= 0 {
		maxPromptTokens = defaultMaxPromptTokens
	}
	return &Composer{MaxPromptTokens: maxPromptTokens}
}

// Compose builds the prompt. Sections appear in a fixed order: instructions,
// the no-prefix constraint, retrieved context best first, recent history
// oldest first and finally the "<Name>:" cue. Only retrieved documents are
// dropped to fit the budget, lowest score first.
func (c *Composer) Compose(p Persona, docs []retrieval.Document, recent []string) string {
	head := c.head(p)
	tail := c.tail(p, recent)

	header := fmt.Sprintf("Below are relevant details about %s's past and the conversation you are in.\n", p.Name)
	remaining := c.MaxPromptTokens - EstimateTokens(head) - EstimateTokens(tail) - EstimateTokens(header)
	selected := selectDocs(docs, remaining)

	var sb strings.Builder
	sb.WriteString(head)
	if len(selected) > 0 {
		sb.WriteString(header)
		for _, d := range selected {
			sb.WriteString(d)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	sb.WriteString(tail)
	return sb.String()
}

func (c *Composer) head(p Persona) string {
	var sb strings.Builder
	if p.Instructions != "" {
		sb.WriteString(strings.TrimSpace(p.Instructions))
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "ONLY generate plain sentences without prefix of who is speaking. DO NOT use %s: prefix.\n\n", p.Name)
	return sb.String()
}

func (c *Composer) tail(p Persona, recent []string) string {
	var sb strings.Builder
	for _, line := range recent {
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	sb.WriteString(p.Name)
	sb.WriteString(":")
	return sb.String()
}

// selectDocs keeps the highest scoring documents that fit in budget tokens
// and returns their contents best first.
func selectDocs(docs []retrieval.Document, budget int) []string {
	if len(docs) == 0 || budget <= 0 {
		return nil
	}
	sorted := make([]retrieval.Document, len(docs))
	copy(sorted, docs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	var out []string
	for _, d := range sorted {
		content := strings.TrimSpace(d.Content)
		if content == "" {
			continue
		}
		tokens := EstimateTokens(content + "\n")
		if tokens > budget {
			continue
		}
		out = append(out, content)
		budget -= tokens
	}
	return out
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
