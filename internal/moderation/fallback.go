// Package moderation provides the fallback applied when a vendor rejects a
// stage input on policy grounds. The rewrite is attempted at most once per
// stage per scene; the scheduler enforces that budget.
package moderation

import (
	"log/slog"
	"strings"
	"unicode"

	"github.com/reelforge/reelforge-engine/internal/job"
)

// Rewriter substitutes an alternate input for one retry attempt after a
// moderation rejection. Implementations must be pure: same input, same output.
type Rewriter interface {
	Rewrite(in job.SceneInputs) job.SceneInputs
}

// TermRewriter replaces flagged terms with euphemistic phrasing and softens
// the visual prompt. It is deliberately simple; richer strategies (LLM-backed
// rephrasing) plug in behind the same interface.
type TermRewriter struct {
	substitutions map[string]string
	logger        *slog.Logger
}

// defaultSubstitutions maps commonly flagged terms to metaphorical phrasing.
var defaultSubstitutions = map[string]string{
	"blood":  "crimson stain",
	"bloody": "crimson-stained",
	"kill":   "confront",
	"killed": "confronted",
	"murder": "tragedy",
	"gun":    "cold metal object",
	"knife":  "glinting blade shape",
	"corpse": "still figure",
	"dead":   "lifeless",
	"weapon": "ominous object",
}

// NewTermRewriter creates a rewriter with the default substitution table.
func NewTermRewriter(logger *slog.Logger) *TermRewriter {
	return &TermRewriter{substitutions: defaultSubstitutions, logger: logger}
}

// NewTermRewriterWithTable creates a rewriter with a custom table.
func NewTermRewriterWithTable(table map[string]string, logger *slog.Logger) *TermRewriter {
	return &TermRewriter{substitutions: table, logger: logger}
}

// Rewrite returns inputs with flagged terms substituted and the visual prompt
// softened. The original inputs are not modified.
func (r *TermRewriter) Rewrite(in job.SceneInputs) job.SceneInputs {
	out := in
	out.Narration = r.substitute(in.Narration)
	out.VisualPrompt = r.substitute(in.VisualPrompt)
	if out.VisualPrompt != "" && !strings.HasPrefix(out.VisualPrompt, softenPrefix) {
		out.VisualPrompt = softenPrefix + out.VisualPrompt
	}

	r.logger.Info("moderation fallback rewrote scene inputs",
		"narration_changed", out.Narration != in.Narration,
		"prompt_changed", out.VisualPrompt != in.VisualPrompt,
	)
	return out
}

const softenPrefix = "tasteful, stylized, suggestive-not-explicit depiction: "

// substitute replaces whole-word matches case-insensitively, preserving the
// surrounding text untouched.
func (r *TermRewriter) substitute(text string) string {
	if text == "" {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))

	word := strings.Builder{}
	flush := func() {
		if word.Len() == 0 {
			return
		}
		w := word.String()
		if repl, ok := r.substitutions[strings.ToLower(w)]; ok {
			b.WriteString(matchCase(w, repl))
		} else {
			b.WriteString(w)
		}
		word.Reset()
	}

	for _, c := range text {
		if unicode.IsLetter(c) || c == '\'' {
			word.WriteRune(c)
			continue
		}
		flush()
		b.WriteRune(c)
	}
	flush()
	return b.String()
}

// matchCase upper-cases the replacement's first rune when the original word
// was capitalized.
func matchCase(original, replacement string) string {
	if original == "" || replacement == "" {
		return replacement
	}
	first := []rune(original)[0]
	if unicode.IsUpper(first) {
		runes := []rune(replacement)
		runes[0] = unicode.ToUpper(runes[0])
		return string(runes)
	}
	return replacement
}
