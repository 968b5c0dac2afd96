package chunker

import (
	"strings"
)

// Section is one synthetic page extracted from an llms.txt file.
type Section struct {
	Title   string
	Content string
}

// SplitLLMSText splits llms.txt / llms-full.txt content on its H2 section
// markers, producing one synthetic page per section. Text before the first
// marker becomes a preamble section titled by the H1 when present. Files
// without any markers come back as a single section.
func SplitLLMSText(text string) []Section {
	lines := strings.Split(text, "\n")

	var sections []Section
	var title string
	var buf []string

	flush := func() {
		content := strings.TrimSpace(strings.Join(buf, "\n"))
		if content != "" {
			sections = append(sections, Section{Title: title, Content: content})
		}
		buf = buf[:0]
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "## "):
			flush()
			title = strings.TrimSpace(strings.TrimPrefix(trimmed, "## "))
		case strings.HasPrefix(trimmed, "# ") && title == "" && len(sections) == 0:
			// The H1 names the preamble.
			title = strings.TrimSpace(strings.TrimPrefix(trimmed, "# "))
		default:
			buf = append(buf, line)
		}
	}
	flush()

	if len(sections) == 0 {
		content := strings.TrimSpace(text)
		if content == "" {
			return nil
		}
		return []Section{{Title: title, Content: content}}
	}
	return sections
}

// SectionSlug renders a section title as a URL fragment for the synthetic
// page identity.
func SectionSlug(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('-')
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return "section"
	}
	return slug
}
