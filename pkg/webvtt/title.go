package webvtt

import "strings"

// CleanTitle normalises an LLM-generated title: surrounding quotes are
// stripped, and each word is capitalised iff it is the first word or longer
// than three characters; shorter non-leading words are lowercased. The rule
// is deterministic so titles are reproducible across runs.
func CleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	for len(title) >= 2 {
		first, last := title[0], title[len(title)-1]
		if (first == '\'' && last == '\'') || (first == '"' && last == '"') {
			title = title[1 : len(title)-1]
			continue
		}
		break
	}

	words := strings.Fields(title)
	for i, w := range words {
		if i == 0 || len(w) > 3 {
			words[i] = capitalise(w)
		} else {
			words[i] = strings.ToLower(w)
		}
	}
	return strings.Join(words, " ")
}

func capitalise(w string) string {
	if w == "" {
		return w
	}
	return strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
}
