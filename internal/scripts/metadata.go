package scripts

import (
	"encoding/json"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Metadata is what a script's leading documentation block yields.
type Metadata struct {
	Title        string            `json:"title"`
	Description  string            `json:"description"`
	Descriptions map[string]string `json:"descriptions,omitempty"`
}

var longCommentOpenRe = regexp.MustCompile(`^--\[(=*)\[`)

// ParseMetadata extracts title and description from the documentation block
// at the top of source. It never fails: anything it cannot read degrades to
// a title derived from fallbackName and an empty description.
func ParseMetadata(source, fallbackName, locale string) Metadata {
	locale = NormalizeLocale(locale)
	meta := Metadata{}

	block := docBlock(source)
	rest := block
	for len(rest) > 0 && strings.TrimSpace(rest[0]) == "" {
		rest = rest[1:]
	}

	if len(rest) > 0 {
		first := strings.TrimSpace(rest[0])
		if h, ok := jsonHeader(first); ok {
			meta.Title = h.Name
			if h.Description != "" {
				meta.Descriptions = map[string]string{locale: h.Description}
				meta.Description = h.Description
			}
			rest = rest[1:]
		} else if _, _, isLabel := matchLabel(first); !isLabel {
			meta.Title = first
			rest = rest[1:]
		}
	}

	if meta.Description == "" {
		meta.Descriptions, meta.Description = descriptions(rest, locale)
	}
	if meta.Title == "" {
		meta.Title = fallbackTitle(fallbackName, locale)
	}
	return meta
}

// docBlock returns the lines of the leading comment block, comment markers
// removed. It is nil when the source does not start with a comment.
func docBlock(source string) []string {
	source = strings.TrimPrefix(source, "\ufeff")
	lines := strings.Split(source, "\n")
	for i := range lines {
		lines[i] = strings.TrimSuffix(lines[i], "\r")
	}

	i := 0
	if len(lines) > 0 && strings.HasPrefix(lines[0], "#!") {
		i++
	}
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	if i >= len(lines) {
		return nil
	}

	head := strings.TrimLeftFunc(lines[i], unicode.IsSpace)
	if m := longCommentOpenRe.FindStringSubmatch(head); m != nil {
		closer := "]" + m[1] + "]"
		var block []string
		line := head[len(m[0]):]
		for {
			if end := strings.Index(line, closer); end >= 0 {
				return append(block, line[:end])
			}
			block = append(block, line)
			i++
			if i >= len(lines) {
				// Unterminated; the interpreter will reject the file anyway.
				return block
			}
			line = lines[i]
		}
	}

	var block []string
	for ; i < len(lines); i++ {
		line := strings.TrimLeftFunc(lines[i], unicode.IsSpace)
		if !strings.HasPrefix(line, "--") {
			break
		}
		block = append(block, strings.TrimLeft(line, "-"))
	}
	return block
}

type header struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// jsonHeader reads a `{"name": ..., "description": ...}` first line.
func jsonHeader(line string) (header, bool) {
	var h header
	if !strings.HasPrefix(line, "{") || !strings.HasSuffix(line, "}") {
		return h, false
	}
	if err := json.Unmarshal([]byte(line), &h); err != nil || h.Name == "" {
		return h, false
	}
	return h, true
}

// matchLabel reports whether line starts with a description label followed
// by a colon, returning the label's locale and the text after the colon.
func matchLabel(line string) (locale, text string, ok bool) {
	line = strings.TrimSpace(line)
	for _, l := range descriptionLabels {
		n := utf8.RuneCountInString(l.label)
		prefix, after := splitRunes(line, n)
		if !strings.EqualFold(prefix, l.label) {
			continue
		}
		after = strings.TrimLeftFunc(after, unicode.IsSpace)
		if !strings.HasPrefix(after, ":") {
			continue
		}
		return l.locale, strings.TrimSpace(after[1:]), true
	}
	return "", "", false
}

func splitRunes(s string, n int) (string, string) {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos], s[pos:]
		}
		i++
	}
	return s, ""
}

// descriptions collects labelled descriptions from the block lines after the
// title and picks the one for locale, then English, then the first found.
// Without any label the non-empty lines form the description.
func descriptions(lines []string, locale string) (map[string]string, string) {
	found := make(map[string]string)
	var order []string
	var plain []string

	current := ""
	var buf []string
	flush := func() {
		if current != "" {
			if _, seen := found[current]; !seen {
				found[current] = strings.Join(buf, " ")
				order = append(order, current)
			}
		}
		current, buf = "", nil
	}

	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if loc, text, ok := matchLabel(line); ok {
			flush()
			current = loc
			if text != "" {
				buf = append(buf, text)
			}
			continue
		}
		if line == "" {
			flush()
			continue
		}
		if current != "" {
			buf = append(buf, line)
			continue
		}
		plain = append(plain, line)
	}
	flush()

	if len(order) == 0 {
		if len(plain) == 0 {
			return nil, ""
		}
		return nil, strings.Join(plain, " ")
	}

	for _, loc := range []string{locale, LocaleEN, order[0]} {
		if d, ok := found[loc]; ok {
			return found, d
		}
	}
	return found, ""
}

// fallbackTitle humanises a file name: "layer_stats.lua" → "Layer Stats".
func fallbackTitle(name, locale string) string {
	name = strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	if name == "." || name == string(filepath.Separator) {
		name = ""
	}
	words := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-' || unicode.IsSpace(r)
	})
	if len(words) == 0 {
		return untitledFor(locale)
	}
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}
