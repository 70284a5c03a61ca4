package rewriter

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/JakeFAU/story-pipeline/internal/pipeline"
)

// DatetimePlaceholder is replaced with the current time in prompts.
const DatetimePlaceholder = "___DATETIME___"

var (
	titleMarker = regexp.MustCompile(`(?s)\{title\}(.*?)\{/title\}`)
	tagsMarker  = regexp.MustCompile(`(?s)\{tags\}(.*?)\{/tags\}`)
	fencedJSON  = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
)

// ExpandPrompt fills the datetime placeholder.
func ExpandPrompt(prompt string, now time.Time) string {
	return strings.ReplaceAll(prompt, DatetimePlaceholder, now.Format("2006-01-02 15:04:05"))
}

// WordCount counts whitespace separated words.
func WordCount(s string) int {
	return len(strings.Fields(s))
}

// Truncate keeps the first n words.
func Truncate(s string, n int) string {
	words := strings.Fields(s)
	if len(words) <= n {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:n], " ")
}

// ExtractFields pulls title and tags out of generated text. Inline markers
// win; otherwise embedded JSON is tried. The result is empty, never an
// error, when nothing matches.
func ExtractFields(text string) pipeline.RewriteResult {
	var res pipeline.RewriteResult
	if m := titleMarker.FindStringSubmatch(text); m != nil {
		res.Title = cleanTitle(m[1])
	}
	if m := tagsMarker.FindStringSubmatch(text); m != nil {
		res.Tags = splitTags(m[1])
	}
	if res.Title != "" || res.Tags != nil {
		body := titleMarker.ReplaceAllString(text, "")
		body = tagsMarker.ReplaceAllString(body, "")
		res.Body = strings.TrimSpace(body)
		return res
	}

	obj := ExtractObject(text)
	if len(obj) == 0 {
		res.Body = strings.TrimSpace(text)
		return res
	}
	res.Title = cleanTitle(stringField(obj, "title"))
	res.Tags = tagsField(obj["tags"])
	res.Excerpt = firstString(obj, "summary", "excerpt")
	res.Body = firstString(obj, "content", "body")
	if res.Body == "" {
		res.Body = strings.TrimSpace(text)
	}
	return res
}

// Metadata is the answer to the metadata prompt.
type Metadata struct {
	Title   string
	Summary string
	Tags    []string
}

func (m Metadata) empty() bool {
	return m.Title == "" && m.Summary == "" && len(m.Tags) == 0
}

// ParseMetadata reads {title, summary, tags} from generated text.
func ParseMetadata(text string) Metadata {
	obj := ExtractObject(text)
	return Metadata{
		Title:   cleanTitle(stringField(obj, "title")),
		Summary: firstString(obj, "summary", "excerpt"),
		Tags:    tagsField(obj["tags"]),
	}
}

// ExtractObject returns the first JSON object found in text, or nil. A JSON
// array yields its first object element.
func ExtractObject(text string) map[string]any {
	v, ok := ExtractJSON(text)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case map[string]any:
		return t
	case []any:
		for _, el := range t {
			if obj, ok := el.(map[string]any); ok {
				return obj
			}
		}
	}
	return nil
}

// ExtractJSON parses text as JSON, then the first fenced code block, then
// the first balanced {...} span, then the first balanced [...] span.
func ExtractJSON(text string) (any, bool) {
	text = strings.TrimSpace(text)
	if v, ok := parse(text); ok {
		return v, true
	}
	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		if v, ok := parse(m[1]); ok {
			return v, true
		}
	}
	for _, open := range []byte{'{', '['} {
		if span, ok := balanced(text, open); ok {
			if v, ok := parse(span); ok {
				return v, true
			}
		}
	}
	return nil, false
}

func parse(s string) (any, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	switch v.(type) {
	case map[string]any, []any:
		return v, true
	}
	return nil, false
}

// balanced returns the span from the first open byte to its matching close,
// ignoring brackets inside JSON strings.
func balanced(s string, open byte) (string, bool) {
	closeBy := byte('}')
	if open == '[' {
		closeBy = ']'
	}
	start := strings.IndexByte(s, open)
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case closeBy:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func cleanTitle(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "*", ""))
}

func splitTags(s string) []string {
	parts := strings.Split(s, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if tag := strings.TrimSpace(strings.ReplaceAll(p, "*", "")); tag != "" {
			tags = append(tags, tag)
		}
	}
	if len(tags) == 0 {
		return nil
	}
	return tags
}

func tagsField(v any) []string {
	switch t := v.(type) {
	case string:
		return splitTags(t)
	case []any:
		tags := make([]string, 0, len(t))
		for _, el := range t {
			if s := strings.TrimSpace(fmt.Sprint(el)); s != "" {
				tags = append(tags, s)
			}
		}
		if len(tags) == 0 {
			return nil
		}
		return tags
	}
	return nil
}

func stringField(obj map[string]any, key string) string {
	if s, ok := obj[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func firstString(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := stringField(obj, k); s != "" {
			return s
		}
	}
	return ""
}
