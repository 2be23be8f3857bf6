// Copyright 2024-2026 Aiku AI

// Package mattermostfmt converts Mattermost markdown to Matrix HTML.
//
// Pipeline order matters: fenced code blocks are extracted into opaque
// placeholders first, then line-oriented structure (quotes, headings,
// lists) is detected on the raw unescaped text, and only the remaining
// text is HTML-escaped before the inline passes. Escaping first would
// corrupt the structural markers — "&gt; quote" no longer looks like a
// quote — so the order is pinned by regression tests.
package mattermostfmt

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"
)

// ParsedMessage holds the result of converting Mattermost markdown to
// Matrix format. For plain text only Body is set; FormattedBody and
// Format are populated together, never separately.
type ParsedMessage struct {
	Body          string
	Format        event.Format
	FormattedBody string
	RelatesTo     *event.RelatesTo
}

var (
	codeBlockRe  = regexp.MustCompile("(?s)```(\\w+)?\\n?(.*?)```")
	codeRe       = regexp.MustCompile("`([^`]+)`")
	boldRe       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicRe     = regexp.MustCompile(`(^|[^\w*])_([^_\n]+)_($|[^\w*])`)
	strikeRe     = regexp.MustCompile(`~~(.+?)~~`)
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	headingRe    = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)
	blockquoteRe = regexp.MustCompile(`(?m)^>\s+(.+)$`)
	ulRe         = regexp.MustCompile(`(?m)^[-*]\s+(.+)$`)
	olRe         = regexp.MustCompile(`(?m)^\d+\.\s+(.+)$`)
)

// markupIndicators are the patterns that decide whether conversion is
// attempted at all. Plain text takes the fast path and never produces a
// formatted body.
var markupIndicators = []*regexp.Regexp{
	codeBlockRe, codeRe, boldRe, italicRe, strikeRe,
	linkRe, headingRe, blockquoteRe, ulRe, olRe,
}

func hasMarkup(text string) bool {
	for _, re := range markupIndicators {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// codeBlock holds one extracted fenced code block.
type codeBlock struct {
	lang    string
	content string
}

const blockPlaceholder = "\x00CODEBLOCK"

// extractCodeBlocks pulls fenced code blocks out into placeholders before
// any other processing touches the text, capturing the optional language
// tag. Their content is restored verbatim at the end of the pipeline.
func extractCodeBlocks(text string) (string, []codeBlock) {
	var blocks []codeBlock
	processed := codeBlockRe.ReplaceAllStringFunc(text, func(match string) string {
		groups := codeBlockRe.FindStringSubmatch(match)
		idx := len(blocks)
		blocks = append(blocks, codeBlock{lang: groups[1], content: groups[2]})
		return blockPlaceholder + strconv.Itoa(idx) + "\x00"
	})
	return processed, blocks
}

// restoreCodeBlocks substitutes placeholders with <pre><code> elements,
// applying the captured language tag as a class.
func restoreCodeBlocks(text string, blocks []codeBlock) string {
	for i, cb := range blocks {
		escaped := html.EscapeString(cb.content)
		var replacement string
		if cb.lang != "" {
			replacement = `<pre><code class="language-` + html.EscapeString(cb.lang) + `">` + escaped + `</code></pre>`
		} else {
			replacement = `<pre><code>` + escaped + `</code></pre>`
		}
		text = strings.Replace(text, blockPlaceholder+strconv.Itoa(i)+"\x00", replacement, 1)
	}
	return text
}

// renderStructure walks the text line by line, converting block quotes,
// headings and list runs on the raw unescaped input. All other lines are
// HTML-escaped here so the later inline passes operate on safe text.
func renderStructure(text string) string {
	lines := strings.Split(text, "\n")
	var result []string
	var listTag string
	var listItems []string

	flushList := func() {
		if len(listItems) == 0 {
			return
		}
		result = append(result, "<"+listTag+">"+strings.Join(listItems, "")+"</"+listTag+">")
		listItems = nil
		listTag = ""
	}

	for _, line := range lines {
		if m := blockquoteRe.FindStringSubmatch(line); len(m) >= 2 {
			flushList()
			result = append(result, "<blockquote>"+html.EscapeString(m[1])+"</blockquote>")
			continue
		}
		if m := headingRe.FindStringSubmatch(line); len(m) >= 3 {
			flushList()
			lvl := strconv.Itoa(len(m[1]))
			result = append(result, "<h"+lvl+">"+html.EscapeString(m[2])+"</h"+lvl+">")
			continue
		}
		if m := ulRe.FindStringSubmatch(line); len(m) >= 2 {
			if listTag != "ul" {
				flushList()
				listTag = "ul"
			}
			listItems = append(listItems, "<li>"+html.EscapeString(m[1])+"</li>")
			continue
		}
		if m := olRe.FindStringSubmatch(line); len(m) >= 2 {
			if listTag != "ol" {
				flushList()
				listTag = "ol"
			}
			listItems = append(listItems, "<li>"+html.EscapeString(m[1])+"</li>")
			continue
		}
		flushList()
		result = append(result, html.EscapeString(line))
	}
	flushList()

	return strings.Join(result, "\n")
}

// applyInline runs the inline rewrites on already-escaped text.
func applyInline(text string) string {
	text = codeRe.ReplaceAllString(text, "<code>$1</code>")
	text = boldRe.ReplaceAllString(text, "<strong>$1</strong>")
	text = italicRe.ReplaceAllString(text, "$1<em>$2</em>$3")
	text = strikeRe.ReplaceAllString(text, "<del>$1</del>")

	// Links — only allow safe URL schemes.
	return linkRe.ReplaceAllStringFunc(text, func(match string) string {
		groups := linkRe.FindStringSubmatch(match)
		label, href := groups[1], groups[2]
		lower := strings.ToLower(strings.TrimSpace(href))
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "mailto:") {
			return `<a href="` + href + `">` + label + `</a>`
		}
		// Unsafe scheme (javascript:, data:, ...) — render as plain text.
		return label
	})
}

// Parse converts a Mattermost markdown message to Matrix event content.
// Input with no markup yields a plain-body-only result.
func Parse(text string) *ParsedMessage {
	if text == "" {
		return &ParsedMessage{}
	}
	if !hasMarkup(text) {
		return &ParsedMessage{Body: text}
	}

	processed, blocks := extractCodeBlocks(text)
	formatted := renderStructure(processed)
	formatted = applyInline(formatted)

	// Paragraphs (blank-line-separated runs), then remaining line breaks.
	// Code blocks are restored afterwards so their newlines stay literal
	// inside <pre>.
	formatted = strings.ReplaceAll(formatted, "\n\n", "</p><p>")
	formatted = strings.ReplaceAll(formatted, "\n", "<br/>")
	if strings.Contains(formatted, "</p><p>") {
		formatted = "<p>" + formatted + "</p>"
	}
	formatted = restoreCodeBlocks(formatted, blocks)

	return &ParsedMessage{
		Body:          text,
		Format:        event.FormatHTML,
		FormattedBody: formatted,
	}
}
