// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrixfmt converts Matrix HTML to Mattermost markdown.
//
// The conversion is an ordered table of rewrite passes, each consuming the
// output of the previous one. Code regions are extracted into opaque
// placeholders before any pass runs, so markdown-like text inside code
// (e.g. "**not bold**") is never rewritten; ordering alone would not
// guarantee that.
package matrixfmt

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"
)

var (
	preRe        = regexp.MustCompile(`(?s)<pre><code(?: class="language-([^"]*)")?>(.*?)</code></pre>`)
	codeRe       = regexp.MustCompile(`<code>(.*?)</code>`)
	strongRe     = regexp.MustCompile(`(?s)<(?:strong|b)>(.*?)</(?:strong|b)>`)
	emRe         = regexp.MustCompile(`(?s)<(?:em|i)>(.*?)</(?:em|i)>`)
	delRe        = regexp.MustCompile(`(?s)<(?:del|s|strike)>(.*?)</(?:del|s|strike)>`)
	linkRe       = regexp.MustCompile(`<a href="([^"]+)"[^>]*>(.*?)</a>`)
	headingRe    = regexp.MustCompile(`<h([1-6])>(.*?)</h[1-6]>`)
	blockquoteRe = regexp.MustCompile(`(?s)<blockquote>(.*?)</blockquote>`)
	ulRe         = regexp.MustCompile(`(?s)<ul>(.*?)</ul>`)
	olRe         = regexp.MustCompile(`(?s)<ol>(.*?)</ol>`)
	liRe         = regexp.MustCompile(`(?s)<li>(.*?)</li>`)
	pRe          = regexp.MustCompile(`(?s)<p>(.*?)</p>`)
	brRe         = regexp.MustCompile(`<br\s*/?>`)
	tagRe        = regexp.MustCompile(`<[^>]+>`)
)

// rewriteRule is one pass of the HTML-to-markdown pipeline. Simple rules
// use a replacement template; rules that need per-match logic set expand.
type rewriteRule struct {
	pattern *regexp.Regexp
	replace string
	expand  func(groups []string) string
}

func (r rewriteRule) apply(text string) string {
	if r.expand == nil {
		return r.pattern.ReplaceAllString(text, r.replace)
	}
	return r.pattern.ReplaceAllStringFunc(text, func(match string) string {
		return r.expand(r.pattern.FindStringSubmatch(match))
	})
}

// rewriteRules run in table order. Inline emphasis runs before the block
// passes so list items and quotes keep their inner formatting converted.
var rewriteRules = []rewriteRule{
	{pattern: strongRe, replace: "**$1**"},
	{pattern: emRe, replace: "_${1}_"},
	{pattern: delRe, replace: "~~$1~~"},
	{pattern: linkRe, replace: "[$2]($1)"},
	{pattern: headingRe, expand: func(groups []string) string {
		level, _ := strconv.Atoi(groups[1])
		return strings.Repeat("#", level) + " " + groups[2]
	}},
	{pattern: blockquoteRe, expand: func(groups []string) string {
		lines := strings.Split(strings.TrimSpace(groups[1]), "\n")
		for i, line := range lines {
			lines[i] = "> " + strings.TrimSpace(line)
		}
		return strings.Join(lines, "\n")
	}},
	{pattern: ulRe, expand: func(groups []string) string {
		var items []string
		for _, item := range liRe.FindAllStringSubmatch(groups[1], -1) {
			items = append(items, "- "+strings.TrimSpace(item[1]))
		}
		return strings.Join(items, "\n")
	}},
	{pattern: olRe, expand: func(groups []string) string {
		var items []string
		for i, item := range liRe.FindAllStringSubmatch(groups[1], -1) {
			items = append(items, strconv.Itoa(i+1)+". "+strings.TrimSpace(item[1]))
		}
		return strings.Join(items, "\n")
	}},
	{pattern: pRe, replace: "$1\n\n"},
	{pattern: brRe, replace: "\n"},
	{pattern: tagRe, replace: ""},
}

// codeRegion is a protected code span or block extracted before rewriting.
type codeRegion struct {
	markdown string
}

const codePlaceholder = "\x00MXCODE"

// protectCode replaces <pre><code> blocks and inline <code> spans with
// opaque placeholders and returns their markdown renditions. Content is
// entity-unescaped here because no later pass may touch it.
func protectCode(text string) (string, []codeRegion) {
	var regions []codeRegion
	stash := func(markdown string) string {
		idx := len(regions)
		regions = append(regions, codeRegion{markdown: markdown})
		return codePlaceholder + strconv.Itoa(idx) + "\x00"
	}

	text = preRe.ReplaceAllStringFunc(text, func(match string) string {
		groups := preRe.FindStringSubmatch(match)
		lang, body := groups[1], html.UnescapeString(groups[2])
		body = strings.Trim(body, "\n")
		return stash("```" + lang + "\n" + body + "\n```")
	})
	text = codeRe.ReplaceAllStringFunc(text, func(match string) string {
		groups := codeRe.FindStringSubmatch(match)
		return stash("`" + html.UnescapeString(groups[1]) + "`")
	})
	return text, regions
}

// restoreCode substitutes the protected regions back into the rewritten text.
func restoreCode(text string, regions []codeRegion) string {
	for i, region := range regions {
		text = strings.Replace(text, codePlaceholder+strconv.Itoa(i)+"\x00", region.markdown, 1)
	}
	return text
}

// Parse converts Matrix message content to Mattermost markdown. Content
// without an HTML body passes through unchanged.
func Parse(content *event.MessageEventContent) string {
	if content == nil {
		return ""
	}
	if content.Format != event.FormatHTML || content.FormattedBody == "" {
		return content.Body
	}

	text, regions := protectCode(content.FormattedBody)
	for _, rule := range rewriteRules {
		text = rule.apply(text)
	}
	text = html.UnescapeString(text)
	text = restoreCode(text, regions)
	return strings.TrimSpace(text)
}
