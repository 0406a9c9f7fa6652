// Package template slices a Markdown report template into TemplateSections
// for the report pipeline's stage 2 (spec §4.8.1).
//
// Grounded on ReportEngine/core/template_parser.py's heading/bullet/numeric
// heuristics.
package template

import (
	"regexp"
	"strings"
)

// Section mirrors the spec's TemplateSection data-model entry.
type Section struct {
	ChapterID string
	Title     string
	Slug      string
	Order     int
	Depth     int
	Number    string
	Outline   []string
}

var (
	headingPattern    = regexp.MustCompile(`^(#{1,6})\s+(.*)$`)
	bulletPattern     = regexp.MustCompile(`^(\s*)[-*+]\s+(.*)$`)
	numberedPattern   = regexp.MustCompile(`^(\s*)(\d+(?:\.\d+)*)[.\)]\s+(.*)$`)
	nonSlugCharPattern = regexp.MustCompile(`[^A-Za-z0-9\x{4e00}-\x{9fff}_-]+`)
	dashesPattern      = regexp.MustCompile(`-{2,}`)
)

// ParseSections classifies each line of markdown as a heading (level<=2
// starts a section; deeper headings become outline content), a
// numeric-prefixed line at indent<=1 (starts a section), a bullet (starts
// a section when none exists yet and its indent is <=1; otherwise becomes
// outline content of the current section), or plain text (appended to the
// current section's outline; ignored before the first section). order
// increments by 10 per section;
// chapterId is assigned sequentially after parsing. Falls back to a single
// "comprehensive analysis" section when no heading/bullet/numeric line is
// found anywhere in markdown.
func ParseSections(markdown string) []Section {
	var sections []Section
	usedSlugs := map[string]int{}

	order := 0
	var current *Section

	startSection := func(title string, depth int, number string) {
		order += 10
		slug := slugify(title)
		slug = dedupeSlug(slug, usedSlugs)
		sections = append(sections, Section{
			Title:  strings.TrimSpace(title),
			Slug:   slug,
			Order:  order,
			Depth:  depth,
			Number: number,
		})
		current = &sections[len(sections)-1]
	}

	for _, raw := range strings.Split(markdown, "\n") {
		line := strings.TrimRight(raw, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		if m := headingPattern.FindStringSubmatch(line); m != nil {
			level := len(m[1])
			if level <= 2 {
				startSection(m[2], level, "")
				continue
			}
			if current != nil {
				current.Outline = append(current.Outline, strings.TrimSpace(m[2]))
			}
			continue
		}

		if m := numberedPattern.FindStringSubmatch(line); m != nil {
			indent := len(m[1])
			if indent <= 1 {
				startSection(m[3], 1, m[2])
				continue
			}
			if current != nil {
				current.Outline = append(current.Outline, strings.TrimSpace(m[3]))
			}
			continue
		}

		if m := bulletPattern.FindStringSubmatch(line); m != nil {
			indent := len(m[1])
			if indent <= 1 && current == nil {
				startSection(m[2], 1, "")
				continue
			}
			if current != nil {
				current.Outline = append(current.Outline, strings.TrimSpace(m[2]))
			}
			continue
		}

		if current != nil {
			current.Outline = append(current.Outline, strings.TrimSpace(line))
		}
	}

	if len(sections) == 0 {
		return []Section{{
			ChapterID: "S1",
			Title:     "综合分析",
			Slug:      "section-1",
			Order:     10,
			Depth:     1,
		}}
	}

	for i := range sections {
		sections[i].ChapterID = chapterIDFor(i)
	}
	return sections
}

func chapterIDFor(idx int) string {
	return "S" + itoa(idx+1)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// slugify normalizes a title into a URL-safe slug: strip characters
// outside [A-Za-z0-9一-鿿_-], collapse runs of dashes, fall back
// to "section" if nothing survives, then lowercase. This is ChapterStore's
// SafeSlug rule (spec §4.4) plus lowercasing; SafeSlug leaves the result
// unchanged.
func slugify(title string) string {
	s := strings.TrimSpace(title)
	s = strings.ReplaceAll(s, " ", "-")
	s = nonSlugCharPattern.ReplaceAllString(s, "-")
	s = dashesPattern.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	s = strings.ToLower(s)
	if s == "" {
		return "section"
	}
	return s
}

func dedupeSlug(slug string, used map[string]int) string {
	used[slug]++
	if used[slug] == 1 {
		return slug
	}
	return slug + "-" + itoa(used[slug])
}
