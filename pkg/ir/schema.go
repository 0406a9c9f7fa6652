// Package ir holds the document-IR types shared by the chapter store, the
// validator, and the document composer, plus the IRValidator itself.
//
// Grounded on ReportEngine/ir/schema.py and ReportEngine/ir/validator.py.
package ir

// Version is the document-IR schema version stamped onto DocumentIR.Version.
const Version = "1.0"

// AllowedBlockTypes is the closed set of chapter block kinds.
var AllowedBlockTypes = map[string]bool{
	"heading":     true,
	"paragraph":   true,
	"list":        true,
	"table":       true,
	"swotTable":   true,
	"pestTable":   true,
	"blockquote":  true,
	"engineQuote": true,
	"callout":     true,
	"kpiGrid":     true,
	"widget":      true,
	"code":        true,
	"math":        true,
	"figure":      true,
	"hr":          true,
	"toc":         true,
}

// AllowedInlineMarks is the closed set of inline-run mark kinds.
var AllowedInlineMarks = map[string]bool{
	"bold":         true,
	"italic":       true,
	"underline":    true,
	"strike":       true,
	"code":         true,
	"link":         true,
	"color":        true,
	"font":         true,
	"highlight":    true,
	"subscript":    true,
	"superscript":  true,
	"math":         true,
}

// EngineAgentTitles maps an engineQuote block's engine key to its fixed
// Chinese display title.
var EngineAgentTitles = map[string]string{
	"insight": "洞察引擎",
	"media":   "媒体引擎",
	"query":   "数据引擎",
}

// AllowedImpactValues is the closed rating set for swotTable/pestTable item
// impact fields. This is the authoritative Chinese enum, not the English
// paraphrase found in the source docstrings.
var AllowedImpactValues = map[string]bool{
	"低":  true,
	"中低": true,
	"中":  true,
	"中高": true,
	"高":  true,
	"极高": true,
}

// Block is a single structural element of a chapter. It is kept as a loose
// map rather than a tagged union: the sixteen block kinds have disjoint,
// evolving field sets, and blocks arrive fresh out of JSONRepair.Parse as
// map[string]any — wrapping them in structs would mean re-marshaling on
// every chapter, twice.
type Block = map[string]any

// ChapterPayload is the IR unit persisted by the chapter store and bound
// into a DocumentIR by the composer.
type ChapterPayload struct {
	ChapterID string         `json:"chapterId"`
	Title     string         `json:"title"`
	Anchor    string         `json:"anchor"`
	Order     int            `json:"order"`
	Blocks    []Block        `json:"blocks"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// DocumentIR is the fully composed, render-ready document.
type DocumentIR struct {
	Version     string           `json:"version"`
	ReportID    string           `json:"reportId"`
	Title       string           `json:"title"`
	Chapters    []ChapterPayload `json:"chapters"`
	Meta        map[string]any   `json:"metadata,omitempty"`
	Assets      []string         `json:"assets,omitempty"`
	GeneratedAt string           `json:"generatedAt,omitempty"`
}
