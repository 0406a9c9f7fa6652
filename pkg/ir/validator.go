package ir

import "fmt"

// Validator checks chapter JSON structure against the block schema before
// a chapter is allowed into the manifest as status=ready. Grounded on
// ReportEngine/ir/validator.py's IRValidator.
type Validator struct {
	schemaVersion string
}

// NewValidator returns a Validator pinned to the current schema version.
func NewValidator() *Validator {
	return &Validator{schemaVersion: Version}
}

// ValidateChapter verifies the required fields and block structure of a
// single chapter object. Errors are path-annotated, e.g.
// "blocks[3].inlines[1].marks[0].type is not supported: foo".
func (v *Validator) ValidateChapter(chapter map[string]any) (bool, []string) {
	var errors []string

	for _, field := range []string{"chapterId", "title", "anchor", "order", "blocks"} {
		if _, ok := chapter[field]; !ok {
			errors = append(errors, fmt.Sprintf("missing chapter.%s", field))
		}
	}

	blocksRaw, ok := chapter["blocks"].([]any)
	if !ok || len(blocksRaw) == 0 {
		errors = append(errors, "chapter.blocks must be a non-empty array")
		return false, errors
	}

	for idx, block := range blocksRaw {
		v.validateBlock(block, fmt.Sprintf("blocks[%d]", idx), &errors)
	}

	return len(errors) == 0, errors
}

func (v *Validator) validateBlock(block any, path string, errors *[]string) {
	m, ok := block.(map[string]any)
	if !ok {
		*errors = append(*errors, path+" must be an object")
		return
	}

	blockType, _ := m["type"].(string)
	if !AllowedBlockTypes[blockType] {
		*errors = append(*errors, fmt.Sprintf("%s.type is not supported: %v", path, m["type"]))
		return
	}

	switch blockType {
	case "heading":
		v.validateHeading(m, path, errors)
	case "paragraph":
		v.validateParagraph(m, path, errors)
	case "list":
		v.validateList(m, path, errors)
	case "table":
		v.validateTable(m, path, errors)
	case "swotTable", "pestTable":
		v.validateSwotTable(m, path, errors)
	case "blockquote":
		v.validateBlockquote(m, path, errors)
	case "engineQuote":
		v.validateEngineQuote(m, path, errors)
	case "callout":
		v.validateCallout(m, path, errors)
	case "kpiGrid":
		v.validateKPIGrid(m, path, errors)
	case "widget":
		v.validateWidget(m, path, errors)
	case "code":
		v.validateCode(m, path, errors)
	case "math":
		v.validateMath(m, path, errors)
	case "figure":
		v.validateFigure(m, path, errors)
	case "hr", "toc":
		// no required fields beyond type
	}
}

func (v *Validator) validateHeading(m map[string]any, path string, errors *[]string) {
	if _, ok := m["level"].(float64); !ok {
		if _, ok := m["level"].(int); !ok {
			*errors = append(*errors, path+".level must be an integer")
		}
	}
	if _, ok := m["text"]; !ok {
		*errors = append(*errors, path+".text is missing")
	}
	if _, ok := m["anchor"]; !ok {
		*errors = append(*errors, path+".anchor is missing")
	}
}

func (v *Validator) validateParagraph(m map[string]any, path string, errors *[]string) {
	inlines, ok := m["inlines"].([]any)
	if !ok || len(inlines) == 0 {
		*errors = append(*errors, path+".inlines must be a non-empty array")
		return
	}
	for idx, run := range inlines {
		v.validateInlineRun(run, fmt.Sprintf("%s.inlines[%d]", path, idx), errors)
	}
}

var allowedListTypes = map[string]bool{"ordered": true, "bullet": true, "task": true}

func (v *Validator) validateList(m map[string]any, path string, errors *[]string) {
	listType, _ := m["listType"].(string)
	if !allowedListTypes[listType] {
		*errors = append(*errors, path+".listType value is illegal")
	}
	items, ok := m["items"].([]any)
	if !ok || len(items) == 0 {
		*errors = append(*errors, path+".items must be a non-empty list")
		return
	}
	for i, item := range items {
		sub, ok := item.([]any)
		if !ok {
			*errors = append(*errors, fmt.Sprintf("%s.items[%d] must be an array of blocks", path, i))
			continue
		}
		for j, subBlock := range sub {
			v.validateBlock(subBlock, fmt.Sprintf("%s.items[%d][%d]", path, i, j), errors)
		}
	}
}

func (v *Validator) validateTable(m map[string]any, path string, errors *[]string) {
	rows, ok := m["rows"].([]any)
	if !ok || len(rows) == 0 {
		*errors = append(*errors, path+".rows must be a non-empty array")
		return
	}
	for rIdx, rowAny := range rows {
		row, _ := rowAny.(map[string]any)
		cells, ok := row["cells"].([]any)
		if !ok || len(cells) == 0 {
			*errors = append(*errors, fmt.Sprintf("%s.rows[%d].cells must be a non-empty array", path, rIdx))
			continue
		}
		for cIdx, cellAny := range cells {
			cell, ok := cellAny.(map[string]any)
			if !ok {
				*errors = append(*errors, fmt.Sprintf("%s.rows[%d].cells[%d] must be an object", path, rIdx, cIdx))
				continue
			}
			blocks, ok := cell["blocks"].([]any)
			if !ok || len(blocks) == 0 {
				*errors = append(*errors, fmt.Sprintf("%s.rows[%d].cells[%d].blocks must be a non-empty array", path, rIdx, cIdx))
				continue
			}
			for bIdx, sub := range blocks {
				v.validateBlock(sub, fmt.Sprintf("%s.rows[%d].cells[%d].blocks[%d]", path, rIdx, cIdx, bIdx), errors)
			}
		}
	}
}

var swotQuadrants = []string{"strengths", "weaknesses", "opportunities", "threats"}

func (v *Validator) validateSwotTable(m map[string]any, path string, errors *[]string) {
	anyPresent := false
	for _, name := range swotQuadrants {
		if m[name] != nil {
			anyPresent = true
			break
		}
	}
	if !anyPresent {
		*errors = append(*errors, path+" needs to contain at least one of strengths/weaknesses/opportunities/threats")
	}
	for _, name := range swotQuadrants {
		entries, present := m[name]
		if entries == nil {
			if present {
				continue
			}
			continue
		}
		list, ok := entries.([]any)
		if !ok {
			*errors = append(*errors, fmt.Sprintf("%s.%s must be an array", path, name))
			continue
		}
		for idx, entry := range list {
			v.validateSwotItem(entry, fmt.Sprintf("%s.%s[%d]", path, name, idx), errors)
		}
	}
}

func (v *Validator) validateSwotItem(item any, path string, errors *[]string) {
	if s, ok := item.(string); ok {
		if len(trimSpace(s)) == 0 {
			*errors = append(*errors, path+" cannot be an empty string")
		}
		return
	}
	m, ok := item.(map[string]any)
	if !ok {
		*errors = append(*errors, path+" must be a string or object")
		return
	}
	title := ""
	found := false
	for _, key := range []string{"title", "label", "text", "detail", "description"} {
		if s, ok := m[key].(string); ok && len(trimSpace(s)) > 0 {
			title = s
			found = true
			break
		}
	}
	_ = title
	if !found {
		*errors = append(*errors, path+" is missing text fields such as title/label/text/description")
	}

	if impact, present := m["impact"]; present {
		s, ok := impact.(string)
		if !ok || !AllowedImpactValues[s] {
			*errors = append(*errors, fmt.Sprintf(
				"%s.impact only allows impact ratings (低/中低/中/中高/高/极高), current value: %v; if you need a detailed description, please write the detail field",
				path, impact))
		}
	}
}

func (v *Validator) validateBlockquote(m map[string]any, path string, errors *[]string) {
	inner, ok := m["blocks"].([]any)
	if !ok || len(inner) == 0 {
		*errors = append(*errors, path+".blocks must be a non-empty array")
		return
	}
	for idx, sub := range inner {
		v.validateBlock(sub, fmt.Sprintf("%s.blocks[%d]", path, idx), errors)
	}
}

var engineQuoteMarks = map[string]bool{"bold": true, "italic": true}

func (v *Validator) validateEngineQuote(m map[string]any, path string, errors *[]string) {
	engineRaw, _ := m["engine"].(string)
	engine := toLower(engineRaw)
	if _, ok := EngineAgentTitles[engine]; !ok {
		*errors = append(*errors, fmt.Sprintf("%s.engine illegal value: %v", path, m["engine"]))
		engine = ""
	}
	title, hasTitle := m["title"]
	if !hasTitle {
		*errors = append(*errors, path+".title is missing")
	} else if titleStr, ok := title.(string); !ok {
		*errors = append(*errors, path+".title must be a string")
	} else if expected, ok := EngineAgentTitles[engine]; ok && titleStr != expected {
		*errors = append(*errors, fmt.Sprintf("%s.title must be consistent with engine, use the corresponding agent name: %s", path, expected))
	}

	inner, ok := m["blocks"].([]any)
	if !ok || len(inner) == 0 {
		*errors = append(*errors, path+".blocks must be a non-empty array")
		return
	}
	for idx, subAny := range inner {
		subPath := fmt.Sprintf("%s.blocks[%d]", path, idx)
		sub, ok := subAny.(map[string]any)
		if !ok {
			*errors = append(*errors, subPath+" must be an object")
			continue
		}
		if t, _ := sub["type"].(string); t != "paragraph" {
			*errors = append(*errors, subPath+".type only allows paragraph")
			continue
		}
		inlines, ok := sub["inlines"].([]any)
		if !ok || len(inlines) == 0 {
			*errors = append(*errors, subPath+".inlines must be a non-empty array")
			continue
		}
		for rIdx, runAny := range inlines {
			runPath := fmt.Sprintf("%s.inlines[%d]", subPath, rIdx)
			v.validateInlineRun(runAny, runPath, errors)
			run, ok := runAny.(map[string]any)
			if !ok {
				continue
			}
			marks, _ := run["marks"].([]any)
			for mIdx, markAny := range marks {
				mark, ok := markAny.(map[string]any)
				markType, _ := mark["type"].(string)
				if !ok || !engineQuoteMarks[markType] {
					*errors = append(*errors, fmt.Sprintf("%s.marks[%d].type only bold/italic allowed", runPath, mIdx))
				}
			}
		}
	}
}

var allowedCalloutTones = map[string]bool{"info": true, "warning": true, "success": true, "danger": true}

func (v *Validator) validateCallout(m map[string]any, path string, errors *[]string) {
	tone, _ := m["tone"].(string)
	if !allowedCalloutTones[tone] {
		*errors = append(*errors, fmt.Sprintf("%s.tone illegal value: %v", path, m["tone"]))
	}
	blocks, ok := m["blocks"].([]any)
	if !ok || len(blocks) == 0 {
		*errors = append(*errors, path+".blocks must be a non-empty array")
		return
	}
	for idx, sub := range blocks {
		v.validateBlock(sub, fmt.Sprintf("%s.blocks[%d]", path, idx), errors)
	}
}

func (v *Validator) validateKPIGrid(m map[string]any, path string, errors *[]string) {
	items, ok := m["items"].([]any)
	if !ok || len(items) == 0 {
		*errors = append(*errors, path+".items must be a non-empty array")
		return
	}
	for idx, itemAny := range items {
		item, ok := itemAny.(map[string]any)
		if !ok {
			*errors = append(*errors, fmt.Sprintf("%s.items[%d] must be an object", path, idx))
			continue
		}
		_, hasLabel := item["label"]
		_, hasValue := item["value"]
		if !hasLabel || !hasValue {
			*errors = append(*errors, fmt.Sprintf("%s.items[%d] requires label and value", path, idx))
		}
	}
}

func (v *Validator) validateWidget(m map[string]any, path string, errors *[]string) {
	if _, ok := m["widgetId"]; !ok {
		*errors = append(*errors, path+".widgetId is missing")
	}
	if _, ok := m["widgetType"]; !ok {
		*errors = append(*errors, path+".widgetType is missing")
	}
	_, hasData := m["data"]
	_, hasRef := m["dataRef"]
	if !hasData && !hasRef {
		*errors = append(*errors, path+" requires either data or dataRef")
	}
}

func (v *Validator) validateCode(m map[string]any, path string, errors *[]string) {
	if _, ok := m["content"]; !ok {
		*errors = append(*errors, path+".content is missing")
	}
}

func (v *Validator) validateMath(m map[string]any, path string, errors *[]string) {
	if _, ok := m["latex"]; !ok {
		*errors = append(*errors, path+".latex is missing")
	}
}

func (v *Validator) validateFigure(m map[string]any, path string, errors *[]string) {
	img, ok := m["img"].(map[string]any)
	if !ok {
		*errors = append(*errors, path+".img must be an object")
		return
	}
	if _, ok := img["src"]; !ok {
		*errors = append(*errors, path+".img.src is missing")
	}
}

func (v *Validator) validateInlineRun(run any, path string, errors *[]string) {
	m, ok := run.(map[string]any)
	if !ok {
		*errors = append(*errors, path+" must be an object")
		return
	}
	if _, ok := m["text"]; !ok {
		*errors = append(*errors, path+".text is missing")
	}
	marksRaw, present := m["marks"]
	if !present || marksRaw == nil {
		return
	}
	marks, ok := marksRaw.([]any)
	if !ok {
		*errors = append(*errors, path+".marks must be an array")
		return
	}
	for idx, markAny := range marks {
		mark, ok := markAny.(map[string]any)
		if !ok {
			*errors = append(*errors, fmt.Sprintf("%s.marks[%d] must be an object", path, idx))
			continue
		}
		markType, _ := mark["type"].(string)
		if !AllowedInlineMarks[markType] {
			*errors = append(*errors, fmt.Sprintf("%s.marks[%d].type is not supported: %v", path, idx, mark["type"]))
		}
	}
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}
