// Package parser extracts structured fields from a single BOX frame's
// inner XML text. The dialect is single-level, closed, and CRC-validated
// by the caller, so a full XML parser is deliberately not used here: it
// would accept constructs (nesting, attributes, entities) the BOX never
// sends and could silently change edge-case behavior the BOX depends on.
package parser

import (
	"regexp"
	"strconv"
	"strings"
)

// tagRe matches a single-level "<Tag>value</Tag>" element. Go's RE2 engine
// has no backreferences, so the closing tag name is captured separately
// and checked for equality against the opening tag in the loop below.
var tagRe = regexp.MustCompile(`<(\w+)>([^<]*)</(\w+)>`)

var modeEventRe = regexp.MustCompile(`MODE:\s*\[(\d+)\]->\[(\d+)\]`)

var (
	tblNameRe  = regexp.MustCompile(`<TblName>([^<]*)</TblName>`)
	resultRe   = regexp.MustCompile(`<Result>([^<]*)</Result>`)
	idDeviceRe = regexp.MustCompile(`<ID_Device>([^<]*)</ID_Device>`)
	dtRe       = regexp.MustCompile(`<DT>([^<]*)</DT>`)
	idSubDRe   = regexp.MustCompile(`<ID_SubD>([^<]*)</ID_SubD>`)
)

// skipFields are meta tags consumed into synthetic keys or irrelevant to
// the parsed record body.
var skipFields = map[string]struct{}{
	"TblName":   {},
	"ID_Device": {},
	"ID_Set":    {},
	"Reason":    {},
	"ver":       {},
	"CRC":       {},
	"DT":        {},
	"ID_SubD":   {},
}

// Record is a parsed frame: synthetic keys pulled out into named fields,
// everything else coerced and kept in Fields.
type Record struct {
	Table    string
	DeviceID string
	DT       string
	Fields   map[string]any
}

// ParseFrame extracts fields from a frame's inner XML text (the bytes
// between "<Frame>" and "</Frame>", CRC tag included or not — it is never
// matched as a plain value field since it's skipped by name). Returns
// ok=false if the frame carries "<ID_SubD>N</ID_SubD>" with N>0 (an
// inactive replica of the same table, to be dropped silently).
func ParseFrame(frameBytes []byte) (Record, bool) {
	s := string(frameBytes)

	if m := idSubDRe.FindStringSubmatch(s); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return Record{}, false
		}
	}

	rec := Record{Fields: make(map[string]any)}

	if m := tblNameRe.FindStringSubmatch(s); m != nil {
		rec.Table = m[1]
	} else if m := resultRe.FindStringSubmatch(s); m != nil {
		rec.Table = m[1]
	}

	if m := idDeviceRe.FindStringSubmatch(s); m != nil {
		rec.DeviceID = m[1]
	}
	if m := dtRe.FindStringSubmatch(s); m != nil {
		rec.DT = m[1]
	}

	for _, m := range tagRe.FindAllStringSubmatch(s, -1) {
		key, value, closeKey := m[1], m[2], m[3]
		if key != closeKey {
			continue
		}
		if _, skip := skipFields[key]; skip {
			continue
		}
		rec.Fields[key] = coerce(value)
	}

	return rec, true
}

// ExtractModeFromEvent extracts the NEW MODE value from a tbl_events
// content string of the form "... MODE: [OLD]->[NEW]".
func ExtractModeFromEvent(content string) (int, bool) {
	m := modeEventRe.FindStringSubmatch(content)
	if m == nil {
		return 0, false
	}
	newValue, err := strconv.Atoi(m[2])
	if err != nil {
		return 0, false
	}
	return newValue, true
}

// coerce converts a raw tag value to a decimal (float64), integer (int64),
// or leaves it as text: a "." anywhere makes it decimal, else all-digits
// makes it an integer, else it stays literal text.
func coerce(value string) any {
	if strings.Contains(value, ".") {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		return value
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return n
	}
	return value
}

