package table

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/chengwei-dev/r-enhanced-viewer/errors"
	"github.com/chengwei-dev/r-enhanced-viewer/pkg/timestamp"
)

// TypeTags holds the declared type tag for each column. The payload may
// carry coltypes as an array aligned with colnames, as an object keyed
// by column name, or as a bare string when a single-column frame was
// serialized with vector unboxing.
type TypeTags struct {
	list   []string
	byName map[string]string
}

// UnmarshalJSON accepts the array, object, and bare-string shapes.
func (t *TypeTags) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	switch trimmed[0] {
	case '[':
		return json.Unmarshal(data, &t.list)
	case '{':
		return json.Unmarshal(data, &t.byName)
	default:
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		t.list = []string{s}
		return nil
	}
}

// MarshalJSON emits the object form when present, otherwise the array form.
func (t TypeTags) MarshalJSON() ([]byte, error) {
	if t.byName != nil {
		return json.Marshal(t.byName)
	}
	return json.Marshal(t.list)
}

// Tag returns the raw type tag for the named column at the given
// ordinal, or "" when neither shape declares one. The object form wins
// over the array form when both are present.
func (t TypeTags) Tag(name string, index int) string {
	if tag, ok := t.byName[name]; ok {
		return tag
	}
	if index >= 0 && index < len(t.list) {
		return t.list[index]
	}
	return ""
}

// TagList builds TypeTags from the array form. Used by tests and by
// callers constructing payloads programmatically.
func TagList(tags ...string) TypeTags {
	return TypeTags{list: tags}
}

// TagMap builds TypeTags from the object form.
func TagMap(tags map[string]string) TypeTags {
	return TypeTags{byName: tags}
}

// Payload is the externally-supplied, column-oriented description of an
// R data frame as pushed over the wire.
type Payload struct {
	Name     string            `json:"name"`
	Data     map[string][]any  `json:"data"`
	Nrow     int               `json:"nrow"`
	Ncol     int               `json:"ncol"`
	Colnames []string          `json:"colnames"`
	Coltypes TypeTags          `json:"coltypes"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// Decode parses a raw JSON body into a Payload. The body must be a JSON
// object; anything else fails with an invalid-classified error.
func Decode(raw []byte) (*Payload, error) {
	if len(raw) == 0 {
		return nil, errors.WrapInvalid(errors.ErrMalformedPayload, "Normalizer", "Decode",
			"empty payload body")
	}
	p := &Payload{}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, errors.WrapInvalid(err, "Normalizer", "Decode", "decode payload")
	}
	return p, nil
}

// Normalize converts a column-oriented payload into a row-oriented
// Snapshot. Pure function: no side effects beyond reading the clock for
// the capture timestamp.
//
// Validation failures are reported against ErrMalformedPayload. Column
// arrays shorter than nrow are not an error; the missing tail is padded
// with null cells. Both JSON null and the literal string "NA" become
// the null cell.
func Normalize(p *Payload) (*Snapshot, error) {
	if err := validate(p); err != nil {
		return nil, err
	}

	columns := make([]Column, p.Ncol)
	for i, name := range p.Colnames {
		columns[i] = Column{
			Name:       name,
			Type:       ParseColumnType(p.Coltypes.Tag(name, i)),
			Label:      p.Labels[name],
			Index:      i,
			HasMissing: hasMissing(p.Data[name]),
		}
	}

	rows := make([][]Cell, p.Nrow)
	for i := 0; i < p.Nrow; i++ {
		row := make([]Cell, p.Ncol)
		for j, name := range p.Colnames {
			values := p.Data[name]
			if i < len(values) {
				row[j] = cellFromRaw(values[i])
			} else {
				row[j] = NullCell()
			}
		}
		rows[i] = row
	}

	return &Snapshot{
		Name:       p.Name,
		Columns:    columns,
		Rows:       rows,
		TotalRows:  p.Nrow,
		TotalCols:  p.Ncol,
		Truncated:  false,
		CapturedAt: timestamp.Now(),
	}, nil
}

// NormalizeJSON decodes and normalizes a raw JSON body in one step.
func NormalizeJSON(raw []byte) (*Snapshot, error) {
	p, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	return Normalize(p)
}

func validate(p *Payload) error {
	if p.Name == "" {
		return errors.WrapInvalid(errors.ErrMalformedPayload, "Normalizer", "Normalize",
			"payload name is required")
	}
	if p.Data == nil {
		return errors.WrapInvalid(errors.ErrMalformedPayload, "Normalizer", "Normalize",
			"payload data is required")
	}
	if p.Nrow < 0 || p.Ncol < 0 {
		return errors.WrapInvalid(errors.ErrMalformedPayload, "Normalizer", "Normalize",
			fmt.Sprintf("nrow and ncol must be non-negative, got %d x %d", p.Nrow, p.Ncol))
	}
	if len(p.Colnames) != p.Ncol {
		return errors.WrapInvalid(errors.ErrMalformedPayload, "Normalizer", "Normalize",
			fmt.Sprintf("colnames length %d does not match ncol %d", len(p.Colnames), p.Ncol))
	}
	return nil
}

// hasMissing reports whether any raw value in the column is a missing
// marker. Padding for short columns does not count; only values
// actually present in the transfer do.
func hasMissing(values []any) bool {
	for _, v := range values {
		if v == nil {
			return true
		}
		if s, ok := v.(string); ok && s == "NA" {
			return true
		}
	}
	return false
}

// cellFromRaw resolves one raw column value to a Cell. JSON null and
// the string "NA" are the missing markers. Nested arrays or objects
// (list columns) are rendered as their compact JSON text.
func cellFromRaw(v any) Cell {
	switch x := v.(type) {
	case nil:
		return NullCell()
	case string:
		if x == "NA" {
			return NullCell()
		}
		return StringCell(x)
	case float64:
		return NumberCell(x)
	case bool:
		return BoolCell(x)
	default:
		text, err := json.Marshal(v)
		if err != nil {
			return NullCell()
		}
		return StringCell(string(text))
	}
}
