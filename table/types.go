// Package table defines the normalized table model and the normalizer
// that converts R-originated, column-oriented payloads into immutable
// row-oriented snapshots. All knowledge of R's type-tag and missing-value
// conventions lives in this package and nowhere else.
package table

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ColumnType classifies a column by its declared R type. Unrecognized
// type tags map to TypeUnknown rather than failing the transfer.
type ColumnType string

const (
	// TypeNumeric covers R's numeric and double vectors.
	TypeNumeric ColumnType = "numeric"

	// TypeInteger covers R's integer vectors.
	TypeInteger ColumnType = "integer"

	// TypeCharacter covers R's character vectors.
	TypeCharacter ColumnType = "character"

	// TypeFactor covers R's factor vectors, transferred as their labels.
	TypeFactor ColumnType = "factor"

	// TypeLogical covers R's logical vectors.
	TypeLogical ColumnType = "logical"

	// TypeDate covers R's Date vectors.
	TypeDate ColumnType = "date"

	// TypeDatetime covers POSIXct timestamps, the compact datetime form.
	TypeDatetime ColumnType = "datetime"

	// TypeDatetimeAlt covers POSIXlt timestamps, the list-based datetime
	// form that renders differently from POSIXct.
	TypeDatetimeAlt ColumnType = "datetime-alt"

	// TypeComplex covers R's complex vectors.
	TypeComplex ColumnType = "complex"

	// TypeRaw covers R's raw byte vectors.
	TypeRaw ColumnType = "raw"

	// TypeList covers list columns, transferred element by element.
	TypeList ColumnType = "list"

	// TypeUnknown is the fallback for tags no table entry matches.
	TypeUnknown ColumnType = "unknown"
)

// String returns the string representation of the ColumnType.
func (ct ColumnType) String() string {
	return string(ct)
}

// MarshalJSON implements json.Marshaler to ensure ColumnType serializes as a string.
func (ct ColumnType) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(ct))
}

// UnmarshalJSON implements json.Unmarshaler to deserialize ColumnType from string.
func (ct *ColumnType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*ct = ColumnType(s)
	return nil
}

// IsValid checks if the ColumnType is one of the defined constants.
func (ct ColumnType) IsValid() bool {
	switch ct {
	case TypeNumeric, TypeInteger, TypeCharacter, TypeFactor, TypeLogical,
		TypeDate, TypeDatetime, TypeDatetimeAlt, TypeComplex, TypeRaw,
		TypeList, TypeUnknown:
		return true
	default:
		return false
	}
}

// typeTagTable maps R type-tag substrings to column types. Matching is
// by substring because upstream tags may arrive as compound class
// vectors joined into one string (e.g. "POSIXct,POSIXt"); the first
// match in table order wins. posixlt is tested before the bare posixt
// so a joined POSIXlt class vector resolves to datetime-alt.
var typeTagTable = []struct {
	substr string
	typ    ColumnType
}{
	{"numeric", TypeNumeric},
	{"double", TypeNumeric},
	{"integer", TypeInteger},
	{"character", TypeCharacter},
	{"factor", TypeFactor},
	{"logical", TypeLogical},
	{"posixct", TypeDatetime},
	{"posixlt", TypeDatetimeAlt},
	{"posixt", TypeDatetime},
	{"date", TypeDate},
	{"complex", TypeComplex},
	{"raw", TypeRaw},
	{"list", TypeList},
}

// ParseColumnType resolves a raw R type tag to a ColumnType. The tag is
// lowercased and stripped of quote characters before matching.
func ParseColumnType(tag string) ColumnType {
	cleaned := strings.ToLower(strings.TrimSpace(tag))
	cleaned = strings.ReplaceAll(cleaned, `"`, "")
	cleaned = strings.ReplaceAll(cleaned, `'`, "")
	if cleaned == "" {
		return TypeUnknown
	}
	for _, entry := range typeTagTable {
		if strings.Contains(cleaned, entry.substr) {
			return entry.typ
		}
	}
	return TypeUnknown
}

// CellKind discriminates the variants of a Cell.
type CellKind uint8

const (
	// CellNull is the canonical missing-value marker.
	CellNull CellKind = iota

	// CellString holds a string value.
	CellString

	// CellNumber holds a numeric value.
	CellNumber

	// CellBool holds a boolean value.
	CellBool
)

// String returns the string representation of the CellKind.
func (k CellKind) String() string {
	switch k {
	case CellNull:
		return "null"
	case CellString:
		return "string"
	case CellNumber:
		return "number"
	case CellBool:
		return "bool"
	default:
		return "invalid"
	}
}

// Cell is a single table value: a string, a number, a boolean, or null.
// The zero value is the null cell. Null is the only representation of a
// missing value; the R-side sentinel spellings are resolved before a
// Cell is ever constructed.
type Cell struct {
	kind CellKind
	str  string
	num  float64
	b    bool
}

// NullCell returns the missing-value cell.
func NullCell() Cell {
	return Cell{}
}

// StringCell returns a cell holding s.
func StringCell(s string) Cell {
	return Cell{kind: CellString, str: s}
}

// NumberCell returns a cell holding f.
func NumberCell(f float64) Cell {
	return Cell{kind: CellNumber, num: f}
}

// BoolCell returns a cell holding b.
func BoolCell(b bool) Cell {
	return Cell{kind: CellBool, b: b}
}

// Kind returns the cell's variant.
func (c Cell) Kind() CellKind {
	return c.kind
}

// IsNull reports whether the cell is the missing-value marker.
func (c Cell) IsNull() bool {
	return c.kind == CellNull
}

// AsString returns the string value and whether the cell holds one.
func (c Cell) AsString() (string, bool) {
	return c.str, c.kind == CellString
}

// AsNumber returns the numeric value and whether the cell holds one.
func (c Cell) AsNumber() (float64, bool) {
	return c.num, c.kind == CellNumber
}

// AsBool returns the boolean value and whether the cell holds one.
func (c Cell) AsBool() (bool, bool) {
	return c.b, c.kind == CellBool
}

// Equal reports whether two cells hold the same variant and value.
func (c Cell) Equal(other Cell) bool {
	return c == other
}

// String renders the cell for logs and diagnostics.
func (c Cell) String() string {
	switch c.kind {
	case CellString:
		return c.str
	case CellNumber:
		return strconv.FormatFloat(c.num, 'g', -1, 64)
	case CellBool:
		return strconv.FormatBool(c.b)
	default:
		return "null"
	}
}

// MarshalJSON emits the underlying JSON scalar.
func (c Cell) MarshalJSON() ([]byte, error) {
	switch c.kind {
	case CellString:
		return json.Marshal(c.str)
	case CellNumber:
		return json.Marshal(c.num)
	case CellBool:
		return json.Marshal(c.b)
	default:
		return []byte("null"), nil
	}
}

// Column describes one column of a snapshot. Index is the position in
// the transferred payload's canonical column order, which may differ
// from the original data frame order when only selected columns are
// sent. Immutable once built.
type Column struct {
	Name       string     `json:"name"`
	Type       ColumnType `json:"type"`
	Label      string     `json:"label,omitempty"`
	Index      int        `json:"index"`
	HasMissing bool       `json:"hasMissing"`
}

// Snapshot is one immutable normalized table produced from one
// transfer. Every row has exactly len(Columns) cells in column order;
// len(Rows) <= TotalRows, and Truncated true implies strictly fewer
// rows than TotalRows. Successive transfers produce new snapshots,
// never in-place mutation.
type Snapshot struct {
	Name       string   `json:"name"`
	Columns    []Column `json:"columns"`
	Rows       [][]Cell `json:"rows"`
	TotalRows  int      `json:"totalRows"`
	TotalCols  int      `json:"totalCols"`
	Truncated  bool     `json:"truncated"`
	CapturedAt int64    `json:"capturedAt"`
}
