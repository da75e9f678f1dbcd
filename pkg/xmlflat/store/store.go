package store

import (
	"context"
	"strings"

	"github.com/cognicore/xmlflat/pkg/xmlflat/forwardstar"
)

// Store persists split documents, parsed records and the process log.
// Writes are buffered until Commit; reads only see committed data.
// Commit empties the buffer whether or not it succeeds.
// The write buffer is meant for a single writer.
type Store interface {
	Close() error

	// Buffered writes
	StoreDocument(ctx context.Context, d Document) error
	StoreParsed(ctx context.Context, p ParsedDocument) error
	Log(ctx context.Context, e LogEntry) error
	Commit(ctx context.Context) error
	Discard()

	// Maintenance. Truncation also drops matching buffered writes.
	TruncateDocuments(ctx context.Context) error
	TruncateParsed(ctx context.Context) error
	TruncateProcessLog(ctx context.Context) error
	CreateIndices(ctx context.Context, group IndexGroup) error
	SetMeta(ctx context.Context, key, value string) error
	Meta(ctx context.Context, key string) (string, bool, error)

	// Process log
	ProcessLog(ctx context.Context, level LogLevel, docID int) ([]LogEntry, error)

	// Documents
	Document(ctx context.Context, id int) (Document, bool, error)
	Documents(ctx context.Context, validity Validity) ([]Document, error)
	DocumentCount(ctx context.Context, validity Validity) (int, error)

	// Parsed documents
	Parsed(ctx context.Context, docID int) (ParsedDocument, bool, error)
	TagRows(ctx context.Context, docID int) ([]TagRow, error)
	Tree(ctx context.Context, docID int) (forwardstar.Data[int], error)

	// Types
	Types(ctx context.Context) ([]string, error)
	TypeOverview(ctx context.Context) ([]TypeCount, error)
	TypeTagStats(ctx context.Context, typ string) ([]TagStat, error)
	TypeColumns(ctx context.Context, typ string) ([]string, error)
	DocIDsByType(ctx context.Context, typ string) ([]int, error)

	// Output relation per type
	WriteOutput(ctx context.Context, typ string, t Table) error
	Output(ctx context.Context, typ string) (Table, error)
}

// Validity of a stored document. ValidityAll selects both in queries.
type Validity int

const (
	ValidityAll Validity = -1
	Invalid     Validity = 0
	Valid       Validity = 1
)

// LogLevel of a process log entry. LogAll selects every level in queries.
type LogLevel int

const (
	LogAll     LogLevel = -1
	LogInfo    LogLevel = 0
	LogWarning LogLevel = 1
	LogError   LogLevel = 2
)

func (l LogLevel) String() string {
	switch l {
	case LogInfo:
		return "INFO"
	case LogWarning:
		return "WARNING"
	case LogError:
		return "ERROR"
	}
	return "ALL"
}

// ParseLogLevel maps INFO, WARNING, ERROR (any case) and "" or ALL.
func ParseLogLevel(s string) (LogLevel, bool) {
	for _, l := range []LogLevel{LogAll, LogInfo, LogWarning, LogError} {
		if strings.EqualFold(s, l.String()) {
			return l, true
		}
	}
	if s == "" {
		return LogAll, true
	}
	return LogAll, false
}

// TagKind mirrors the flattener's entry kinds.
type TagKind int

const (
	KindNode    TagKind = 0
	KindDataTag TagKind = 1
)

// IndexGroup names a set of indices created after a processing phase.
type IndexGroup int

const (
	IndexDocStore IndexGroup = iota
	IndexProcessLog
	IndexXMLStore
)

// LogEntry is one process log line.
type LogEntry struct {
	DocID int
	Level LogLevel
	Entry string
}

// Document is a split document.
type Document struct {
	ID            int
	Validity      Validity
	Text          string
	InvalidReason string
	Fingerprint   string
}

// ParsedDocument is a flattened document with everything needed to
// materialize it later.
type ParsedDocument struct {
	DocID              int
	Type               string
	TopNode            string
	RecordJSON         []byte
	SourceTagCount     int
	RecognizedTagCount int
	Tags               []TagRow
	Tree               forwardstar.Data[int]
}

// TagRow is one entry of a parsed record.
type TagRow struct {
	DocID      int
	Type       string
	Order      int // 1-based position of the key in the record
	Key        string
	Kind       TagKind
	Depth      int
	TagID      int
	Repetition int // 0-based position among entries sharing the key
	Value      string
}

// TypeCount is the number of parsed documents of a type.
type TypeCount struct {
	Type string
	Docs int
}

// TagStat summarizes one data key across the documents of a type.
// Counts are occurrences per document, over documents holding the key.
type TagStat struct {
	Key      string  `json:"key"`
	MaxDepth int     `json:"max_depth"`
	MaxCount int     `json:"max_count"`
	MinCount int     `json:"min_count"`
	AvgCount float64 `json:"avg_count"`
}

// Table is a materialized output relation.
type Table struct {
	Columns []string
	Rows    [][]string
}
