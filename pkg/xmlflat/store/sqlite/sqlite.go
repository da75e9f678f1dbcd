package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/cognicore/xmlflat/pkg/xmlflat/forwardstar"
	"github.com/cognicore/xmlflat/pkg/xmlflat/internalerr"
	"github.com/cognicore/xmlflat/pkg/xmlflat/splitter"
	"github.com/cognicore/xmlflat/pkg/xmlflat/store"
)

// sqliteStore implements the Store interface using SQLite
type sqliteStore struct {
	db *sql.DB

	mu     sync.Mutex
	docs   []store.Document
	parsed []store.ParsedDocument
	logs   []store.LogEntry
}

// OpenSQLite opens (or re-opens) a SQLite database with WAL mode enabled.
// All committed state lives in the file, so a store opened on an existing
// file answers every query without re-processing.
func OpenSQLite(ctx context.Context, path string) (store.Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &sqliteStore{db: db}, nil
}

// Close closes the database connection. Uncommitted writes are dropped.
func (s *sqliteStore) Close() error {
	return s.db.Close()
}

// initSchema creates tables if they don't exist
func initSchema(ctx context.Context, db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS process_log (
	doc_id INTEGER NOT NULL,
	level INTEGER NOT NULL,
	entry TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS doc_list (
	doc_id INTEGER NOT NULL,
	validity INTEGER NOT NULL,
	doc_text TEXT NOT NULL,
	invalid_reason TEXT NOT NULL DEFAULT '',
	fingerprint TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS parsed_xml (
	doc_id INTEGER NOT NULL,
	type TEXT NOT NULL,
	top_node TEXT NOT NULL DEFAULT '',
	parsed_json TEXT NOT NULL,
	recognized_tags INTEGER NOT NULL DEFAULT 0,
	source_tags INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS xml_tags (
	doc_id INTEGER NOT NULL,
	type TEXT NOT NULL,
	tag_order INTEGER NOT NULL,
	tag TEXT NOT NULL,
	tag_kind INTEGER NOT NULL,
	tag_depth INTEGER NOT NULL,
	tag_id INTEGER NOT NULL,
	tag_repetition INTEGER NOT NULL,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS xml_fstar (
	doc_id INTEGER NOT NULL,
	num_links INTEGER NOT NULL,
	num_nodes INTEGER NOT NULL,
	selected_node INTEGER NOT NULL,
	first_link TEXT NOT NULL,
	to_node TEXT NOT NULL,
	node_caption TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

	_, err := db.ExecContext(ctx, schema)
	return err
}

// --- Buffered writes ---

// StoreDocument buffers a split document
func (s *sqliteStore) StoreDocument(ctx context.Context, d store.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = append(s.docs, d)
	return nil
}

// StoreParsed buffers a parsed document with its tag rows and tree
func (s *sqliteStore) StoreParsed(ctx context.Context, p store.ParsedDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parsed = append(s.parsed, p)
	return nil
}

// Log buffers a process log entry
func (s *sqliteStore) Log(ctx context.Context, e store.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, e)
	return nil
}

// Commit writes all buffered rows in one transaction, one prepared batch
// per table. The buffer is cleared even when the transaction fails.
func (s *sqliteStore) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.reset()

	if len(s.docs) == 0 && len(s.parsed) == 0 && len(s.logs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertDocuments(ctx, tx, s.docs); err != nil {
		return fmt.Errorf("insert documents: %w", err)
	}
	if err := insertLogs(ctx, tx, s.logs); err != nil {
		return fmt.Errorf("insert process log: %w", err)
	}
	if err := insertParsed(ctx, tx, s.parsed); err != nil {
		return fmt.Errorf("insert parsed documents: %w", err)
	}
	if err := insertTags(ctx, tx, s.parsed); err != nil {
		return fmt.Errorf("insert tags: %w", err)
	}
	if err := insertTrees(ctx, tx, s.parsed); err != nil {
		return fmt.Errorf("insert forward stars: %w", err)
	}

	return tx.Commit()
}

// Discard drops all buffered rows
func (s *sqliteStore) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

func (s *sqliteStore) reset() {
	s.docs, s.parsed, s.logs = nil, nil, nil
}

func insertDocuments(ctx context.Context, tx *sql.Tx, docs []store.Document) error {
	if len(docs) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO doc_list (doc_id, validity, doc_text, invalid_reason, fingerprint) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, d := range docs {
		if _, err := stmt.ExecContext(ctx, d.ID, int(d.Validity), d.Text, d.InvalidReason, d.Fingerprint); err != nil {
			return err
		}
	}
	return nil
}

func insertLogs(ctx context.Context, tx *sql.Tx, logs []store.LogEntry) error {
	if len(logs) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO process_log (doc_id, level, entry) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range logs {
		if _, err := stmt.ExecContext(ctx, e.DocID, int(e.Level), e.Entry); err != nil {
			return err
		}
	}
	return nil
}

func insertParsed(ctx context.Context, tx *sql.Tx, parsed []store.ParsedDocument) error {
	if len(parsed) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO parsed_xml (doc_id, type, top_node, parsed_json, recognized_tags, source_tags)
VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, p := range parsed {
		if _, err := stmt.ExecContext(ctx, p.DocID, p.Type, p.TopNode, string(p.RecordJSON), p.RecognizedTagCount, p.SourceTagCount); err != nil {
			return err
		}
	}
	return nil
}

func insertTags(ctx context.Context, tx *sql.Tx, parsed []store.ParsedDocument) error {
	if len(parsed) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO xml_tags (doc_id, type, tag_order, tag, tag_kind, tag_depth, tag_id, tag_repetition, value)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, p := range parsed {
		for _, r := range p.Tags {
			if _, err := stmt.ExecContext(ctx, p.DocID, p.Type, r.Order, r.Key, int(r.Kind), r.Depth, r.TagID, r.Repetition, r.Value); err != nil {
				return err
			}
		}
	}
	return nil
}

func insertTrees(ctx context.Context, tx *sql.Tx, parsed []store.ParsedDocument) error {
	if len(parsed) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO xml_fstar (doc_id, num_links, num_nodes, selected_node, first_link, to_node, node_caption)
VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, p := range parsed {
		firstLink, err := json.Marshal(p.Tree.FirstLink)
		if err != nil {
			return err
		}
		toNode, err := json.Marshal(p.Tree.ToNode)
		if err != nil {
			return err
		}
		captions, err := json.Marshal(p.Tree.NodeCaption)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, p.DocID, p.Tree.NumLinks, p.Tree.NumNodes, p.Tree.SelectedNode,
			string(firstLink), string(toNode), string(captions)); err != nil {
			return err
		}
	}
	return nil
}

// --- Maintenance ---

// TruncateDocuments removes all split documents
func (s *sqliteStore) TruncateDocuments(ctx context.Context) error {
	s.mu.Lock()
	s.docs = nil
	s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM doc_list`)
	return err
}

// TruncateParsed removes parsed documents and every output relation
func (s *sqliteStore) TruncateParsed(ctx context.Context) error {
	s.mu.Lock()
	s.parsed = nil
	s.mu.Unlock()

	tables, err := s.loadStringColumn(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name LIKE 'output\_%' ESCAPE '\'`)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{`DELETE FROM parsed_xml`, `DELETE FROM xml_tags`, `DELETE FROM xml_fstar`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	for _, t := range tables {
		if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+quoteIdent(t)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// TruncateProcessLog removes all process log entries
func (s *sqliteStore) TruncateProcessLog(ctx context.Context) error {
	s.mu.Lock()
	s.logs = nil
	s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM process_log`)
	return err
}

var indexGroups = map[store.IndexGroup][]string{
	store.IndexDocStore: {
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_doc_list_doc_id ON doc_list (doc_id)`,
		`CREATE INDEX IF NOT EXISTS idx_doc_list_validity ON doc_list (validity)`,
	},
	store.IndexProcessLog: {
		`CREATE INDEX IF NOT EXISTS idx_process_log_doc_id ON process_log (doc_id)`,
		`CREATE INDEX IF NOT EXISTS idx_process_log_level ON process_log (level)`,
	},
	store.IndexXMLStore: {
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_parsed_xml_doc_id ON parsed_xml (doc_id)`,
		`CREATE INDEX IF NOT EXISTS idx_parsed_xml_type ON parsed_xml (type)`,
		`CREATE INDEX IF NOT EXISTS idx_xml_tags_doc_id ON xml_tags (doc_id)`,
		`CREATE INDEX IF NOT EXISTS idx_xml_tags_tag ON xml_tags (tag)`,
		`CREATE INDEX IF NOT EXISTS idx_xml_tags_type ON xml_tags (type)`,
		`CREATE INDEX IF NOT EXISTS idx_xml_fstar_doc_id ON xml_fstar (doc_id)`,
	},
}

// CreateIndices creates the indices of a group; existing ones are kept
func (s *sqliteStore) CreateIndices(ctx context.Context, group store.IndexGroup) error {
	stmts, ok := indexGroups[group]
	if !ok {
		return fmt.Errorf("unknown index group %d", group)
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// SetMeta stores a key/value pair describing the processed file
func (s *sqliteStore) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO meta (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;
`, key, value)
	return err
}

// Meta reads a value written by SetMeta
func (s *sqliteStore) Meta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// --- Process log ---

// ProcessLog returns log entries of one level (or all) for one document (or all when docID is 0)
func (s *sqliteStore) ProcessLog(ctx context.Context, level store.LogLevel, docID int) ([]store.LogEntry, error) {
	query := `SELECT doc_id, level, entry FROM process_log WHERE 1=1`
	var args []interface{}
	if level != store.LogAll {
		query += ` AND level = ?`
		args = append(args, int(level))
	}
	if docID > 0 {
		query += ` AND doc_id = ?`
		args = append(args, docID)
	}
	query += ` ORDER BY rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []store.LogEntry
	for rows.Next() {
		var e store.LogEntry
		var lvl int
		if err := rows.Scan(&e.DocID, &lvl, &e.Entry); err != nil {
			return nil, err
		}
		e.Level = store.LogLevel(lvl)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Documents ---

// Document retrieves a split document by ID
func (s *sqliteStore) Document(ctx context.Context, id int) (store.Document, bool, error) {
	var d store.Document
	var validity int
	err := s.db.QueryRowContext(ctx, `
SELECT doc_id, validity, doc_text, invalid_reason, fingerprint FROM doc_list WHERE doc_id = ?`, id).
		Scan(&d.ID, &validity, &d.Text, &d.InvalidReason, &d.Fingerprint)
	if err == sql.ErrNoRows {
		return store.Document{}, false, nil
	}
	if err != nil {
		return store.Document{}, false, err
	}
	d.Validity = store.Validity(validity)
	return d, true, nil
}

// Documents returns split documents of the given validity ordered by ID
func (s *sqliteStore) Documents(ctx context.Context, validity store.Validity) ([]store.Document, error) {
	query := `SELECT doc_id, validity, doc_text, invalid_reason, fingerprint FROM doc_list`
	var args []interface{}
	if validity != store.ValidityAll {
		query += ` WHERE validity = ?`
		args = append(args, int(validity))
	}
	query += ` ORDER BY doc_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []store.Document
	for rows.Next() {
		var d store.Document
		var v int
		if err := rows.Scan(&d.ID, &v, &d.Text, &d.InvalidReason, &d.Fingerprint); err != nil {
			return nil, err
		}
		d.Validity = store.Validity(v)
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// DocumentCount counts split documents of the given validity
func (s *sqliteStore) DocumentCount(ctx context.Context, validity store.Validity) (int, error) {
	var n int
	var err error
	if validity == store.ValidityAll {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM doc_list`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM doc_list WHERE validity = ?`, int(validity)).Scan(&n)
	}
	return n, err
}

// --- Parsed documents ---

// Parsed returns the metadata and record JSON of a parsed document.
// Tags and Tree are not filled; use TagRows and Tree.
func (s *sqliteStore) Parsed(ctx context.Context, docID int) (store.ParsedDocument, bool, error) {
	var p store.ParsedDocument
	var record string
	err := s.db.QueryRowContext(ctx, `
SELECT doc_id, type, top_node, parsed_json, recognized_tags, source_tags FROM parsed_xml WHERE doc_id = ?`, docID).
		Scan(&p.DocID, &p.Type, &p.TopNode, &record, &p.RecognizedTagCount, &p.SourceTagCount)
	if err == sql.ErrNoRows {
		return store.ParsedDocument{}, false, nil
	}
	if err != nil {
		return store.ParsedDocument{}, false, err
	}
	p.RecordJSON = []byte(record)
	return p, true, nil
}

// TagRows returns the tag rows of a document ordered by tag id
func (s *sqliteStore) TagRows(ctx context.Context, docID int) ([]store.TagRow, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT doc_id, type, tag_order, tag, tag_kind, tag_depth, tag_id, tag_repetition, value
FROM xml_tags WHERE doc_id = ? ORDER BY tag_id`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.TagRow
	for rows.Next() {
		var r store.TagRow
		var kind int
		if err := rows.Scan(&r.DocID, &r.Type, &r.Order, &r.Key, &kind, &r.Depth, &r.TagID, &r.Repetition, &r.Value); err != nil {
			return nil, err
		}
		r.Kind = store.TagKind(kind)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Tree loads the forward star of a document
func (s *sqliteStore) Tree(ctx context.Context, docID int) (forwardstar.Data[int], error) {
	var d forwardstar.Data[int]
	var firstLink, toNode, captions string
	err := s.db.QueryRowContext(ctx, `
SELECT num_links, num_nodes, selected_node, first_link, to_node, node_caption FROM xml_fstar WHERE doc_id = ?`, docID).
		Scan(&d.NumLinks, &d.NumNodes, &d.SelectedNode, &firstLink, &toNode, &captions)
	if err == sql.ErrNoRows {
		return d, fmt.Errorf("forward star of document %d: %w", docID, internalerr.ErrNotFound)
	}
	if err != nil {
		return d, err
	}
	if err := json.Unmarshal([]byte(firstLink), &d.FirstLink); err != nil {
		return d, fmt.Errorf("decode first link: %w", err)
	}
	if err := json.Unmarshal([]byte(toNode), &d.ToNode); err != nil {
		return d, fmt.Errorf("decode to node: %w", err)
	}
	if err := json.Unmarshal([]byte(captions), &d.NodeCaption); err != nil {
		return d, fmt.Errorf("decode node captions: %w", err)
	}
	return d, nil
}

// --- Types ---

// Types returns the distinct document types in order of first appearance
func (s *sqliteStore) Types(ctx context.Context) ([]string, error) {
	return s.loadStringColumn(ctx, `SELECT type FROM parsed_xml GROUP BY type ORDER BY MIN(doc_id)`)
}

// TypeOverview counts parsed documents per type
func (s *sqliteStore) TypeOverview(ctx context.Context) ([]store.TypeCount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(doc_id) FROM parsed_xml GROUP BY type ORDER BY MIN(doc_id)`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.TypeCount
	for rows.Next() {
		var tc store.TypeCount
		if err := rows.Scan(&tc.Type, &tc.Docs); err != nil {
			return nil, err
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

// TypeColumns returns the distinct data keys of a type: keys of the first
// document in record order, then keys first seen in later documents.
func (s *sqliteStore) TypeColumns(ctx context.Context, typ string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT tag FROM xml_tags
WHERE type = ? AND tag_kind = ?
GROUP BY doc_id, tag
ORDER BY doc_id, MIN(tag_order)`, typ, int(store.KindDataTag))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	var cols []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		cols = append(cols, tag)
	}
	return cols, rows.Err()
}

// TypeTagStats returns depth and repetition statistics per data key
func (s *sqliteStore) TypeTagStats(ctx context.Context, typ string) ([]store.TagStat, error) {
	cols, err := s.TypeColumns(ctx, typ)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
WITH per_doc AS (
	SELECT tag, doc_id, MAX(tag_depth) AS max_depth, COUNT(*) AS n
	FROM xml_tags
	WHERE type = ? AND tag_kind = ?
	GROUP BY tag, doc_id
)
SELECT tag, MAX(max_depth), MAX(n), MIN(n), AVG(n) FROM per_doc GROUP BY tag`, typ, int(store.KindDataTag))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byKey := make(map[string]store.TagStat)
	for rows.Next() {
		var st store.TagStat
		if err := rows.Scan(&st.Key, &st.MaxDepth, &st.MaxCount, &st.MinCount, &st.AvgCount); err != nil {
			return nil, err
		}
		byKey[st.Key] = st
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]store.TagStat, 0, len(cols))
	for _, c := range cols {
		if st, ok := byKey[c]; ok {
			out = append(out, st)
		}
	}
	return out, nil
}

// DocIDsByType returns the parsed document IDs of a type in ascending order
func (s *sqliteStore) DocIDsByType(ctx context.Context, typ string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc_id FROM parsed_xml WHERE type = ? ORDER BY doc_id`, typ)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Output relation ---

// WriteOutput replaces the output relation of a type
func (s *sqliteStore) WriteOutput(ctx context.Context, typ string, t store.Table) error {
	if len(t.Columns) == 0 {
		return fmt.Errorf("output of type %s has no columns", typ)
	}
	table := quoteIdent(OutputTableName(typ))
	cols := uniqueColumns(t.Columns)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+table); err != nil {
		return err
	}
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = quoteIdent(c) + " TEXT"
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE %s (%s)`, table, strings.Join(defs, ", "))); err != nil {
		return err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO %s VALUES (%s)`, table, placeholders))
	if err != nil {
		return err
	}
	defer stmt.Close()

	args := make([]interface{}, len(cols))
	for _, row := range t.Rows {
		for i := range args {
			args[i] = ""
			if i < len(row) {
				args[i] = row[i]
			}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Output reads the output relation of a type
func (s *sqliteStore) Output(ctx context.Context, typ string) (store.Table, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT * FROM `+quoteIdent(OutputTableName(typ))+` ORDER BY rowid`)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return store.Table{}, fmt.Errorf("output of type %s: %w", typ, internalerr.ErrNotFound)
		}
		return store.Table{}, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return store.Table{}, err
	}
	t := store.Table{Columns: cols}
	for rows.Next() {
		vals := make([]sql.NullString, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return store.Table{}, err
		}
		row := make([]string, len(cols))
		for i, v := range vals {
			row[i] = v.String
		}
		t.Rows = append(t.Rows, row)
	}
	return t, rows.Err()
}

// OutputTableName returns the table holding the output rows of a type.
// The readable part folds characters SQLite cannot take unquoted, so a
// fingerprint of the raw name keeps types like Pmt-Inf and Pmt_Inf, or
// Hdr and HDR, in separate tables.
func OutputTableName(typ string) string {
	var sb strings.Builder
	sb.WriteString("output_")
	for _, r := range typ {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	sb.WriteByte('_')
	sb.WriteString(splitter.Fingerprint(typ)[:8])
	return sb.String()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// uniqueColumns suffixes names that SQLite would treat as duplicates
// (column names are case-insensitive).
func uniqueColumns(cols []string) []string {
	seen := make(map[string]int, len(cols))
	out := make([]string, len(cols))
	for i, c := range cols {
		k := strings.ToLower(c)
		seen[k]++
		if seen[k] > 1 {
			c = fmt.Sprintf("%s#%d", c, seen[k])
		}
		out[i] = c
	}
	return out
}

func (s *sqliteStore) loadStringColumn(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var val string
		if err := rows.Scan(&val); err != nil {
			return nil, err
		}
		result = append(result, val)
	}
	return result, rows.Err()
}
