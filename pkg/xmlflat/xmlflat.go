package xmlflat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/cognicore/xmlflat/internal/metrics"
	"github.com/cognicore/xmlflat/pkg/xmlflat/denorm"
	"github.com/cognicore/xmlflat/pkg/xmlflat/flatten"
	"github.com/cognicore/xmlflat/pkg/xmlflat/ingest"
	"github.com/cognicore/xmlflat/pkg/xmlflat/internalerr"
	"github.com/cognicore/xmlflat/pkg/xmlflat/sink"
	"github.com/cognicore/xmlflat/pkg/xmlflat/splitter"
	"github.com/cognicore/xmlflat/pkg/xmlflat/store"
)

// Meta keys written for every run.
const (
	MetaRunID       = "run_id"
	MetaFile        = "file_name"
	MetaLines       = "line_count"
	MetaDelimiters  = "delimiters"
	MetaResult      = "result"
	MetaProcessedAt = "processed_at"
)

// Run results.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// State of the processing run.
type State int

const (
	StateIdle State = iota
	StateSplitting
	StateFlattening
	StateCommitted
	StateMaterializing
)

func (s State) String() string {
	switch s {
	case StateSplitting:
		return "splitting"
	case StateFlattening:
		return "flattening"
	case StateCommitted:
		return "committed"
	case StateMaterializing:
		return "materializing"
	}
	return "idle"
}

// XMLFlat is the main facade: it runs the split/flatten pipeline against a
// store and answers queries about the processed file.
type XMLFlat struct {
	store        store.Store
	pipeline     *ingest.Pipeline
	materializer *denorm.Materializer
	logger       zerolog.Logger
	metrics      *metrics.Metrics

	mu    sync.RWMutex
	state State
}

// Options configures an XMLFlat instance
type Options struct {
	Store    store.Store
	Pipeline *ingest.Pipeline
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics // optional
}

// New creates an XMLFlat instance with the given dependencies
func New(opts Options) *XMLFlat {
	pipeline := opts.Pipeline
	if pipeline == nil {
		pipeline = ingest.NewPipeline(ingest.Options{Flatten: flatten.DefaultOptions(), Logger: opts.Logger})
	}
	return &XMLFlat{
		store:        opts.Store,
		pipeline:     pipeline,
		materializer: denorm.New(opts.Store, opts.Logger),
		logger:       opts.Logger,
		metrics:      opts.Metrics,
	}
}

// Close cleanly shuts down the instance
func (x *XMLFlat) Close() error {
	return x.store.Close()
}

// State returns the state of the current run.
func (x *XMLFlat) State() State {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.state
}

func (x *XMLFlat) setState(s State) {
	x.state = s
	x.logger.Debug().Str("state", s.String()).Msg("state changed")
}

// RunResult summarizes a processing run
type RunResult struct {
	RunID      string
	File       string
	Lines      int
	Valid      int
	Invalid    int
	Loaded     int
	Failed     int
	Duplicates int
	Result     string
	Delimiters []string
	Duration   time.Duration
}

// Split stores the documents of text, replacing earlier ones, without
// flattening them.
func (x *XMLFlat) Split(ctx context.Context, name, text string) (splitter.Result, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	res, err := x.split(ctx, name, text)
	if err != nil {
		x.store.Discard()
	}
	x.setState(StateIdle)
	return res, err
}

func (x *XMLFlat) split(ctx context.Context, name, text string) (splitter.Result, error) {
	x.setState(StateSplitting)
	if err := x.store.TruncateDocuments(ctx); err != nil {
		return splitter.Result{}, fmt.Errorf("truncate documents: %w", err)
	}
	if err := x.store.TruncateParsed(ctx); err != nil {
		return splitter.Result{}, fmt.Errorf("truncate parsed documents: %w", err)
	}

	res := x.pipeline.Split(text)
	for _, d := range res.Documents {
		if err := x.store.StoreDocument(ctx, ingest.StoredDocument(d)); err != nil {
			return splitter.Result{}, err
		}
	}
	if err := x.commit(ctx); err != nil {
		return splitter.Result{}, err
	}
	if err := x.store.CreateIndices(ctx, store.IndexDocStore); err != nil {
		return splitter.Result{}, fmt.Errorf("create document indices: %w", err)
	}

	delimiters, err := json.Marshal(res.Delimiters)
	if err != nil {
		return splitter.Result{}, err
	}
	meta := map[string]string{
		MetaRunID:      "",
		MetaResult:     "",
		MetaFile:       name,
		MetaLines:      strconv.Itoa(countLines(text)),
		MetaDelimiters: string(delimiters),
	}
	for k, v := range meta {
		if err := x.store.SetMeta(ctx, k, v); err != nil {
			return splitter.Result{}, fmt.Errorf("set meta %s: %w", k, err)
		}
	}

	valid, invalid := res.Counts()
	x.metrics.RecordSplit(valid, invalid)
	return res, nil
}

// Process runs a full processing run: split, flatten every valid document
// and commit. A document that fails to flatten is logged and skipped; the
// run result is then "error". Store failures abort the run.
func (x *XMLFlat) Process(ctx context.Context, name, text string) (*RunResult, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	return x.timed(func() (*RunResult, error) {
		res, err := x.split(ctx, name, text)
		if err != nil {
			return nil, err
		}
		run := &RunResult{
			RunID:      ulid.Make().String(),
			File:       name,
			Lines:      countLines(text),
			Delimiters: res.Delimiters,
		}
		run.Valid, run.Invalid = res.Counts()
		return run, x.flattenAll(ctx, run, res.Valid())
	})
}

// Reflatten replays the stored valid documents through p without
// splitting the input again, replacing parsed data and the process log.
// It is how changed flatten options are applied to a processed file.
// A nil p reuses the current pipeline; otherwise p replaces it.
func (x *XMLFlat) Reflatten(ctx context.Context, p *ingest.Pipeline) (*RunResult, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if p != nil {
		x.pipeline = p
	}
	return x.timed(func() (*RunResult, error) {
		if err := x.requireSplit(ctx); err != nil {
			return nil, err
		}
		stored, err := x.store.Documents(ctx, store.ValidityAll)
		if err != nil {
			return nil, err
		}
		if err := x.store.TruncateParsed(ctx); err != nil {
			return nil, fmt.Errorf("truncate parsed documents: %w", err)
		}

		run := &RunResult{RunID: ulid.Make().String()}
		var docs []splitter.Document
		for _, d := range stored {
			if d.Validity != store.Valid {
				run.Invalid++
				continue
			}
			run.Valid++
			docs = append(docs, splitter.Document{ID: d.ID, Validity: splitter.Valid, Text: d.Text, Fingerprint: d.Fingerprint})
		}
		if run.File, _, err = x.store.Meta(ctx, MetaFile); err != nil {
			return nil, err
		}
		lines, _, err := x.store.Meta(ctx, MetaLines)
		if err != nil {
			return nil, err
		}
		run.Lines, _ = strconv.Atoi(lines)
		if run.Delimiters, err = x.Delimiters(ctx); err != nil {
			return nil, err
		}
		return run, x.flattenAll(ctx, run, docs)
	})
}

// timed runs fn as one processing run and records its duration and result.
// A failed run leaves nothing buffered for the next one.
func (x *XMLFlat) timed(fn func() (*RunResult, error)) (*RunResult, error) {
	start := time.Now()
	run, err := fn()
	if err != nil {
		x.store.Discard()
		x.setState(StateIdle)
		x.metrics.RecordRun(ResultError, time.Since(start))
		return nil, err
	}
	run.Duration = time.Since(start)
	x.metrics.RecordRun(run.Result, run.Duration)
	x.logger.Debug().
		Str("run_id", run.RunID).
		Int("loaded", run.Loaded).
		Int("duplicates", run.Duplicates).
		Str("result", run.Result).
		Msg("run committed")
	return run, nil
}

func (x *XMLFlat) requireSplit(ctx context.Context) error {
	_, ok, err := x.store.Meta(ctx, MetaFile)
	if err != nil {
		return err
	}
	if !ok {
		return internalerr.ErrNotProcessed
	}
	return nil
}

// flattenAll flattens docs into the store, logging one process log entry
// per document, then commits and records the run in meta.
func (x *XMLFlat) flattenAll(ctx context.Context, run *RunResult, docs []splitter.Document) error {
	if err := x.store.TruncateProcessLog(ctx); err != nil {
		return fmt.Errorf("truncate process log: %w", err)
	}

	x.setState(StateFlattening)
	seen := make(map[string]int)
	fingerprints := make(map[int]string, len(docs))
	for _, d := range docs {
		fingerprints[d.ID] = d.Fingerprint
	}
	err := x.pipeline.Flatten(ctx, docs, func(o ingest.Outcome) error {
		if fp := fingerprints[o.DocID]; fp != "" {
			if first, ok := seen[fp]; ok {
				run.Duplicates++
				x.metrics.RecordDuplicate()
				msg := fmt.Sprintf("document #%d is identical to document #%d", o.DocID, first)
				if err := x.store.Log(ctx, store.LogEntry{DocID: o.DocID, Level: store.LogWarning, Entry: msg}); err != nil {
					return err
				}
			} else {
				seen[fp] = o.DocID
			}
		}

		x.metrics.RecordFlatten(o.Err)
		if o.Err != nil {
			run.Failed++
			x.logger.Warn().Int("doc_id", o.DocID).Err(o.Err).Msg("document skipped")
			msg := fmt.Sprintf("skipping document #%d due to the following error: %v", o.DocID, o.Err)
			return x.store.Log(ctx, store.LogEntry{DocID: o.DocID, Level: store.LogError, Entry: msg})
		}
		run.Loaded++
		if err := x.store.StoreParsed(ctx, *o.Parsed); err != nil {
			return err
		}
		msg := fmt.Sprintf("document #%d successfully loaded", o.DocID)
		return x.store.Log(ctx, store.LogEntry{DocID: o.DocID, Level: store.LogInfo, Entry: msg})
	})
	if err != nil {
		return fmt.Errorf("flatten documents: %w", err)
	}

	if err := x.commit(ctx); err != nil {
		return err
	}
	for _, g := range []store.IndexGroup{store.IndexProcessLog, store.IndexXMLStore} {
		if err := x.store.CreateIndices(ctx, g); err != nil {
			return fmt.Errorf("create indices: %w", err)
		}
	}

	run.Result = ResultSuccess
	if run.Failed > 0 {
		run.Result = ResultError
	}
	meta := map[string]string{
		MetaRunID:       run.RunID,
		MetaResult:      run.Result,
		MetaProcessedAt: time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range meta {
		if err := x.store.SetMeta(ctx, k, v); err != nil {
			return fmt.Errorf("set meta %s: %w", k, err)
		}
	}

	x.setState(StateCommitted)
	return nil
}

func (x *XMLFlat) commit(ctx context.Context) error {
	start := time.Now()
	err := x.store.Commit(ctx)
	x.metrics.RecordDbOperation("commit", err, time.Since(start))
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// requireProcessed fails with ErrNotProcessed unless a run has been
// committed to the store, by this instance or an earlier process.
func (x *XMLFlat) requireProcessed(ctx context.Context) error {
	v, _, err := x.store.Meta(ctx, MetaRunID)
	if err != nil {
		return err
	}
	if v == "" {
		return internalerr.ErrNotProcessed
	}
	return nil
}

// --- Queries ---

// Info describes the processed file
type Info struct {
	RunID       string `json:"run_id,omitempty"`
	File        string `json:"file"`
	Lines       int    `json:"lines"`
	Valid       int    `json:"valid"`
	Invalid     int    `json:"invalid"`
	Result      string `json:"result,omitempty"`
	ProcessedAt string `json:"processed_at,omitempty"`
	State       string `json:"state"`
}

// Info returns what is known about the file in the store.
func (x *XMLFlat) Info(ctx context.Context) (Info, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	info := Info{State: x.state.String()}
	for key, dst := range map[string]*string{
		MetaRunID:       &info.RunID,
		MetaFile:        &info.File,
		MetaResult:      &info.Result,
		MetaProcessedAt: &info.ProcessedAt,
	} {
		v, _, err := x.store.Meta(ctx, key)
		if err != nil {
			return Info{}, err
		}
		*dst = v
	}
	if v, ok, err := x.store.Meta(ctx, MetaLines); err != nil {
		return Info{}, err
	} else if ok {
		info.Lines, _ = strconv.Atoi(v)
	}

	var err error
	if info.Valid, err = x.store.DocumentCount(ctx, store.Valid); err != nil {
		return Info{}, err
	}
	if info.Invalid, err = x.store.DocumentCount(ctx, store.Invalid); err != nil {
		return Info{}, err
	}
	return info, nil
}

// Delimiters returns the distinct document boundaries seen by the last split.
func (x *XMLFlat) Delimiters(ctx context.Context) ([]string, error) {
	v, ok, err := x.store.Meta(ctx, MetaDelimiters)
	if err != nil || !ok {
		return nil, err
	}
	var out []string
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil, fmt.Errorf("decode delimiters: %w", err)
	}
	return out, nil
}

// ProcessLog returns process log entries of level (store.LogAll for every
// level), optionally for a single document.
func (x *XMLFlat) ProcessLog(ctx context.Context, level store.LogLevel, docID int) ([]store.LogEntry, error) {
	return x.store.ProcessLog(ctx, level, docID)
}

// Documents returns split documents of the given validity.
func (x *XMLFlat) Documents(ctx context.Context, validity store.Validity) ([]store.Document, error) {
	return x.store.Documents(ctx, validity)
}

// Document returns one split document.
func (x *XMLFlat) Document(ctx context.Context, id int) (store.Document, error) {
	d, ok, err := x.store.Document(ctx, id)
	if err != nil {
		return store.Document{}, err
	}
	if !ok {
		return store.Document{}, fmt.Errorf("document %d: %w", id, internalerr.ErrNotFound)
	}
	return d, nil
}

// Record returns the flattened record of a parsed document.
func (x *XMLFlat) Record(ctx context.Context, docID int) (*flatten.Record, string, error) {
	p, ok, err := x.store.Parsed(ctx, docID)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "", fmt.Errorf("parsed document %d: %w", docID, internalerr.ErrNotFound)
	}
	rec := flatten.NewRecord()
	if err := json.Unmarshal(p.RecordJSON, rec); err != nil {
		return nil, "", fmt.Errorf("decode record of document %d: %w", docID, err)
	}
	return rec, p.Type, nil
}

// Types returns the document types in order of first appearance.
func (x *XMLFlat) Types(ctx context.Context) ([]string, error) {
	if err := x.requireProcessed(ctx); err != nil {
		return nil, err
	}
	return x.store.Types(ctx)
}

// TypeStats returns the tag statistics of one type.
func (x *XMLFlat) TypeStats(ctx context.Context, typ string) ([]store.TagStat, error) {
	if err := x.requireType(ctx, typ); err != nil {
		return nil, err
	}
	return x.store.TypeTagStats(ctx, typ)
}

func (x *XMLFlat) requireType(ctx context.Context, typ string) error {
	types, err := x.Types(ctx)
	if err != nil {
		return err
	}
	for _, t := range types {
		if t == typ {
			return nil
		}
	}
	return fmt.Errorf("document type %q: %w", typ, internalerr.ErrNotFound)
}

// TypeSummary describes one document type
type TypeSummary struct {
	Type   string          `json:"type"`
	Docs   int             `json:"docs"`
	Tags   []store.TagStat `json:"tags"`
	Sample *Sample         `json:"sample,omitempty"`
}

// Sample is the first document of a type as a single row
type Sample struct {
	DocID   int      `json:"doc_id"`
	Columns []string `json:"columns"`
	Values  []string `json:"values"`
}

// Overview returns document counts and tag statistics per type.
func (x *XMLFlat) Overview(ctx context.Context) ([]TypeSummary, error) {
	if err := x.requireProcessed(ctx); err != nil {
		return nil, err
	}
	counts, err := x.store.TypeOverview(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]TypeSummary, 0, len(counts))
	for _, c := range counts {
		tags, err := x.store.TypeTagStats(ctx, c.Type)
		if err != nil {
			return nil, fmt.Errorf("stats of type %s: %w", c.Type, err)
		}
		out = append(out, TypeSummary{Type: c.Type, Docs: c.Docs, Tags: tags})
	}
	return out, nil
}

// OverviewWithSamples is Overview with the first document of each type.
func (x *XMLFlat) OverviewWithSamples(ctx context.Context) ([]TypeSummary, error) {
	out, err := x.Overview(ctx)
	if err != nil {
		return nil, err
	}
	for i := range out {
		s, err := x.sample(ctx, out[i].Type)
		if err != nil {
			return nil, err
		}
		out[i].Sample = s
	}
	return out, nil
}

// Samples returns the first document of every type as a single row.
func (x *XMLFlat) Samples(ctx context.Context) ([]Sample, error) {
	types, err := x.Types(ctx)
	if err != nil {
		return nil, err
	}
	var out []Sample
	for _, typ := range types {
		s, err := x.sample(ctx, typ)
		if err != nil {
			return nil, err
		}
		if s != nil {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (x *XMLFlat) sample(ctx context.Context, typ string) (*Sample, error) {
	ids, err := x.store.DocIDsByType(ctx, typ)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	cols, err := x.store.TypeColumns(ctx, typ)
	if err != nil {
		return nil, err
	}
	tags, err := x.store.TagRows(ctx, ids[0])
	if err != nil {
		return nil, err
	}
	return &Sample{DocID: ids[0], Columns: cols, Values: denorm.SimpleRow(tags).Project(cols)}, nil
}

// --- Output ---

// Materialize rebuilds the output relation of typ. An empty repeating set
// gives one row per document.
func (x *XMLFlat) Materialize(ctx context.Context, typ string, repeating []string) (store.Table, error) {
	if err := x.requireType(ctx, typ); err != nil {
		return store.Table{}, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	prev := x.state
	x.setState(StateMaterializing)
	defer x.setState(prev)

	t, err := x.materializer.Materialize(ctx, typ, repeating)
	if err != nil {
		return store.Table{}, err
	}
	x.metrics.RecordRows(typ, len(t.Rows))
	return t, nil
}

// OutputRows reads the last materialized output of typ.
func (x *XMLFlat) OutputRows(ctx context.Context, typ string) (store.Table, error) {
	if err := x.requireType(ctx, typ); err != nil {
		return store.Table{}, err
	}
	return x.store.Output(ctx, typ)
}

// Export materializes every type and writes it to s. Types listed in
// repeating are denormalized with their tags; others get simple rows.
// The sink is not closed.
func (x *XMLFlat) Export(ctx context.Context, s sink.Sink, repeating map[string][]string) ([]string, error) {
	types, err := x.Types(ctx)
	if err != nil {
		return nil, err
	}
	for _, typ := range types {
		t, err := x.Materialize(ctx, typ, repeating[typ])
		if err != nil {
			return nil, fmt.Errorf("materialize %s: %w", typ, err)
		}
		if err := s.WriteTable(typ, t); err != nil {
			return nil, fmt.Errorf("export %s: %w", typ, err)
		}
	}
	return types, nil
}

// IsNotProcessed reports whether err means no run has been committed yet.
func IsNotProcessed(err error) bool {
	return errors.Is(err, internalerr.ErrNotProcessed)
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	n := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		n++
	}
	return n
}
