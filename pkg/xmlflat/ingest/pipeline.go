package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cognicore/xmlflat/pkg/xmlflat/flatten"
	"github.com/cognicore/xmlflat/pkg/xmlflat/splitter"
	"github.com/cognicore/xmlflat/pkg/xmlflat/store"
)

// Options configures a Pipeline.
type Options struct {
	RootTag string
	Flatten flatten.Options
	Workers int
	Logger  zerolog.Logger
}

// Pipeline orchestrates the ingestion flow:
// text → split → validate → flatten (parallel) → store rows
type Pipeline struct {
	splitter  *splitter.Splitter
	flattener *flatten.Flattener
	workers   int
	logger    zerolog.Logger
}

// NewPipeline creates an ingestion pipeline
func NewPipeline(opts Options) *Pipeline {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	return &Pipeline{
		splitter:  splitter.New(opts.RootTag),
		flattener: flatten.New(opts.Flatten),
		workers:   workers,
		logger:    opts.Logger,
	}
}

// Outcome is the flattening result of one document. Exactly one of Parsed
// and Err is set.
type Outcome struct {
	DocID  int
	Parsed *store.ParsedDocument
	Err    error
}

// Split cuts text into documents.
func (p *Pipeline) Split(text string) splitter.Result {
	res := p.splitter.Split(text)
	valid, invalid := res.Counts()
	p.logger.Debug().Int("valid", valid).Int("invalid", invalid).Strs("delimiters", res.Delimiters).Msg("input split")
	return res
}

// Flatten flattens docs with up to Workers goroutines and hands the
// outcomes to emit in input order from the calling goroutine, so emit can
// write to a store buffer without locking. A per-document failure is an
// Outcome, not an error; only ctx cancellation and emit errors abort.
func (p *Pipeline) Flatten(ctx context.Context, docs []splitter.Document, emit func(Outcome) error) error {
	outcomes := make([]Outcome, len(docs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, d := range docs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			outcomes[i] = p.flattenOne(d)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, o := range outcomes {
		if err := emit(o); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) flattenOne(d splitter.Document) Outcome {
	pd, err := p.flattener.Flatten(d.ID, d.Text)
	if err != nil {
		p.logger.Debug().Int("doc_id", d.ID).Err(err).Msg("flatten failed")
		return Outcome{DocID: d.ID, Err: err}
	}
	sp, err := Convert(pd)
	if err != nil {
		return Outcome{DocID: d.ID, Err: err}
	}
	return Outcome{DocID: d.ID, Parsed: &sp}
}

// Convert turns a flattened document into its stored form: the record as
// JSON, one tag row per entry ordered by tag id, and the exported tree.
func Convert(pd *flatten.ParsedDocument) (store.ParsedDocument, error) {
	record, err := json.Marshal(pd.Record)
	if err != nil {
		return store.ParsedDocument{}, fmt.Errorf("encode record of document %d: %w", pd.DocID, err)
	}

	var tags []store.TagRow
	for i, key := range pd.Record.Keys() {
		for rep, e := range pd.Record.Get(key) {
			tags = append(tags, store.TagRow{
				DocID:      pd.DocID,
				Type:       pd.Type,
				Order:      i + 1,
				Key:        key,
				Kind:       store.TagKind(e.Kind),
				Depth:      e.Depth,
				TagID:      e.TagID,
				Repetition: rep,
				Value:      e.Value,
			})
		}
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].TagID < tags[j].TagID })

	return store.ParsedDocument{
		DocID:              pd.DocID,
		Type:               pd.Type,
		TopNode:            pd.TopNode,
		RecordJSON:         record,
		SourceTagCount:     pd.SourceTagCount,
		RecognizedTagCount: pd.RecognizedTagCount,
		Tags:               tags,
		Tree:               pd.Tree.ExportData(),
	}, nil
}

// StoredDocument converts a split document into its stored form.
func StoredDocument(d splitter.Document) store.Document {
	return store.Document{
		ID:            d.ID,
		Validity:      store.Validity(d.Validity),
		Text:          d.Text,
		InvalidReason: d.InvalidReason,
		Fingerprint:   d.Fingerprint,
	}
}
