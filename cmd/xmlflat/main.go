package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/oklog/ulid/v2"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/cognicore/xmlflat/internal/logger"
	"github.com/cognicore/xmlflat/internal/source"
	"github.com/cognicore/xmlflat/pkg/xmlflat"
	"github.com/cognicore/xmlflat/pkg/xmlflat/config"
	"github.com/cognicore/xmlflat/pkg/xmlflat/ingest"
	"github.com/cognicore/xmlflat/pkg/xmlflat/sink"
	"github.com/cognicore/xmlflat/pkg/xmlflat/store/sqlite"
)

const usage = `usage: xmlflat <command> [flags]

commands:
  process   split and flatten an input file into a new database
  split     split an input file and list the documents found
  reflatten flatten the stored documents of a database again with the current settings
  overview  show document types and tag statistics of a database
  export    write every document type of a database to csv or xlsx
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	var (
		configPath = fs.String("config", "", "Config file (optional)")
		dbPath     = fs.String("db", "", "Database path (process: default is a new file in the data dir)")
		input      = fs.String("input", "", "Input file path or URL (process, split)")
		format     = fs.String("format", "", "Export format: csv or xlsx (default from config)")
		outDir     = fs.String("out", "", "Export directory (default from config)")
		export     = fs.Bool("export", false, "Export all types after processing (process, reflatten)")
		repeat     = repeatFlag{}
	)
	fs.Var(repeat, "repeat", "Repeating tags of a type, Type=tagA,tagB (repeatable)")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}
	if *format != "" {
		cfg.Output.Format = *format
	}
	if *outDir != "" {
		cfg.Output.Dir = *outDir
	}
	for typ, keys := range repeat {
		if cfg.Output.RepeatingTags == nil {
			cfg.Output.RepeatingTags = make(map[string][]string)
		}
		cfg.Output.RepeatingTags[typ] = keys
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	lg := logger.NewLogger(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
	ctx := context.Background()

	switch cmd {
	case "process":
		if *input == "" {
			log.Fatal("--input required")
		}
		err = runProcess(ctx, cfg, lg, *input, *dbPath, *export)
	case "split":
		if *input == "" {
			log.Fatal("--input required")
		}
		err = runSplit(ctx, cfg, lg, *input)
	case "reflatten":
		if *dbPath == "" {
			log.Fatal("--db required")
		}
		err = runReflatten(ctx, cfg, lg, *dbPath, *export)
	case "overview":
		if *dbPath == "" {
			log.Fatal("--db required")
		}
		err = runOverview(ctx, cfg, lg, *dbPath)
	case "export":
		if *dbPath == "" {
			log.Fatal("--db required")
		}
		err = runExport(ctx, cfg, lg, *dbPath)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		lg.Error("command failed").Str("command", cmd).Err(err).Send()
		os.Exit(1)
	}
}

func runProcess(ctx context.Context, cfg *config.Config, lg *logger.Logger, input, dbPath string, export bool) error {
	in, err := source.New().Read(ctx, input)
	if err != nil {
		return err
	}
	flat, dbPath, err := openFlat(ctx, cfg, lg, dbPath)
	if err != nil {
		return err
	}
	defer flat.Close()

	run, err := flat.Process(ctx, in.Name, in.Text)
	if err != nil {
		return err
	}
	lg.LogRun(run.RunID, run.File, run.Valid, run.Invalid, run.Failed, run.Duration)
	printRun(os.Stdout, run, dbPath)

	if !export {
		return nil
	}
	return exportAll(ctx, cfg, flat, os.Stdout, runName(dbPath))
}

func runReflatten(ctx context.Context, cfg *config.Config, lg *logger.Logger, dbPath string, export bool) error {
	flat, _, err := openExisting(ctx, cfg, lg, dbPath)
	if err != nil {
		return err
	}
	defer flat.Close()

	run, err := flat.Reflatten(ctx, nil)
	if err != nil {
		return err
	}
	lg.LogRun(run.RunID, run.File, run.Valid, run.Invalid, run.Failed, run.Duration)
	printRun(os.Stdout, run, dbPath)

	if !export {
		return nil
	}
	return exportAll(ctx, cfg, flat, os.Stdout, runName(dbPath))
}

func runSplit(ctx context.Context, cfg *config.Config, lg *logger.Logger, input string) error {
	in, err := source.New().Read(ctx, input)
	if err != nil {
		return err
	}
	p := ingest.NewPipeline(ingest.Options{RootTag: cfg.Ingest.RootTag, Logger: lg.Component("ingest")})
	res := p.Split(in.Text)

	for _, d := range res.Documents {
		if d.InvalidReason != "" {
			color.New(color.FgRed).Fprintf(os.Stdout, "#%d invalid: %s\n", d.ID, d.InvalidReason)
			continue
		}
		fmt.Fprintf(os.Stdout, "#%d valid, %d bytes\n", d.ID, len(d.Text))
	}
	fmt.Fprintf(os.Stdout, "delimiters: %s\n", strings.Join(res.Delimiters, ", "))
	return nil
}

func runOverview(ctx context.Context, cfg *config.Config, lg *logger.Logger, dbPath string) error {
	flat, _, err := openExisting(ctx, cfg, lg, dbPath)
	if err != nil {
		return err
	}
	defer flat.Close()

	overview, err := flat.Overview(ctx)
	if err != nil {
		return err
	}
	printOverview(os.Stdout, overview)
	return nil
}

func runExport(ctx context.Context, cfg *config.Config, lg *logger.Logger, dbPath string) error {
	flat, _, err := openExisting(ctx, cfg, lg, dbPath)
	if err != nil {
		return err
	}
	defer flat.Close()
	return exportAll(ctx, cfg, flat, os.Stdout, runName(dbPath))
}

// openFlat opens (or creates) the database of a run. Without a path a new
// ULID-named file is created in the data dir.
func openFlat(ctx context.Context, cfg *config.Config, lg *logger.Logger, dbPath string) (*xmlflat.XMLFlat, string, error) {
	if dbPath == "" {
		dbPath = cfg.DBPath()
	}
	if dbPath == "" {
		dbPath = filepath.Join(cfg.Store.DataDir, ulid.Make().String()+".db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, "", fmt.Errorf("create data dir: %w", err)
	}
	return buildFlat(ctx, cfg, lg, dbPath)
}

func openExisting(ctx context.Context, cfg *config.Config, lg *logger.Logger, dbPath string) (*xmlflat.XMLFlat, string, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, "", err
	}
	return buildFlat(ctx, cfg, lg, dbPath)
}

func buildFlat(ctx context.Context, cfg *config.Config, lg *logger.Logger, dbPath string) (*xmlflat.XMLFlat, string, error) {
	opts, err := cfg.FlattenOptions()
	if err != nil {
		return nil, "", err
	}
	st, err := sqlite.OpenSQLite(ctx, dbPath)
	if err != nil {
		return nil, "", fmt.Errorf("open database: %w", err)
	}
	pipeline := ingest.NewPipeline(ingest.Options{
		RootTag: cfg.Ingest.RootTag,
		Flatten: opts,
		Workers: cfg.Ingest.Workers,
		Logger:  lg.Component("ingest"),
	})
	flat := xmlflat.New(xmlflat.Options{
		Store:    st,
		Pipeline: pipeline,
		Logger:   lg.Component("xmlflat"),
	})
	return flat, dbPath, nil
}

// exportAll writes every type to cfg.Output.Dir: one csv per type in a
// directory named after the run, or a single workbook.
func exportAll(ctx context.Context, cfg *config.Config, flat *xmlflat.XMLFlat, w io.Writer, name string) error {
	target := filepath.Join(cfg.Output.Dir, name)
	format := sink.Format(strings.ToLower(cfg.Output.Format))
	if format == sink.FormatXLSX {
		if err := os.MkdirAll(cfg.Output.Dir, 0755); err != nil {
			return err
		}
		target += ".xlsx"
	}
	s, err := sink.Open(format, target)
	if err != nil {
		return err
	}
	types, err := flat.Export(ctx, s, cfg.Output.RepeatingTags)
	if err != nil {
		s.Close()
		return err
	}
	if err := s.Close(); err != nil {
		return err
	}
	fmt.Fprintf(w, "exported %d types to %s\n", len(types), target)
	return nil
}

func runName(dbPath string) string {
	return strings.TrimSuffix(filepath.Base(dbPath), filepath.Ext(dbPath))
}

func printRun(w io.Writer, run *xmlflat.RunResult, dbPath string) {
	p := message.NewPrinter(language.English)
	status := color.New(color.FgGreen, color.Bold)
	if run.Result != xmlflat.ResultSuccess {
		status = color.New(color.FgRed, color.Bold)
	}

	status.Fprintf(w, "%s", strings.ToUpper(run.Result))
	p.Fprintf(w, " %s: %d lines, %d documents in %v\n", run.File, run.Lines, run.Valid+run.Invalid, run.Duration.Round(time.Millisecond))
	p.Fprintf(w, "  valid     %d\n", run.Valid)
	p.Fprintf(w, "  invalid   %d\n", run.Invalid)
	p.Fprintf(w, "  loaded    %d\n", run.Loaded)
	if run.Failed > 0 {
		color.New(color.FgRed).Fprint(w, p.Sprintf("  failed    %d\n", run.Failed))
	}
	if run.Duplicates > 0 {
		color.New(color.FgYellow).Fprint(w, p.Sprintf("  duplicate %d\n", run.Duplicates))
	}
	fmt.Fprintf(w, "  database  %s\n", dbPath)
}

func printOverview(w io.Writer, overview []xmlflat.TypeSummary) {
	p := message.NewPrinter(language.English)
	title := color.New(color.Bold)
	for _, t := range overview {
		title.Fprintf(w, "%s", t.Type)
		p.Fprintf(w, " (%d documents)\n", t.Docs)
		for _, s := range t.Tags {
			p.Fprintf(w, "  %-60s depth %d  count %d..%d  avg %.2f\n", s.Key, s.MaxDepth, s.MinCount, s.MaxCount, s.AvgCount)
		}
	}
}

// repeatFlag collects Type=tagA,tagB pairs.
type repeatFlag map[string][]string

func (r repeatFlag) String() string {
	types := make([]string, 0, len(r))
	for typ := range r {
		types = append(types, typ)
	}
	sort.Strings(types)
	parts := make([]string, len(types))
	for i, typ := range types {
		parts[i] = typ + "=" + strings.Join(r[typ], ",")
	}
	return strings.Join(parts, " ")
}

func (r repeatFlag) Set(v string) error {
	typ, keys, ok := strings.Cut(v, "=")
	typ = strings.TrimSpace(typ)
	if !ok || typ == "" {
		return fmt.Errorf("expected Type=tagA,tagB, got %q", v)
	}
	for _, k := range strings.Split(keys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			r[typ] = append(r[typ], k)
		}
	}
	if len(r[typ]) == 0 {
		return fmt.Errorf("no repeating tags given for %s", typ)
	}
	return nil
}
