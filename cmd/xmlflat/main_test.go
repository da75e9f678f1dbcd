package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cognicore/xmlflat/internal/logger"
	"github.com/cognicore/xmlflat/pkg/xmlflat"
	"github.com/cognicore/xmlflat/pkg/xmlflat/config"
)

const input = `<?xml version="1.0"?>
<Document><Inv><Amount>100</Amount><Line>A</Line><Line>B</Line></Inv></Document>
<?xml version="1.0"?>
<Document><Pay><Iban>X1</Iban></Pay></Document>
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	dir := t.TempDir()
	cfg.Store.DataDir = filepath.Join(dir, "data")
	cfg.Output.Dir = filepath.Join(dir, "output")
	return &cfg
}

func quietLogger() *logger.Logger {
	return logger.NewLogger(logger.Config{Level: "error", Output: io.Discard})
}

// TestOpenFlatGeneratesDatabaseName tests that a run without --db gets a new file in the data dir
func TestOpenFlatGeneratesDatabaseName(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	flat, dbPath, err := openFlat(ctx, cfg, quietLogger(), "")
	if err != nil {
		t.Fatalf("openFlat failed: %v", err)
	}
	defer flat.Close()

	if filepath.Dir(dbPath) != cfg.Store.DataDir {
		t.Errorf("database %s not in data dir %s", dbPath, cfg.Store.DataDir)
	}
	if filepath.Ext(dbPath) != ".db" || len(runName(dbPath)) != 26 {
		t.Errorf("expected ULID database name, got %s", filepath.Base(dbPath))
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database not created: %v", err)
	}
}

// TestOpenExistingMissing tests that overview and export refuse a missing database
func TestOpenExistingMissing(t *testing.T) {
	_, _, err := openExisting(context.Background(), testConfig(t), quietLogger(), filepath.Join(t.TempDir(), "none.db"))
	if err == nil {
		t.Error("openExisting should fail for a missing database")
	}
}

// TestProcessAndExport runs a process followed by a csv and an xlsx export
func TestProcessAndExport(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Output.RepeatingTags = map[string][]string{"Inv": {"Line"}}

	flat, dbPath, err := openFlat(ctx, cfg, quietLogger(), "")
	if err != nil {
		t.Fatalf("openFlat failed: %v", err)
	}
	run, err := flat.Process(ctx, "input.xml", input)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if run.Valid != 2 || run.Result != xmlflat.ResultSuccess {
		t.Fatalf("unexpected run: %+v", run)
	}

	var out bytes.Buffer
	cfg.Output.Format = "csv"
	if err := exportAll(ctx, cfg, flat, &out, runName(dbPath)); err != nil {
		t.Fatalf("csv export failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(cfg.Output.Dir, runName(dbPath), "Inv.csv"))
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	want := "Document.Inv.Amount,Document.Inv.Line\n100,A\n100,B\n"
	if string(data) != want {
		t.Errorf("csv: got %q, want %q", data, want)
	}
	flat.Close()

	flat, _, err = openExisting(ctx, cfg, quietLogger(), dbPath)
	if err != nil {
		t.Fatalf("openExisting failed: %v", err)
	}
	defer flat.Close()

	cfg.Output.Format = "xlsx"
	if err := exportAll(ctx, cfg, flat, &out, runName(dbPath)); err != nil {
		t.Fatalf("xlsx export failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.Output.Dir, runName(dbPath)+".xlsx")); err != nil {
		t.Errorf("workbook not written: %v", err)
	}
	if !strings.Contains(out.String(), "exported 2 types") {
		t.Errorf("unexpected export output: %q", out.String())
	}
}

// TestPrintRun checks the summary lines
func TestPrintRun(t *testing.T) {
	var buf bytes.Buffer
	printRun(&buf, &xmlflat.RunResult{
		File:    "big.xml",
		Lines:   12345,
		Valid:   1200,
		Invalid: 3,
		Loaded:  1199,
		Failed:  1,
		Result:  xmlflat.ResultError,
	}, "data/run.db")

	s := buf.String()
	for _, want := range []string{"ERROR", "12,345 lines", "1,203 documents", "loaded    1,199", "failed    1", "data/run.db"} {
		if !strings.Contains(s, want) {
			t.Errorf("summary missing %q:\n%s", want, s)
		}
	}
}

func TestRepeatFlag(t *testing.T) {
	r := repeatFlag{}
	if err := r.Set("Inv=Line, Tax"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := r.Set("Pay=Item"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got := r.String(); got != "Inv=Line,Tax Pay=Item" {
		t.Errorf("String: got %q", got)
	}

	for _, bad := range []string{"Inv", "=Line", "Inv=", "Inv= , "} {
		if err := (repeatFlag{}).Set(bad); err == nil {
			t.Errorf("Set(%q) should fail", bad)
		}
	}
}

// TestReflattenWithChangedSettings re-runs flattening after the config changes
func TestReflattenWithChangedSettings(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Flatten.ConcatOnKeyError = false

	flat, dbPath, err := openFlat(ctx, cfg, quietLogger(), "")
	if err != nil {
		t.Fatalf("openFlat failed: %v", err)
	}
	run, err := flat.Process(ctx, "input.xml", input)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	flat.Close()
	if run.Failed != 1 {
		t.Fatalf("expected the Inv document to fail, got %+v", run)
	}

	cfg.Flatten.ConcatOnKeyError = true
	flat, _, err = openExisting(ctx, cfg, quietLogger(), dbPath)
	if err != nil {
		t.Fatalf("openExisting failed: %v", err)
	}
	defer flat.Close()

	again, err := flat.Reflatten(ctx, nil)
	if err != nil {
		t.Fatalf("Reflatten failed: %v", err)
	}
	if again.Loaded != 2 || again.Result != xmlflat.ResultSuccess {
		t.Errorf("unexpected reflatten run: %+v", again)
	}
}
