// Command kunit converts LS-DYNA keyword decks between base unit
// systems and manages the TOML materials library.
//
// Usage:
//
//	kunit convert -src mm-mg-us -dst m-kg-s [-models all] [-transforms t.json] [-o out.k] input.k
//	kunit list-models
//	kunit list-units
//	kunit materials -dir DIR list
//	kunit materials -dir DIR export [-ids a,b] [-o out.k]
//	kunit materials -dir DIR convert -dst UNITS [-ids a,b] [-o out.k]
//	kunit materials -dir DIR sync
//	kunit serve [options]
//	kunit worker [options]
//
// Service options (serve, worker, materials sync) default from the
// environment: KUNIT_ADDR, KUNIT_HISTORY_DB, KUNIT_MATERIALS_DIR,
// KUNIT_API_KEYS, NATS_URL, NATS_SUBJECT, NATS_QUEUE, CLICKHOUSE_* and
// POSTGRES_* connection settings.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"kunit/internal/convert"
	"kunit/internal/engine"
	"kunit/internal/materials"
	"kunit/internal/storage"
	"kunit/internal/units"
	"kunit/internal/web"
	"kunit/internal/worker"
)

func usage(w io.Writer) {
	fmt.Fprintln(w, "kunit - LS-DYNA keyword unit converter. Commands:")
	fmt.Fprintln(w, "  convert      - convert a keyword file between unit systems")
	fmt.Fprintln(w, "  list-models  - print the registered keyword models")
	fmt.Fprintln(w, "  list-units   - print the known unit systems")
	fmt.Fprintln(w, "  materials    - list, export or convert the materials library")
	fmt.Fprintln(w, "  serve        - run the web UI and REST API")
	fmt.Fprintln(w, "  worker       - run the NATS conversion worker")
	fmt.Fprintln(w, "  init-db      - create the ClickHouse and PostgreSQL schemas")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  kunit convert -src mm-mg-us -dst m-kg-s [-models all] [-transforms t.json] [-o out.k] input.k")
	fmt.Fprintln(w, "  kunit materials -dir DIR (list | export | convert | sync) [-ids a,b] [-dst UNITS] [-o out.k]")
	fmt.Fprintln(w, "  kunit serve [-addr :8080] [-history kunit.db] [-materials DIR] [-auth -api-keys k1,k2]")
	fmt.Fprintln(w, "  kunit worker [-nats-url URL] [-subject kunit.convert] [-queue kunit-workers] [-audit]")
	fmt.Fprintln(w, "")
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}
	cmd := strings.ToLower(os.Args[1])
	switch cmd {
	case "convert":
		runConvert(os.Args[2:])
	case "list-models":
		runListModels()
	case "list-units":
		runListUnits()
	case "materials":
		runMaterials(os.Args[2:])
	case "serve":
		runServe(os.Args[2:])
	case "worker":
		runWorker(os.Args[2:])
	case "init-db":
		runInitDB()
	case "-h", "--help", "help":
		usage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage(os.Stderr)
		os.Exit(2)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func runConvert(args []string) {
	fs := flag.NewFlagSet("convert", flag.ExitOnError)
	src := fs.String("src", "", "source unit system (required)")
	dst := fs.String("dst", "", "destination unit system (required)")
	models := fs.String("models", "all", "comma-separated model names, or all")
	transformsPath := fs.String("transforms", "", "custom transform file (.json or .toml)")
	output := fs.String("o", "", "output path (default <input>.<dst>.k)")
	_ = fs.Parse(args)

	if *src == "" || *dst == "" || fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "convert requires -src, -dst and exactly one input file")
		fs.Usage()
		os.Exit(2)
	}

	custom, err := loadTransforms(*transformsPath)
	if err != nil {
		fatal(err)
	}

	written, err := convert.ConvertFile(fs.Arg(0), *output, *src, *dst, *models, custom)
	if err != nil {
		fatal(err)
	}
	fmt.Println(written)
}

func loadTransforms(path string) (engine.TransformMap, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(path, ".toml") {
		return convert.ParseTransformsTOML(string(data))
	}
	return convert.ParseTransforms(string(data))
}

func runListModels() {
	for _, m := range convert.Models() {
		fmt.Printf("%-22s %s (%d cards)\n", m.Name, m.Keyword, len(m.Cards))
	}
}

func runListUnits() {
	for _, d := range units.Descriptors() {
		fmt.Printf("%-10s pressure in %s\n", d.Key, d.PressureUnit)
	}
}

func runMaterials(args []string) {
	fs := flag.NewFlagSet("materials", flag.ExitOnError)
	dir := fs.String("dir", envOrDefault("KUNIT_MATERIALS_DIR", "materials"), "materials library directory")
	ids := fs.String("ids", "", "comma-separated material ids (default all)")
	dst := fs.String("dst", "", "destination unit system (convert action)")
	output := fs.String("o", "", "output path (default stdout)")
	_ = fs.Parse(args)

	action := "list"
	if fs.NArg() > 0 {
		action = strings.ToLower(fs.Arg(0))
	}

	store := materials.NewStore(*dir)
	records, err := store.List()
	if err != nil {
		fatal(err)
	}
	records = selectRecords(records, *ids)

	switch action {
	case "list":
		for _, rec := range records {
			fmt.Printf("%-20s %-24s %-18s %-10s %s\n",
				rec.ID, rec.Name, rec.Model, rec.Units, strings.Join(rec.Tags, ","))
		}
	case "export":
		emit(materials.Export(records), *output)
	case "convert":
		if *dst == "" {
			fmt.Fprintln(os.Stderr, "materials convert requires -dst")
			os.Exit(2)
		}
		converted, err := materials.Convert(records, *dst)
		if err != nil {
			fatal(err)
		}
		emit(converted, *output)
	case "sync":
		ctx := context.Background()
		pg, err := storage.OpenPostgres(ctx, postgresConfigFromEnv())
		if err != nil {
			fatal(err)
		}
		defer pg.Close()
		if err := pg.CreateSchema(ctx); err != nil {
			fatal(err)
		}
		n, err := pg.SyncFromStore(ctx, store)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("synced %d materials to the catalog\n", n)
	default:
		fmt.Fprintf(os.Stderr, "Unknown materials action: %s (want list, export, convert or sync)\n", action)
		os.Exit(2)
	}
}

func selectRecords(records []materials.Record, ids string) []materials.Record {
	if strings.TrimSpace(ids) == "" {
		return records
	}
	want := make(map[string]bool)
	for _, id := range strings.Split(ids, ",") {
		if id = strings.TrimSpace(id); id != "" {
			want[id] = true
		}
	}
	var out []materials.Record
	for _, rec := range records {
		if want[rec.ID] {
			out = append(out, rec)
		}
	}
	return out
}

func emit(text, path string) {
	if path == "" {
		fmt.Print(text)
		return
	}
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		fatal(err)
	}
	fmt.Println(path)
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", envOrDefault("KUNIT_ADDR", ":8080"), "listen address")
	historyPath := fs.String("history", envOrDefault("KUNIT_HISTORY_DB", ""), "SQLite history database path (empty disables history)")
	materialsDir := fs.String("materials", envOrDefault("KUNIT_MATERIALS_DIR", ""), "materials library directory (empty disables materials pages)")
	authEnabled := fs.Bool("auth", false, "enable API key authentication on /api/v1")
	apiKeys := fs.String("api-keys", envOrDefault("KUNIT_API_KEYS", ""), "comma-separated list of valid API keys (when auth enabled)")
	audit := fs.Bool("audit", false, "record conversions to ClickHouse")
	_ = fs.Parse(args)

	var history *storage.History
	if *historyPath != "" {
		h, err := storage.OpenHistory(*historyPath)
		if err != nil {
			fatal(err)
		}
		defer func() { _ = h.Close() }()
		history = h
	}

	var auditDB *storage.ClickHouseDB
	if *audit {
		ctx := context.Background()
		ch, err := storage.OpenClickHouse(ctx, clickHouseConfigFromEnv())
		if err != nil {
			fatal(err)
		}
		defer func() { _ = ch.Close() }()
		if err := ch.CreateSchema(ctx); err != nil {
			fatal(err)
		}
		auditDB = ch
	}

	var keys []string
	for _, k := range strings.Split(*apiKeys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}

	server, err := web.NewServer(web.Config{
		Addr:         *addr,
		AuthEnabled:  *authEnabled,
		APIKeys:      keys,
		MaterialsDir: *materialsDir,
	}, history, auditDB)
	if err != nil {
		fatal(err)
	}

	if err := server.Run(); err != nil {
		fatal(err)
	}
}

func runWorker(args []string) {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	natsURL := fs.String("nats-url", envOrDefault("NATS_URL", "nats://localhost:4222"), "NATS server URL")
	subject := fs.String("subject", envOrDefault("NATS_SUBJECT", worker.DefaultSubject), "request subject")
	queue := fs.String("queue", envOrDefault("NATS_QUEUE", worker.DefaultQueue), "queue group")
	audit := fs.Bool("audit", false, "record conversions to ClickHouse")
	_ = fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var auditDB *storage.ClickHouseDB
	if *audit {
		ch, err := storage.OpenClickHouse(ctx, clickHouseConfigFromEnv())
		if err != nil {
			fatal(err)
		}
		defer func() { _ = ch.Close() }()
		if err := ch.CreateSchema(ctx); err != nil {
			fatal(err)
		}
		auditDB = ch
	}

	w, err := worker.New(worker.Config{URL: *natsURL, Subject: *subject, Queue: *queue}, auditDB)
	if err != nil {
		fatal(err)
	}
	defer w.Close()

	if err := w.Run(ctx); err != nil {
		fatal(err)
	}
}

// runInitDB creates the audit and catalog schemas in one pass, for
// first-time deployment of the backing databases.
func runInitDB() {
	ctx := context.Background()
	db, err := storage.Open(ctx, storage.Config{
		ClickHouse: clickHouseConfigFromEnv(),
		Postgres:   postgresConfigFromEnv(),
	})
	if err != nil {
		fatal(err)
	}
	defer func() { _ = db.Close() }()

	if err := db.CreateSchemas(ctx); err != nil {
		fatal(err)
	}
	fmt.Println("schemas created")
}

func postgresConfigFromEnv() storage.PostgresConfig {
	return storage.PostgresConfig{
		Host:     envOrDefault("POSTGRES_HOST", "localhost"),
		Port:     envOrDefaultInt("POSTGRES_PORT", 5432),
		Database: envOrDefault("POSTGRES_DATABASE", "kunit"),
		User:     envOrDefault("POSTGRES_USER", "kunit"),
		Password: envOrDefault("POSTGRES_PASSWORD", "kunit"),
	}
}

func clickHouseConfigFromEnv() storage.ClickHouseConfig {
	return storage.ClickHouseConfig{
		Host:     envOrDefault("CLICKHOUSE_HOST", "localhost"),
		Port:     envOrDefaultInt("CLICKHOUSE_PORT", 9000),
		Database: envOrDefault("CLICKHOUSE_DATABASE", "kunit"),
		User:     envOrDefault("CLICKHOUSE_USER", "default"),
		Password: envOrDefault("CLICKHOUSE_PASSWORD", ""),
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
