package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"flexmc.dev/internal/bot"
	"flexmc.dev/internal/journal"
	"flexmc.dev/internal/migrate"
	"flexmc.dev/internal/plan"
	"flexmc.dev/internal/server"
	"flexmc.dev/internal/transport/progress"
)

func main() {
	var (
		planPath  = flag.String("plan", "./configs/plan.yaml", "migration plan path")
		dataDir   = flag.String("data", "./data", "runtime data directory (journal, diagnostics)")
		addr      = flag.String("addr", "127.0.0.1:8080", "http listen address for progress/metrics (empty to disable)")
		disableDB = flag.Bool("disable_db", false, "disable the sqlite run journal")
		dryRun    = flag.Bool("dry_run", false, "merge chunks but write nothing to the destination")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[flexmc] ", log.LstdFlags|log.Lmicroseconds)

	p, err := plan.Load(*planPath)
	if err != nil {
		logger.Fatalf("load plan: %v", err)
	}
	if *dryRun {
		p.DryRun = true
	}

	ctx, cancel := signalContext()
	defer cancel()

	mgr := server.NewManager(server.JavaLauncher{}, logger, server.Options{
		ReadyTimeout: p.Server.ReadyTimeout.Std(),
		StopGrace:    p.Server.StopGrace.Std(),
		JavaPath:     p.Server.JavaPath,
		JarName:      p.Server.JarName,
		HeapMB:       p.Server.HeapMB,
	})
	defer mgr.StopAll()

	ctrl := bot.NewController(logger, bot.Options{
		GenerationTimeout: p.Server.GenerationTimeout.Std(),
		PollInterval:      p.Server.PollInterval.Std(),
	})
	defer ctrl.CloseAll()

	var recorders []migrate.Recorder

	counters := &statusCounters{}
	recorders = append(recorders, counters)

	var db *journal.SQLite
	var runID int64
	if !*disableDB {
		db, err = journal.OpenSQLite(filepath.Join(*dataDir, "journal.db"))
		if err != nil {
			logger.Fatalf("open journal: %v", err)
		}
		defer db.Close()
		runID, err = db.BeginRun()
		if err != nil {
			logger.Fatalf("begin run: %v", err)
		}
		recorders = append(recorders, db)
	}

	diag := journal.NewDiagLog(filepath.Join(*dataDir, "diag"))
	defer diag.Close()
	recorders = append(recorders, diag)

	var prog *progress.Server
	if strings.TrimSpace(*addr) != "" {
		prog = progress.NewServer(logger)
		recorders = append(recorders, prog)
		go serveHTTP(*addr, prog, counters, mgr, logger)
	}

	baseDir, baseVer, baseLayout := p.ResolveBase()
	customDir, customVer, customLayout := p.ResolveCustom()
	targetDir, targetVer, targetLayout := p.ResolveTarget()

	eng := migrate.NewEngine(migrate.Config{
		Base:        migrate.NewSource(baseDir, baseVer, baseLayout),
		Custom:      migrate.NewSource(customDir, customVer, customLayout),
		Target:      migrate.NewSource(targetDir, targetVer, targetLayout),
		DestDir:     p.DestDir,
		Dimensions:  p.DimensionList(),
		Chunks:      p.ChunkList(),
		Concurrency: p.Concurrency,
		DryRun:      p.DryRun,
	}, mgr, ctrl, logger, recorders...)

	started := time.Now()
	sum, err := eng.Run(ctx)
	if err != nil {
		logger.Printf("run aborted: %v", err)
	}
	logger.Printf("done in %s: %d migrated, %d skipped, %d failed, %d lossy categories, %d corrupt slots",
		time.Since(started).Round(time.Millisecond), sum.Migrated, sum.Skipped, sum.Failed, sum.Lossy, sum.Corrupt)

	if db != nil {
		if err := db.FinishRun(runID, sum); err != nil {
			logger.Printf("finish run: %v", err)
		}
		if sum.Failed > 0 {
			fails, err := db.Failures(runID)
			if err != nil {
				logger.Printf("list failures: %v", err)
			}
			for _, f := range fails {
				logger.Printf("failed: %s chunk (%d,%d): %s", f.Dim, f.X, f.Z, f.Reason)
			}
		}
		if sum.Corrupt > 0 {
			corrupt, err := db.Corrupt(runID)
			if err != nil {
				logger.Printf("list corrupt slots: %v", err)
			}
			for _, c := range corrupt {
				logger.Printf("corrupt: %s chunk (%d,%d): %s", c.Dim, c.X, c.Z, c.Reason)
			}
		}
	}

	if err != nil || sum.Failed > 0 || sum.Corrupt > 0 {
		os.Exit(1)
	}
}

// statusCounters feeds /metrics without touching the engine's hot path
// beyond an atomic add.
type statusCounters struct {
	migrated atomic.Int64
	skipped  atomic.Int64
	failed   atomic.Int64
	lossy    atomic.Int64
	corrupt  atomic.Int64
}

func (c *statusCounters) Record(ev migrate.Event) {
	switch ev.Status {
	case migrate.StatusMigrated:
		c.migrated.Add(1)
	case migrate.StatusSkipped:
		c.skipped.Add(1)
	case migrate.StatusFailed:
		c.failed.Add(1)
	case migrate.StatusLossy:
		c.lossy.Add(1)
	case migrate.StatusCorrupt:
		c.corrupt.Add(1)
	}
}

func serveHTTP(addr string, prog *progress.Server, counters *statusCounters, mgr *server.Manager, logger *log.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/v1/progress", prog.Handler())
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP flexmc_chunks_total Chunk outcomes for the current run.\n")
		fmt.Fprintf(rw, "# TYPE flexmc_chunks_total counter\n")
		fmt.Fprintf(rw, "flexmc_chunks_total{status=%q} %d\n", "migrated", counters.migrated.Load())
		fmt.Fprintf(rw, "flexmc_chunks_total{status=%q} %d\n", "skipped", counters.skipped.Load())
		fmt.Fprintf(rw, "flexmc_chunks_total{status=%q} %d\n", "failed", counters.failed.Load())
		fmt.Fprintf(rw, "flexmc_chunks_total{status=%q} %d\n", "corrupt", counters.corrupt.Load())

		fmt.Fprintf(rw, "# HELP flexmc_lossy_categories_total Customized categories replaced by regenerated data.\n")
		fmt.Fprintf(rw, "# TYPE flexmc_lossy_categories_total counter\n")
		fmt.Fprintf(rw, "flexmc_lossy_categories_total %d\n", counters.lossy.Load())

		fmt.Fprintf(rw, "# HELP flexmc_server_processes Game server processes currently starting or running.\n")
		fmt.Fprintf(rw, "# TYPE flexmc_server_processes gauge\n")
		fmt.Fprintf(rw, "flexmc_server_processes %d\n", mgr.Live())

		fmt.Fprintf(rw, "# HELP flexmc_progress_observers Connected progress observers.\n")
		fmt.Fprintf(rw, "# TYPE flexmc_progress_observers gauge\n")
		fmt.Fprintf(rw, "flexmc_progress_observers %d\n", prog.Observers())
	})

	logger.Printf("listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Printf("http: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
