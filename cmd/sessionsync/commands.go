package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/banshee-data/sessionsync/internal/api"
	"github.com/banshee-data/sessionsync/internal/config"
	"github.com/banshee-data/sessionsync/internal/db"
	"github.com/banshee-data/sessionsync/internal/orchestrator"
	"github.com/banshee-data/sessionsync/internal/report"
	"github.com/banshee-data/sessionsync/internal/version"
)

func handleRun(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultPath, "Settings file")
	listen := fs.String("listen", "", "Operator API listen address (overrides settings)")
	noBackup := fs.Bool("no-backup", false, "Skip the backup copy at teardown")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.HTTP.Listen = *listen
	}
	if *noBackup {
		cfg.Experiment.BackupDir = ""
	}
	log.Printf("loaded %s: %v", *configPath, cfg.Summary())

	o, err := orchestrator.Build(cfg, orchestrator.Options{Version: version.String()})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The API server outlives the session by the shutdown grace period so a
	// final status poll still answers.
	serverCtx, stopServer := context.WithCancel(context.Background())
	defer stopServer()

	mux := http.NewServeMux()
	apiServer := api.NewServer(o)
	mux.Handle("/api/", apiServer.ServeMux())
	apiServer.AttachAdminRoutes(mux)
	if err := o.Store().AttachAdminRoutes(mux); err != nil {
		log.Printf("store admin routes unavailable: %v", err)
	}
	for _, r := range o.AdminRouters() {
		r.AttachAdminRoutes(mux)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		serveHTTP(serverCtx, cfg.HTTP.Listen, api.LoggingMiddleware(mux))
	}()

	log.Printf("session %s starting in %s; operator API on %s", o.Session().ID, o.Session().Dir, cfg.HTTP.Listen)
	runErr := o.Run(ctx)
	stopServer()
	wg.Wait()

	res := o.Result()
	fmt.Fprintf(out, "Session %s finished (%s)\n", res.SessionID, res.Reason)
	fmt.Fprintf(out, "  directory: %s\n", res.Dir)
	fmt.Fprintf(out, "  manifest:  %s\n", res.ManifestPath)
	if res.CSVPath != "" {
		fmt.Fprintf(out, "  heart rate: %s\n", res.CSVPath)
	}
	if res.BackupPath != "" {
		fmt.Fprintf(out, "  backup:    %s\n", res.BackupPath)
	}
	if len(res.Summaries) > 0 {
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PHASE\tSAMPLES\tMIN\tMAX\tAVG\tSTD")
		for _, s := range res.Summaries {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.1f\t%.1f\n", s.Phase, s.Count, s.MinBPM, s.MaxBPM, s.MeanBPM, s.StdBPM)
		}
		tw.Flush()
	}
	return runErr
}

// serveHTTP runs the server until ctx is done, then shuts it down with a
// short grace period.
func serveHTTP(ctx context.Context, addr string, h http.Handler) {
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	log.Printf("HTTP server stopped")
}

func handlePreflight(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("preflight", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultPath, "Settings file")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reports, _, err := orchestrator.Preflight(ctx, cfg, orchestrator.Options{})
	if err != nil {
		return err
	}
	return printPreflight(out, reports)
}

func printPreflight(out io.Writer, reports []orchestrator.PreflightReport) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tCLASS\tSTATUS\tBATTERY\tDETAIL")
	failed := 0
	for _, r := range reports {
		status, battery, detail := "ok", "-", ""
		if !r.Connected {
			status = "FAILED"
			failed++
		}
		if r.Status != nil && r.Status.Battery != nil {
			battery = fmt.Sprintf("%d%%", *r.Status.Battery)
		}
		if r.Error != "" {
			detail = r.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Class, status, battery, detail)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d devices failed to connect", failed, len(reports))
	}
	return nil
}

func handleReport(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	outDir := fs.String("out", "", "Output directory (default: <session>/report)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(out, "Usage: sessionsync report [--out <dir>] <session-dir>")
		return errUsage
	}

	rep, err := report.Generate(fs.Arg(0), report.Options{OutDir: *outDir})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Session %s (%s): %d events, %d phases, %d frozen ranges\n",
		rep.SessionID, rep.Experiment, rep.Events, len(rep.Phases), len(rep.Frozen))
	for _, f := range rep.Files {
		fmt.Fprintf(out, "  %s\n", f)
	}
	return nil
}

func handleMigrate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	dbPath := fs.String("db", db.FileName, "Session store path")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	return db.RunMigrateCommand(fs.Args(), *dbPath, out)
}
