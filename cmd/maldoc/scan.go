package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/maldoc/engine"
	"github.com/hazyhaar/maldoc/idgen"
	"github.com/hazyhaar/maldoc/record"
	"github.com/hazyhaar/maldoc/store"
)

var scanCmd = &cobra.Command{
	Use:   "scan [path...]",
	Short: "Scan files or corpus directories",
	Long: `Enqueues every input into the results database, then drains the queue
with a worker pool. Each input yields exactly one record tree, even when
the file is unreadable or the parser stalls. Interrupted batches resume
with --resume.`,
	Args: func(cmd *cobra.Command, args []string) error {
		resume, _ := cmd.Flags().GetBool("resume")
		if len(args) == 0 && !resume {
			return fmt.Errorf("requires at least one path, or --resume")
		}
		return nil
	},
	RunE: runScan,
}

func init() {
	scanCmd.Flags().Bool("resume", false, "drain jobs left over from an interrupted run")
	scanCmd.Flags().Int("workers", 0, "parallel workers (overrides config)")
	scanCmd.Flags().String("out", "", "also stream records as NDJSON to this file ('-' for stdout)")
	scanCmd.Flags().Bool("no-progress", false, "disable the progress bar")
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadEngineConfig()
	if err != nil {
		return err
	}
	if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
		cfg.Workers = workers
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	// Visibility must outlast the per-file timeout or a live worker loses
	// its claim on a slow file.
	visibility := 2 * cfg.FileTimeout
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	queue := store.NewQueue(st, visibility)

	resume, _ := cmd.Flags().GetBool("resume")
	var corpus []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return fmt.Errorf("stat %s: %w", arg, err)
		}
		if info.IsDir() {
			paths, err := engine.CollectCorpus(arg)
			if err != nil {
				return fmt.Errorf("collect %s: %w", arg, err)
			}
			corpus = append(corpus, paths...)
		} else {
			corpus = append(corpus, arg)
		}
	}
	for _, path := range corpus {
		if err := queue.Enqueue(ctx, path, []byte(path)); err != nil {
			return fmt.Errorf("enqueue %s: %w", path, err)
		}
	}

	pending, err := queue.Pending(ctx)
	if err != nil {
		return err
	}
	if pending == 0 {
		fmt.Fprintln(os.Stderr, "nothing to scan")
		return nil
	}
	if resume && len(corpus) == 0 {
		slog.Info("resuming interrupted batch", "pending", pending)
	}

	var out *json.Encoder
	var outFile *os.File
	var outMu sync.Mutex
	if outPath, _ := cmd.Flags().GetString("out"); outPath != "" {
		w := os.Stdout
		if outPath != "-" {
			f, err := os.Create(outPath)
			if err != nil {
				return fmt.Errorf("create %s: %w", outPath, err)
			}
			outFile = f
			w = f
		}
		out = json.NewEncoder(w)
	}

	var bar *progressbar.ProgressBar
	if noProgress, _ := cmd.Flags().GetBool("no-progress"); !noProgress {
		bar = progressbar.NewOptions(pending,
			progressbar.OptionSetDescription("scanning"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}

	runID := idgen.NewRunID()
	runLog := store.NewRunLog(st)
	runLog.Log(ctx, store.RunEvent{
		RunID:     runID,
		EventType: "run_started",
		Detail:    fmt.Sprintf("%d files pending, %d workers", pending, cfg.Workers),
	})

	eng := engine.New(cfg)
	var done, failed atomic.Int64
	start := time.Now()

	drainErr := queue.Drain(ctx, cfg.Workers, func(ctx context.Context, task store.Task) error {
		rec := eng.ProcessFile(ctx, string(task.Payload))
		if err := st.SaveRecord(ctx, rec); err != nil {
			return err
		}
		eventType := "file_completed"
		if rec.Status == record.StatusFailed {
			eventType = "file_failed"
			failed.Add(1)
		}
		runLog.Log(ctx, store.RunEvent{
			RunID:      runID,
			EventType:  eventType,
			SourcePath: rec.SourcePath,
			Status:     string(rec.Status),
		})
		if out != nil {
			outMu.Lock()
			outErr := out.Encode(rec)
			outMu.Unlock()
			if outErr != nil {
				return outErr
			}
		}
		done.Add(1)
		if bar != nil {
			_ = bar.Add(1)
		}
		return nil
	})
	if bar != nil {
		_ = bar.Finish()
	}

	// Sink failures abort the batch; unclaimed jobs stay queued for --resume.
	runLog.Log(context.WithoutCancel(ctx), store.RunEvent{
		RunID:     runID,
		EventType: "run_finished",
		Detail:    fmt.Sprintf("%d processed, %d failed, %s elapsed", done.Load(), failed.Load(), time.Since(start).Round(time.Millisecond)),
	})
	fmt.Fprintf(os.Stderr, "%s: %d processed, %d failed in %s\n",
		runID, done.Load(), failed.Load(), time.Since(start).Round(time.Millisecond))

	if drainErr != nil {
		if outFile != nil {
			outFile.Close()
		}
		return drainErr
	}
	// A failed close can truncate the NDJSON tail; surface it.
	if outFile != nil {
		if err := outFile.Close(); err != nil {
			return fmt.Errorf("close %s: %w", outFile.Name(), err)
		}
	}
	return ctx.Err()
}
