package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/maldoc/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve triage results over HTTP",
	Long: `Read-only JSON API over the results database: record listings with
status filters, full record trees by content hash, and run event logs.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", ":8086", "listen address")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	addr, _ := cmd.Flags().GetString("addr")

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/api", func(r chi.Router) {
		r.Get("/records", func(w http.ResponseWriter, req *http.Request) {
			status := req.URL.Query().Get("status")
			limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
			list, err := st.ListRecords(req.Context(), status, limit)
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			if list == nil {
				list = []store.RecordSummary{}
			}
			writeJSON(w, http.StatusOK, list)
		})
		r.Get("/records/{id}", func(w http.ResponseWriter, req *http.Request) {
			rec, err := st.GetRecord(req.Context(), chi.URLParam(req, "id"))
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			if rec == nil {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "record not found"})
				return
			}
			writeJSON(w, http.StatusOK, rec)
		})
		r.Get("/runs/{runID}/events", func(w http.ResponseWriter, req *http.Request) {
			events, err := store.NewRunLog(st).Events(req.Context(), chi.URLParam(req, "runID"))
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			if events == nil {
				events = []store.RunEvent{}
			}
			writeJSON(w, http.StatusOK, events)
		})
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", addr, "db", dbPath)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
