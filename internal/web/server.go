package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Handler serves the status API, recent logs, Prometheus metrics and a
// liveness probe. logs and metrics may be nil.
func Handler(status *Status, logs *LogBuffer, metrics http.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if !allowGet(w, r) {
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		writeJSON(w, status.Snapshot(ctx, time.Now().UTC()))
	})

	if logs != nil {
		mux.Handle("/api/logs", logs.Handler())
	}
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !allowGet(w, r) {
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if !allowGet(w, r) {
			return
		}
		snap := status.Snapshot(r.Context(), time.Now().UTC())
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>AirGuard gateway</title></head><body>")
		_, _ = fmt.Fprintf(w, "<h1>AirGuard gateway</h1>")
		_, _ = fmt.Fprintf(w, "<p>See <a href=\"/api/status\">/api/status</a>, <a href=\"/api/logs?format=text\">/api/logs</a> and <a href=\"/metrics\">/metrics</a>.</p>")
		_, _ = fmt.Fprintf(w, "<pre>input=%s\nuptime_sec=%d\n", snap.Input, snap.UptimeSec)
		if snap.Pipeline != nil {
			_, _ = fmt.Fprintf(w, "packets=%d\nlast_batch_id=%s\n", snap.Pipeline.Packets, snap.Pipeline.LastBatchID)
		}
		_, _ = fmt.Fprintf(w, "</pre></body></html>")
	})

	return mux
}

// Serve runs the HTTP listener until ctx is cancelled, then shuts down
// gracefully. It returns nil after a clean shutdown.
func Serve(ctx context.Context, listenAddr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
