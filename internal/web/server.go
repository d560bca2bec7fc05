package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"lc29h-spi/internal/bridge"
	"lc29h-spi/internal/lc29h"
	"lc29h-spi/internal/nmea"
)

// Bridge is the part of *bridge.Service the API drives.
type Bridge interface {
	Snapshot() bridge.Snapshot
	Submit(ctx context.Context, p []byte) error
}

type CommandRequest struct {
	// Command is a full "$...*CS" sentence or a bare body like "PMTK605".
	Command string `json:"command"`
}

type CommandResponse struct {
	OK   bool   `json:"ok"`
	Sent string `json:"sent"`
}

const maxCommandBody = 4 << 10

var commandTimeout = 5 * time.Second

func Handler(status *Status, br Bridge, logs *LogBuffer) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, http.StatusOK, snapshot(status, br))
	})

	mux.HandleFunc("/api/command", func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodPost) {
			return
		}
		if br == nil {
			http.Error(w, "bridge unavailable", http.StatusNotFound)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody+1))
		if err != nil || len(body) > maxCommandBody {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		var req CommandRequest
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
			return
		}
		line, err := nmea.Command(req.Command)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
		defer cancel()
		if err := br.Submit(ctx, line); err != nil {
			http.Error(w, err.Error(), commandErrorCode(err))
			return
		}
		writeJSON(w, http.StatusOK, CommandResponse{OK: true, Sent: string(line[:len(line)-2])})
	})

	if logs != nil {
		mux.Handle("/api/logs", logs.Handler())
	}

	return mux
}

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
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func snapshot(status *Status, br Bridge) StatusSnapshot {
	if status == nil {
		status = NewStatus(Info{})
	}
	snap := status.Snapshot(time.Now().UTC())
	if br != nil {
		snap.Bridge = br.Snapshot()
	}
	return snap
}

func commandErrorCode(err error) int {
	switch {
	case errors.Is(err, bridge.ErrNotRunning), lc29h.IsRetryable(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, lc29h.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}
