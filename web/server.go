package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

type Server struct {
	source     StatusSource
	listenAddr string
	mux        *http.ServeMux
}

func NewServer(source StatusSource, listenAddr string) *Server {
	s := &Server{
		source:     source,
		listenAddr: listenAddr,
		mux:        http.NewServeMux(),
	}

	// Debug handler that wraps other handlers and logs request details
	debugHandler := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			log.Debugf("%s %s", r.Method, r.URL.Path)
			h(w, r)
		}
	}

	// Register routes
	s.mux.HandleFunc("/api/stats", debugHandler(s.handleStats))
	s.mux.HandleFunc("/api/config", debugHandler(s.handleConfig))

	return s
}

// Handler exposes the routes without starting a listener
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until ctx is done
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Infof("Starting status server on %s", s.listenAddr)

	// Graceful shutdown goroutine
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server failed: %w", err)
	}
	return nil
}

// handleStats returns the live counters
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.source.Status())
}

// handleConfig returns the live settings, or updates the sample rate on POST
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.source.Settings())

	case http.MethodPost:
		var update SettingsUpdate
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&update); err != nil {
			http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		if update.SampleRate == nil {
			http.Error(w, "Nothing to update", http.StatusBadRequest)
			return
		}

		if err := s.source.SetSampleRate(*update.SampleRate); err != nil {
			http.Error(w, fmt.Sprintf("Invalid sample rate: %v", err), http.StatusBadRequest)
			return
		}
		log.Infof("Sample rate set to %d ns via API", *update.SampleRate)
		writeJSON(w, http.StatusOK, s.source.Settings())

	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}
