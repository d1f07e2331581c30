// Package server provides the HTTP control API for a running stack.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/websocket"

	"github.com/servvia/stackup/internal/backend"
	"github.com/servvia/stackup/internal/doctor"
	"github.com/servvia/stackup/internal/eventlog"
	"github.com/servvia/stackup/internal/stack"
	"github.com/servvia/stackup/internal/supervisor"
)

// Server exposes stack control over HTTP. All responses are JSON except the
// SSE log stream and the websocket attach endpoint.
type Server struct {
	sup    *supervisor.Supervisor
	mux    *http.ServeMux
	server *http.Server
	log    *logrus.Entry
}

// New creates a control server over the given supervisor.
func New(sup *supervisor.Supervisor) *Server {
	s := &Server{
		sup: sup,
		mux: http.NewServeMux(),
		log: logrus.WithField("component", "server"),
	}
	s.registerRoutes()
	s.server = &http.Server{Handler: s.mux}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /services", s.handleListServices)
	s.mux.HandleFunc("GET /services/{name}", s.handleGetService)
	s.mux.HandleFunc("POST /services/{name}/start", s.handleStartService)
	s.mux.HandleFunc("POST /services/{name}/stop", s.handleStopService)
	s.mux.HandleFunc("POST /services/{name}/restart", s.handleRestartService)
	s.mux.HandleFunc("GET /services/{name}/logs", s.handleServiceLogs)
	s.mux.Handle("GET /services/{name}/stream", websocket.Handler(s.handleStream))
	s.mux.HandleFunc("POST /up", s.handleUp)
	s.mux.HandleFunc("POST /down", s.handleDown)
	s.mux.HandleFunc("GET /history", s.handleHistory)
	s.mux.HandleFunc("GET /doctor", s.handleDoctor)
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Serve runs the server on the given listener.
func (s *Server) Serve(ln net.Listener) error {
	return s.server.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// GetListener returns a listener based on environment.
// Supports systemd socket activation (LISTEN_FDS=1) or falls back to the given address.
func GetListener(socketPath, defaultAddr string) (net.Listener, error) {
	// systemd socket activation: LISTEN_FDS=1 means fd 3 is our socket
	if os.Getenv("LISTEN_FDS") == "1" {
		f := os.NewFile(3, "systemd-socket")
		ln, err := net.FileListener(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("socket activation: %w", err)
		}
		return ln, nil
	}
	// Unix socket if specified
	if socketPath != "" {
		os.Remove(socketPath) // clean up stale socket
		return net.Listen("unix", socketPath)
	}
	return net.Listen("tcp", defaultAddr)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func errStatus(err error) int {
	switch {
	case errors.Is(err, backend.ErrNotFound), errors.Is(err, stack.ErrUnknownService):
		return http.StatusNotFound
	case errors.Is(err, backend.ErrNotRunning):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Handlers

// handleHealthz answers 200 once every service with a port is reachable,
// 503 before that. Orchestration-friendly; the body lists what is not up.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.sup.Statuses(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var notReady []string
	for _, st := range statuses {
		if st.Port != 0 && !st.Ready {
			notReady = append(notReady, st.Name)
		}
	}
	if len(notReady) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":    "starting",
			"not_ready": notReady,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.sup.Statuses(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := s.sup.Config().Service(name); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	statuses, err := s.sup.Statuses(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for _, st := range statuses {
		if st.Name == name {
			writeJSON(w, http.StatusOK, st)
			return
		}
	}
	http.Error(w, "service "+name+" not found", http.StatusNotFound)
}

func (s *Server) handleStartService(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.sup.StartService(r.Context(), name); err != nil {
		http.Error(w, err.Error(), errStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleStopService(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.sup.StopService(r.Context(), name); err != nil {
		http.Error(w, err.Error(), errStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleRestartService(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.sup.RestartService(r.Context(), name); err != nil {
		http.Error(w, err.Error(), errStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarted"})
}

func (s *Server) handleUp(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Up(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "up",
		"run":    s.sup.RunID(),
	})
}

func (s *Server) handleDown(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Down(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "down"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := eventlog.History(r.Context(), s.sup.Backend().Events())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleDoctor(w http.ResponseWriter, r *http.Request) {
	report := doctor.Run(s.sup.Config())
	status := http.StatusOK
	if !report.OK() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// handleServiceLogs streams a service's output as server-sent events,
// polling the backend's log at a fixed interval. The stream ends when the
// service exits or the client goes away.
func (s *Server) handleServiceLogs(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := s.sup.Config().Service(name); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	lg, err := s.sup.Backend().OutputLog(name)
	if err != nil {
		http.Error(w, err.Error(), errStatus(err))
		return
	}
	defer lg.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	filters := []eventlog.Filter{
		eventlog.FilterByService(name),
		eventlog.FilterOutput(),
	}
	cursor := ""
	t := time.NewTicker(250 * time.Millisecond)
	defer t.Stop()

	for {
		recs, newCursor, err := lg.Poll(r.Context(), filters, cursor)
		if err == nil {
			cursor = newCursor
			for _, rec := range recs {
				data, _ := json.Marshal(map[string]any{
					"fd":   rec.Fields[eventlog.FieldFD],
					"text": rec.Message,
				})
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			}
		}

		if code, exited := s.serviceExitCode(r.Context(), name); exited {
			fmt.Fprintf(w, "event: exit\ndata: %d\n\n", code)
			flusher.Flush()
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-t.C:
		}
	}
}

func (s *Server) serviceExitCode(ctx context.Context, name string) (int, bool) {
	st, err := s.sup.Backend().Status(ctx, name)
	if err != nil {
		return 0, false
	}
	if (st.State == backend.StateExited || st.State == backend.StateFailed) && st.ExitCode != nil {
		return *st.ExitCode, true
	}
	return 0, false
}

// handleStream bridges a websocket client to a TTY service's attach socket.
// Text messages starting with "{" may carry a resize control frame; anything
// else is forwarded to the terminal as input.
func (s *Server) handleStream(ws *websocket.Conn) {
	name := ws.Request().PathValue("name")

	conn, err := s.sup.Backend().Attach(ws.Request().Context(), name)
	if err != nil {
		s.log.WithError(err).Warnf("attach %s", name)
		return
	}
	defer conn.Close()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				ws.Close()
				return
			}
			if n > 0 {
				if err := websocket.Message.Send(ws, string(buf[:n])); err != nil {
					return
				}
			}
		}
	}()

	for {
		var msg string
		if err := websocket.Message.Receive(ws, &msg); err != nil {
			return
		}
		if _, err := conn.Write([]byte(msg)); err != nil {
			return
		}
	}
}
