// Package web serves the HTTP surface: session control, telemetry reads,
// a live websocket stream and the process log ring.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"dronelink/internal/mavlink"
	"dronelink/internal/serial"
	"dronelink/internal/session"
	"dronelink/internal/telemetry"
)

// Controller is the session surface the handlers drive. *session.Manager
// implements it.
type Controller interface {
	Connect(ctx context.Context, port string, baud int) error
	Disconnect() bool
	Telemetry() (telemetry.Snapshot, error)
	ChangeMode(name string) error
	SendCommand(name string, params []float64) error
	Modes() (firmware string, names []string, err error)
	Status() session.State
}

// PortLister enumerates serial ports. serial.ListPorts in production.
type PortLister func() ([]serial.PortInfo, error)

type Deps struct {
	Sessions Controller
	Ports    PortLister
	Bus      *telemetry.Broadcaster
	Logs     *LogBuffer
	Status   *Status
	Version  string
	Log      *zap.Logger
}

type server struct {
	Deps
}

func Handler(d Deps) http.Handler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Status == nil {
		d.Status = NewStatus()
	}
	if d.Ports == nil {
		d.Ports = serial.ListPorts
	}
	s := &server{Deps: d}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /com_ports", s.comPorts)
	mux.HandleFunc("POST /connect_drone", s.connectDrone)
	mux.HandleFunc("GET /telemetry", s.telemetry)
	mux.HandleFunc("POST /change_mode", s.changeMode)
	mux.HandleFunc("POST /send_command", s.sendCommand)
	mux.HandleFunc("POST /disconnect_drone", s.disconnectDrone)

	mux.HandleFunc("GET /api/status", s.status)
	mux.HandleFunc("GET /api/modes", s.modes)
	mux.HandleFunc("GET /api/about", s.about)
	mux.HandleFunc("GET /ws/telemetry", s.stream)
	if d.Logs != nil {
		mux.Handle("GET /api/logs", d.Logs.Handler())
	}
	return withLogging(d.Log, mux)
}

func (s *server) comPorts(w http.ResponseWriter, r *http.Request) {
	ports, err := s.Ports()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	names := make([]string, 0, len(ports))
	for _, p := range ports {
		names = append(names, p.Name)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ports": names, "details": ports})
}

type connectRequest struct {
	Port     string `json:"port"`
	BaudRate int    `json:"baud_rate"`
}

func (s *server) connectDrone(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.Port = strings.TrimSpace(req.Port)
	if req.Port == "" {
		writeError(w, http.StatusBadRequest, errors.New("port is required"))
		return
	}
	if req.BaudRate < 0 {
		writeError(w, http.StatusBadRequest, errors.New("baud_rate must be positive"))
		return
	}

	err := s.Sessions.Connect(r.Context(), req.Port, req.BaudRate)
	s.Status.MarkConnect(err == nil)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	st := s.Sessions.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("Connected to %s at %d bps", st.Port, st.Baud),
		"session": st,
	})
}

type telemetryResponse struct {
	Telemetry  map[telemetry.Kind]telemetry.Record `json:"telemetry"`
	ObservedAt map[telemetry.Kind]time.Time        `json:"observed_at"`
	AgeMs      map[telemetry.Kind]int64            `json:"age_ms"`
}

func (s *server) telemetry(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Sessions.Telemetry()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	now := time.Now()
	resp := telemetryResponse{
		Telemetry:  snap.Records(),
		ObservedAt: make(map[telemetry.Kind]time.Time, len(snap)),
		AgeMs:      make(map[telemetry.Kind]int64, len(snap)),
	}
	for k, age := range snap.Ages(now) {
		resp.AgeMs[k] = age.Milliseconds()
	}
	for k, e := range snap {
		resp.ObservedAt[k] = e.At.UTC()
	}
	writeJSON(w, http.StatusOK, resp)
}

type modeRequest struct {
	ModeName string `json:"mode_name"`
}

func (s *server) changeMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ModeName == "" {
		writeError(w, http.StatusBadRequest, errors.New("mode_name is required"))
		return
	}
	if err := s.Sessions.ChangeMode(req.ModeName); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": fmt.Sprintf("Flight mode changed to '%s'", req.ModeName)})
}

type commandRequest struct {
	Command string    `json:"command"`
	Params  []float64 `json:"params"`
}

// sendCommand accepts a JSON body, or the command name as a query
// parameter with an empty body.
func (s *server) sendCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Command == "" {
		req.Command = r.URL.Query().Get("command")
	}
	if strings.TrimSpace(req.Command) == "" {
		writeError(w, http.StatusBadRequest, errors.New("command is required"))
		return
	}
	if len(req.Params) == 0 {
		for _, v := range r.URL.Query()["param"] {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("param %q is not a number", v))
				return
			}
			req.Params = append(req.Params, f)
		}
	}
	if err := s.Sessions.SendCommand(req.Command, req.Params); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": fmt.Sprintf("Command '%s' sent successfully", req.Command)})
}

func (s *server) disconnectDrone(w http.ResponseWriter, r *http.Request) {
	closed := s.Sessions.Disconnect()
	msg := "Connection closed successfully"
	if !closed {
		msg = "No active connection"
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": msg, "closed": closed})
}

func (s *server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Status.Snapshot(time.Now().UTC(), s.Sessions.Status(), s.Bus.Subscribers()))
}

func (s *server) modes(w http.ResponseWriter, r *http.Request) {
	fw, names, err := s.Sessions.Modes()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"firmware": fw,
		"modes":    names,
		"commands": mavlink.CommandNames(),
	})
}

// statusFor maps session failures onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, session.ErrUnknownMode), errors.Is(err, session.ErrUnknownCommand):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrHandshake):
		return http.StatusGatewayTimeout
	case errors.Is(err, session.ErrConnection), errors.Is(err, session.ErrLink):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

const maxBody = 64 << 10

// decodeBody decodes a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(b) > maxBody {
		return errors.New("body too large")
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func Serve(ctx context.Context, listenAddr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Connect blocks for the heartbeat handshake; config caps
		// link.handshake_timeout below this.
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    30 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MiB
		// Hijacked websocket connections outlive Shutdown; they watch this.
		BaseContext: func(net.Listener) context.Context { return ctx },
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
