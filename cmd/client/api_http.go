package main

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

	"corelink/connection"
	"corelink/engine"
	"corelink/nodeswitch"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const maxRequestBody = 64 * 1024

type engineLogSource interface {
	List(limit int, level string, sinceID int64) []engine.OutputLine
}

type apiServer struct {
	app        *clientApp
	auth       *apiAuth
	engineLogs engineLogSource
}

func newAPIServer(app *clientApp, token string, engineLogs engineLogSource) *apiServer {
	return &apiServer{
		app:        app,
		auth:       &apiAuth{token: strings.TrimSpace(token), limiter: newAuthLimiterFromEnv()},
		engineLogs: engineLogs,
	}
}

func (s *apiServer) handler() http.Handler {
	mux := http.NewServeMux()
	requireAuth := s.auth.wrap

	mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	mux.HandleFunc("/api/v1/status", requireAuth(s.handleStatus))
	mux.HandleFunc("/api/v1/nodes", requireAuth(s.handleNodes))
	mux.HandleFunc("/api/v1/toggle", requireAuth(s.handleToggle))
	mux.HandleFunc("/api/v1/start", requireAuth(s.handleStart))
	mux.HandleFunc("/api/v1/restart", requireAuth(s.handleRestart))
	mux.HandleFunc("/api/v1/stop", requireAuth(s.handleStop))
	mux.HandleFunc("/api/v1/switch", requireAuth(s.handleSwitch))
	mux.HandleFunc("/api/v1/test", requireAuth(s.handleTest))
	mux.HandleFunc("/api/v1/permission", requireAuth(s.handlePermission))
	mux.HandleFunc("/api/v1/idle", requireAuth(s.handleIdle))
	mux.HandleFunc("/api/v1/reload", requireAuth(s.handleReload))
	mux.HandleFunc("/api/v1/logs", requireAuth(s.handleLogs))
	mux.HandleFunc("/api/v1/logs/clear", requireAuth(s.handleLogsClear))
	mux.HandleFunc("/api/v1/events", requireAuth(s.handleEvents))
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func startHTTPAPIServer(ctx context.Context, addr string, s *apiServer) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		if isAddrInUse(err) {
			return fmt.Errorf("listen tcp %s: address already in use (is another corelink running?)", addr)
		}
		return err
	}
	server := &http.Server{
		Handler:           s.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorln("[Client] api serve:", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	logrus.Infoln("[Client] api listening on", listener.Addr().String())
	return nil
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.app.status())
}

func (s *apiServer) handleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	status := s.app.status()
	writeJSON(w, http.StatusOK, map[string]any{
		"current": s.app.currentNode(),
		"nodes":   status.Nodes,
	})
}

func (s *apiServer) handleToggle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	pending, err := s.app.controller.ToggleConnection(r.Context())
	s.writeControlResult(w, pending, err)
}

func (s *apiServer) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	pending, err := s.app.controller.StartCore(r.Context())
	s.writeControlResult(w, pending, err)
}

func (s *apiServer) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	err := s.app.controller.RestartVpn(r.Context())
	s.writeControlResult(w, false, err)
}

func (s *apiServer) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.app.controller.StopVpn()
	s.writeControlResult(w, false, nil)
}

func (s *apiServer) writeControlResult(w http.ResponseWriter, pending bool, err error) {
	body := map[string]any{
		"permission_pending": pending,
		"connection":         s.app.controller.Snapshot(),
	}
	if err != nil {
		body["error"] = err.Error()
		writeJSON(w, controlErrorStatus(err), body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func controlErrorStatus(err error) int {
	switch {
	case errors.Is(err, connection.ErrForeignTunnel):
		return http.StatusConflict
	case errors.Is(err, connection.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, connection.ErrConfigGeneration):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

type switchRequest struct {
	Node string `json:"node"`
}

func (s *apiServer) handleSwitch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req switchRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.Node) == "" {
		writeError(w, http.StatusBadRequest, "node is required")
		return
	}
	outcome, err := s.app.switchNode(r.Context(), req.Node)
	body := map[string]any{
		"outcome": outcome.Kind.String(),
		"node":    strings.TrimSpace(req.Node),
	}
	if outcome.Method != "" {
		body["method"] = outcome.Method
	}
	if outcome.Reason != "" {
		body["reason"] = outcome.Reason
	}
	if err != nil {
		body["error"] = err.Error()
		code := http.StatusInternalServerError
		switch {
		case errors.Is(err, nodeswitch.ErrRestartInProgress):
			code = http.StatusConflict
		case errors.Is(err, nodeswitch.ErrNoSelector):
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

type testRequest struct {
	Nodes     []string `json:"nodes"`
	TimeoutMS int      `json:"timeout_ms"`
}

func (s *apiServer) handleTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req testRequest
	if err := decodeJSONBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	results, err := s.app.testNodes(r.Context(), req.Nodes, time.Duration(req.TimeoutMS)*time.Millisecond)
	body := map[string]any{
		"results": results,
		"breaker": s.app.prober.State(),
	}
	if err != nil {
		body["error"] = err.Error()
		code := http.StatusBadGateway
		if probeSkipped(err) {
			code = http.StatusConflict
		}
		writeJSON(w, code, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

type permissionRequest struct {
	Granted bool `json:"granted"`
}

func (s *apiServer) handlePermission(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"request": s.app.controller.Snapshot().Permission})
	case http.MethodPost:
		var req permissionRequest
		if err := decodeJSONBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		err := s.app.controller.OnVpnPermissionResult(r.Context(), req.Granted)
		s.writeControlResult(w, false, err)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type idleRequest struct {
	Idle bool `json:"idle"`
}

func (s *apiServer) handleIdle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req idleRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	err := s.app.controller.OnDeviceIdle(r.Context(), req.Idle)
	s.writeControlResult(w, false, err)
}

func (s *apiServer) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.app.reload(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reloaded": true,
		"nodes":    s.app.nodeNames(),
	})
}

func (s *apiServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(strings.TrimSpace(q.Get("limit")))
	sinceID, _ := strconv.ParseInt(strings.TrimSpace(q.Get("since_id")), 10, 64)
	level := strings.TrimSpace(q.Get("level"))

	if strings.EqualFold(q.Get("source"), "engine") {
		var items []engine.OutputLine
		if s.engineLogs != nil {
			items = s.engineLogs.List(limit, level, sinceID)
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
		return
	}
	items := clientLogs.list(limit, level, q.Get("search"), sinceID)
	writeJSON(w, http.StatusOK, map[string]any{
		"items":     items,
		"latest_id": clientLogs.latestID(),
		"count":     len(items),
	})
}

func (s *apiServer) handleLogsClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	clientLogs.clear()
	writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
}

func (s *apiServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	snap := s.app.controller.Snapshot()
	s.app.events.serveWS(w, r, eventMessage{Type: "state", State: snap.State.String(), Text: snap.Message})
}

func decodeJSONBody(r *http.Request, out any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]any{"error": message})
}

func isAddrInUse(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "address already in use")
}
