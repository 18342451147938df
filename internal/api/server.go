package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tokenhub/internal/dashboard"
	"tokenhub/internal/presenter"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	maxBodySize = 4 << 10

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Dashboards is the set of dashboards the API serves.
type Dashboards interface {
	Get(name string) (*dashboard.Dashboard, bool)
	List() []*dashboard.Dashboard
}

// Server is the HTTP and WebSocket API.
type Server struct {
	dashboards Dashboards
	router     chi.Router
	upgrader   websocket.Upgrader
	server     *http.Server
}

// NewServer creates the API and registers its routes.
func NewServer(dashboards Dashboards) *Server {
	s := &Server{
		dashboards: dashboards,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Route("/api/dashboards", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Post("/refresh", s.handleRefresh)
			r.Put("/inputs", s.handleInputs)
			r.Post("/hidden/{address}", s.handleHide)
			r.Delete("/hidden/{address}", s.handleUnhide)
		})
	})
	r.Get("/ws/dashboards/{name}", s.handleWebSocket)
	s.router = r

	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the API on port in a goroutine.
func (s *Server) Start(port int) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Int("port", port).Msg("Starting API server")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Shutdown gracefully stops the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	list := s.dashboards.List()
	out := make([]DashboardView, len(list))
	for i, d := range list {
		out[i] = renderDashboard(d, d.State().View(), "", false)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*dashboard.Dashboard, bool) {
	name := chi.URLParam(r, "name")
	d, ok := s.dashboards.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown dashboard %q", name))
	}
	return d, ok
}

// sortParams reads ?sort=field&order=asc|desc. Sorting defaults to descending.
func sortParams(r *http.Request) (string, bool, error) {
	field := r.URL.Query().Get("sort")
	switch strings.ToLower(r.URL.Query().Get("order")) {
	case "", "desc":
		return field, true, nil
	case "asc":
		return field, false, nil
	default:
		return "", false, fmt.Errorf("order must be asc or desc")
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}
	field, desc, err := sortParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, renderDashboard(d, d.State().View(), field, desc))
}

// refreshResponse reports one refresh with the state after it.
type refreshResponse struct {
	Applied   bool          `json:"applied"`
	Error     string        `json:"error,omitempty"`
	Duration  string        `json:"duration"`
	Dashboard DashboardView `json:"dashboard"`
}

func newRefreshResponse(d *dashboard.Dashboard, res presenter.RefreshResult) refreshResponse {
	resp := refreshResponse{
		Applied:   res.Applied,
		Duration:  res.Duration.String(),
		Dashboard: renderDashboard(d, d.State().View(), "", false),
	}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	return resp
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}
	res := d.Trigger().Request(r.Context())
	writeJSON(w, http.StatusOK, newRefreshResponse(d, res))
}

type inputsRequest struct {
	Registry string `json:"registry"`
	Account  string `json:"account"`
}

func parseOptionalAddress(name, raw string) (common.Address, error) {
	if raw == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s %q is not an address", name, raw)
	}
	return common.HexToAddress(raw), nil
}

func (s *Server) handleInputs(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var req inputsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	registry, err := parseOptionalAddress("registry", req.Registry)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	account, err := parseOptionalAddress("account", req.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, changed := d.Trigger().SetInputs(r.Context(), presenter.Inputs{Registry: registry, Account: account})
	if !changed {
		writeJSON(w, http.StatusOK, refreshResponse{
			Dashboard: renderDashboard(d, d.State().View(), "", false),
		})
		return
	}
	writeJSON(w, http.StatusOK, newRefreshResponse(d, res))
}

func (s *Server) hiddenTarget(w http.ResponseWriter, r *http.Request) (*dashboard.Dashboard, common.Address, bool) {
	d, ok := s.lookup(w, r)
	if !ok {
		return nil, common.Address{}, false
	}
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%q is not an address", raw))
		return nil, common.Address{}, false
	}
	return d, common.HexToAddress(raw), true
}

func (s *Server) handleHide(w http.ResponseWriter, r *http.Request) {
	d, addr, ok := s.hiddenTarget(w, r)
	if !ok {
		return
	}
	if err := d.State().Hide(r.Context(), addr); err != nil {
		log.Error().Err(err).Str("dashboard", d.Name()).Msg("Failed to persist hidden list")
		writeError(w, http.StatusInternalServerError, "failed to save hidden list")
		return
	}
	writeJSON(w, http.StatusOK, renderDashboard(d, d.State().View(), "", false))
}

func (s *Server) handleUnhide(w http.ResponseWriter, r *http.Request) {
	d, addr, ok := s.hiddenTarget(w, r)
	if !ok {
		return
	}
	if err := d.State().Unhide(r.Context(), addr); err != nil {
		log.Error().Err(err).Str("dashboard", d.Name()).Msg("Failed to persist hidden list")
		writeError(w, http.StatusInternalServerError, "failed to save hidden list")
		return
	}
	writeJSON(w, http.StatusOK, renderDashboard(d, d.State().View(), "", false))
}

// handleWebSocket pushes the dashboard view on connect and after every
// state change.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	changes, unsubscribe := d.State().Subscribe()
	defer unsubscribe()

	// Reader goroutine only handles control frames and detects disconnects.
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	send := func() error {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(renderDashboard(d, d.State().View(), "", false))
	}

	if err := send(); err != nil {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case <-changes:
			if err := send(); err != nil {
				log.Debug().Err(err).Str("dashboard", d.Name()).Msg("WebSocket write failed")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
