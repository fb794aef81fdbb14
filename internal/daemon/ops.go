package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/matheus3301/nova/internal/model"
	"github.com/matheus3301/nova/internal/state"
	"github.com/matheus3301/nova/internal/status"
)

// Health is the /healthz response body.
type Health struct {
	Profile      string          `json:"profile"`
	Mode         string          `json:"mode"`
	Connectivity status.State    `json:"connectivity"`
	User         string          `json:"user,omitempty"`
	Chats        int             `json:"chats"`
	ActiveChat   string          `json:"activeChat,omitempty"`
	Call         model.CallState `json:"call"`
}

// NewRouter serves Prometheus metrics and a JSON health probe that answers
// 503 while the event channel is not online.
func NewRouter(profileName, mode string, reader state.Reader, machine *status.Machine) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		snap := reader.Snapshot()
		h := Health{
			Profile:      profileName,
			Mode:         mode,
			Connectivity: machine.Current(),
			User:         snap.Me.ID,
			Chats:        len(snap.Chats),
			ActiveChat:   snap.ActiveChatID,
			Call:         model.CallIdle,
		}
		if snap.Call != nil {
			h.Call = snap.Call.State
		}
		code := http.StatusOK
		if h.Connectivity != status.Online {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(h)
	})
	return r
}

// OpsServer is the optional local HTTP listener for metrics and health.
type OpsServer struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewOpsServer creates a listener for handler on addr.
func NewOpsServer(addr string, handler http.Handler, logger *zap.Logger) *OpsServer {
	return &OpsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start binds the address and serves in the background.
func (o *OpsServer) Start() error {
	ln, err := net.Listen("tcp", o.srv.Addr)
	if err != nil {
		return err
	}
	o.logger.Info("ops server starting", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := o.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			o.logger.Error("ops server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the listener down.
func (o *OpsServer) Stop(ctx context.Context) {
	if err := o.srv.Shutdown(ctx); err != nil {
		o.logger.Warn("ops server shutdown", zap.Error(err))
	}
}
