package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	ferrors "git.home.luguber.info/inful/docexport/internal/foundation/errors"
	"git.home.luguber.info/inful/docexport/internal/logfields"
	"git.home.luguber.info/inful/docexport/internal/metrics"
)

// adminServer exposes status and manual controls over HTTP.
type adminServer struct {
	addr   string
	svc    *Service
	srv    *http.Server
	ln     net.Listener
	errors *ferrors.HTTPErrorAdapter
}

func newAdminServer(addr string, svc *Service) *adminServer {
	a := &adminServer{
		addr:   addr,
		svc:    svc,
		errors: ferrors.NewHTTPErrorAdapter(svc.logger),
	}
	a.srv = &http.Server{
		Handler:           withMiddleware(svc.logger, a.errors, a.routes()),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return a
}

func (a *adminServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /api/status", a.handleStatus)
	mux.HandleFunc("POST /api/scheduler/start", a.handleSchedulerStart)
	mux.HandleFunc("POST /api/scheduler/stop", a.handleSchedulerStop)
	mux.HandleFunc("POST /api/export/trigger", a.handleTrigger)
	if a.svc.GetConfig().Daemon.MetricsEnabled {
		mux.Handle("GET /metrics", metrics.HTTPHandler(a.svc.promReg))
	}
	return mux
}

// Start binds the listener synchronously so address errors surface at startup.
func (a *adminServer) Start() error {
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return err
	}
	a.ln = ln
	go func() {
		if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.svc.logger.Error("Admin HTTP server failed", logfields.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, which differs from the configured one when
// port 0 was requested.
func (a *adminServer) Addr() string {
	if a.ln != nil {
		return a.ln.Addr().String()
	}
	return a.addr
}

func (a *adminServer) Stop(ctx context.Context) error {
	if a.ln == nil {
		return nil
	}
	return a.srv.Shutdown(ctx)
}

func (a *adminServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := a.svc.GetStatus()
	code := http.StatusOK
	if st != StatusRunning {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": string(st)})
}

func (a *adminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.Report(r.Context()))
}

func (a *adminServer) handleSchedulerStart(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.sched.Resume(r.Context()); err != nil {
		a.errors.WriteErrorResponse(w, r, err)
		return
	}
	a.svc.logger.Info("Scheduled runs resumed via admin API")
	writeJSON(w, http.StatusOK, map[string]any{"scheduler": "running"})
}

func (a *adminServer) handleSchedulerStop(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.sched.Pause(r.Context()); err != nil {
		a.errors.WriteErrorResponse(w, r, err)
		return
	}
	a.svc.logger.Info("Scheduled runs paused via admin API")
	writeJSON(w, http.StatusOK, map[string]any{"scheduler": "paused"})
}

// handleTrigger starts a manual run and returns without waiting for it.
func (a *adminServer) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if _, err := a.svc.sched.TriggerNow(r.Context()); err != nil {
		a.errors.WriteErrorResponse(w, r, err)
		return
	}
	st := a.svc.sched.State()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": true,
		"run_id":   st.RunID,
		"trigger":  st.Trigger,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
