// Package rpc implements the daemon's local HTTP+JSON RPC surface: an
// object-addressed API over manager/device/policy resources, modeled on
// internal/next/websvc.Service's lifecycle (New/Start/Shutdown) and route
// table, but routed with gorilla/mux instead of the inconsistently
// retrieved dimfeld/httptreemux (see DESIGN.md).
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nicksinger/wicked/internal/event"
	"github.com/nicksinger/wicked/internal/inventory"
	"github.com/nicksinger/wicked/internal/netifcheck"
	"github.com/nicksinger/wicked/internal/policy"
	"github.com/nicksinger/wicked/internal/rpcerr"
	"github.com/nicksinger/wicked/internal/secretgw"
)

// Backend is the subset of daemon state and actions the RPC layer needs.
// It is an interface so tests can supply a fake instead of wiring a whole
// reconciler.
type Backend interface {
	Devices() []inventory.Device
	DeviceByIdent(ident string) (inventory.Device, bool)
	IfUp(deviceIndex int) error
	IfDown(deviceIndex int, delete bool) error
	InstallLease(deviceIndex int, raw []byte) error
	PutPolicy(p policy.Policy) error
	DeletePolicy(id string) error
	ListPolicies() []policy.Policy
}

// Service is the RPC HTTP server. It satisfies the same Start/Shutdown
// lifecycle shape as internal/next/agh.Service.
type Service struct {
	logger  *slog.Logger
	backend Backend
	queue   *event.Queue
	addr    string
	secrets *secretgw.Gateway

	srv *http.Server
	wg  sync.WaitGroup

	requestsTotal *prometheus.CounterVec
}

// New creates a Service listening on addr (a filesystem path for a Unix
// socket, or host:port for TCP). secrets may be nil if the daemon has no
// deferred-secret policies configured; the prompt-answer endpoint then
// answers every request with an Unauthorized error.
func New(logger *slog.Logger, backend Backend, queue *event.Queue, addr string, secrets *secretgw.Gateway) *Service {
	requestsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netifd",
		Subsystem: "rpc",
		Name:      "requests_total",
		Help:      "Total RPC requests handled, by route and status.",
	}, []string{"route", "status"})
	if err := prometheus.Register(requestsTotal); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			requestsTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	return &Service{
		logger:        logger,
		backend:       backend,
		queue:         queue,
		addr:          addr,
		secrets:       secrets,
		requestsTotal: requestsTotal,
	}
}

func (s *Service) newMux() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/manager/objects", s.handleGetManagedObjects).Methods(http.MethodPost)
	r.HandleFunc("/manager/check", s.handleCheck).Methods(http.MethodPost)
	r.HandleFunc("/devices/{ident}/ifup", s.handleIfUp).Methods(http.MethodPost)
	r.HandleFunc("/devices/{ident}/ifdown", s.handleIfDown).Methods(http.MethodPost)
	r.HandleFunc("/devices/{ident}/install-lease", s.handleInstallLease).Methods(http.MethodPost)
	r.HandleFunc("/devices/{ident}", s.handleDeleteDevice).Methods(http.MethodDelete)
	r.HandleFunc("/policies/{id}", s.handlePutPolicy).Methods(http.MethodPut)
	r.HandleFunc("/policies/{id}", s.handleDeletePolicy).Methods(http.MethodDelete)
	r.HandleFunc("/policies", s.handleListPolicies).Methods(http.MethodGet)
	r.HandleFunc("/prompts/{token}/answer", s.handleAnswerPrompt).Methods(http.MethodPost)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return s.withMiddleware(r)
}

// withMiddleware wraps the router with response compression (gziphandler)
// and per-request logging, the same layering internal/next/websvc applies
// around its mux.
func (s *Service) withMiddleware(h http.Handler) http.Handler {
	return gziphandler.GzipHandler(s.logMiddleware(h))
}

func (s *Service) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.DebugContext(r.Context(), "rpc request",
			"method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// Start begins listening. It satisfies the daemon's Service lifecycle
// interface (see cmd/netifd).
func (s *Service) Start(ctx context.Context) error {
	network := "unix"
	if _, _, err := net.SplitHostPort(s.addr); err == nil {
		network = "tcp"
	} else {
		_ = os.Remove(s.addr) // stale socket from a prior unclean shutdown
	}

	ln, err := net.Listen(network, s.addr)
	if err != nil {
		return fmt.Errorf("rpc: listening on %s: %w", s.addr, err)
	}

	s.srv = &http.Server{Handler: s.newMux()}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.ErrorContext(ctx, "rpc server exited", "err", err)
		}
	}()

	return nil
}

// Shutdown gracefully stops the server.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	s.wg.Wait()
	return err
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Service) writeError(w http.ResponseWriter, route string, err error) {
	status := http.StatusInternalServerError
	name := "InternalError"
	if se, ok := err.(*rpcerr.Structured); ok {
		name = se.Name
		switch se.Kind {
		case rpcerr.KindConfiguration:
			status = http.StatusBadRequest
		case rpcerr.KindAuthorization:
			status = http.StatusUnauthorized
		case rpcerr.KindResourceExhaustion:
			status = http.StatusServiceUnavailable
		case rpcerr.KindTransient:
			status = http.StatusConflict
		}
	}
	s.requestsTotal.WithLabelValues(route, name).Inc()
	s.writeJSON(w, status, map[string]string{"error": name, "message": err.Error()})
}

func (s *Service) handleGetManagedObjects(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.backend.Devices())
	s.requestsTotal.WithLabelValues("manager.get_managed_objects", "ok").Inc()
}

type checkRequest struct {
	Op      string `json:"op"` // "resolve" or "route"
	Host    string `json:"host"`
	Timeout int    `json:"timeout_seconds"`
	Family  string `json:"af"`
}

func (s *Service) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "manager.check", rpcerr.New("BadRequest", rpcerr.KindConfiguration, err.Error()))
		return
	}

	af := netifcheck.FamilyAny
	switch req.Family {
	case "ipv4":
		af = netifcheck.FamilyIPv4
	case "ipv6":
		af = netifcheck.FamilyIPv6
	}

	resolver := &netifcheck.Resolver{}
	if req.Timeout > 0 {
		resolver.Timeout = time.Duration(req.Timeout) * time.Second
	}

	switch req.Op {
	case "resolve":
		result, err := resolver.Resolve(r.Context(), req.Host, af)
		if err != nil {
			s.writeError(w, "manager.check.resolve", err)
			return
		}
		s.writeJSON(w, http.StatusOK, result)
	case "route":
		result, err := resolver.Route(r.Context(), req.Host, af)
		if err != nil {
			s.writeError(w, "manager.check.route", err)
			return
		}
		s.writeJSON(w, http.StatusOK, result)
	default:
		s.writeError(w, "manager.check", rpcerr.New("BadRequest", rpcerr.KindConfiguration,
			fmt.Sprintf("unknown check op %q", req.Op)))
	}
}

func (s *Service) deviceFromIdent(w http.ResponseWriter, r *http.Request) (inventory.Device, bool) {
	ident := mux.Vars(r)["ident"]
	d, ok := s.backend.DeviceByIdent(ident)
	if !ok {
		s.writeError(w, "device", rpcerr.DeviceUnknown(ident))
		return inventory.Device{}, false
	}
	return d, true
}

func (s *Service) handleIfUp(w http.ResponseWriter, r *http.Request) {
	d, ok := s.deviceFromIdent(w, r)
	if !ok {
		return
	}
	if err := s.backend.IfUp(d.Index); err != nil {
		s.writeError(w, "device.ifup", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Service) handleIfDown(w http.ResponseWriter, r *http.Request) {
	d, ok := s.deviceFromIdent(w, r)
	if !ok {
		return
	}
	del := r.URL.Query().Get("delete") == "true"
	if err := s.backend.IfDown(d.Index, del); err != nil {
		s.writeError(w, "device.ifdown", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Service) handleInstallLease(w http.ResponseWriter, r *http.Request) {
	d, ok := s.deviceFromIdent(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, "device.install_lease", rpcerr.New("BadRequest", rpcerr.KindConfiguration, err.Error()))
		return
	}
	if err := s.backend.InstallLease(d.Index, body); err != nil {
		s.writeError(w, "device.install_lease", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Service) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.deviceFromIdent(w, r)
	if !ok {
		return
	}
	if err := s.backend.IfDown(d.Index, true); err != nil {
		s.writeError(w, "device.delete", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Service) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var p policy.Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.writeError(w, "policy.put", rpcerr.New(rpcerr.NamePolicyInvalid, rpcerr.KindConfiguration, err.Error()))
		return
	}
	p.ID = id
	if err := s.backend.PutPolicy(p); err != nil {
		s.writeError(w, "policy.put", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Service) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.backend.DeletePolicy(id); err != nil {
		s.writeError(w, "policy.delete", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Service) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.backend.ListPolicies())
}

type answerPromptRequest struct {
	Secret string `json:"secret"`
}

// handleAnswerPrompt delivers an operator-supplied secret for a pending
// prompt token (see spec's "prompt-response" RPC signal), caching it in
// the secret gateway and rechecking the device that was waiting on it.
func (s *Service) handleAnswerPrompt(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]

	var req answerPromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "prompt.answer", rpcerr.New("BadRequest", rpcerr.KindConfiguration, err.Error()))
		return
	}

	if s.secrets == nil {
		s.writeError(w, "prompt.answer", rpcerr.New(rpcerr.NameUnauthorized, rpcerr.KindConfiguration, "no secret gateway configured"))
		return
	}

	deviceIndex, ok := s.secrets.Answer(token, req.Secret)
	if !ok {
		s.writeError(w, "prompt.answer", rpcerr.New("UnknownPromptToken", rpcerr.KindConfiguration, "no pending prompt for token"))
		return
	}

	s.queue.Push(event.KindPromptResponse, deviceIndex, nil)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleEvents streams outbound signals as Server-Sent Events.
func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-s.queue.C():
			data, _ := json.Marshal(ev)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
