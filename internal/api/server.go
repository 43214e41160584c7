package api

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"bria-engine/internal/engine"
)

const (
	APIPrefix       = "/api/v0"
	TiersPath       = "/tiers"
	UsersPath       = "/users"
	UplinePath      = "/users/{id}/upline"
	UserStatsPath   = "/users/{id}/stats"
	UserMachinePath = "/users/{id}/machines"
	ClaimAllPath    = "/users/{id}/claim-all"
	MachinePath     = "/machines/{id}"
	StakePath       = "/machines/{id}/stake"
	UnstakePath     = "/machines/{id}/unstake"
	ClaimPath       = "/machines/{id}/claim"
	ActivityPath    = "/activity"
	MetricsPath     = "/metrics"

	requestIDHeader = "X-Request-ID"
)

// Server exposes the engine over HTTP. Mutating routes only accept callers
// from the allowed networks.
type Server struct {
	Engine  *engine.Engine
	router  *mux.Router
	allowed []*net.IPNet
}

func NewServer(e *engine.Engine, allowedCIDRs []string, gatherer prometheus.Gatherer) *Server {
	s := &Server{Engine: e, router: mux.NewRouter()}
	for _, cidr := range allowedCIDRs {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			log.WithField("cidr", cidr).Warn("Skipping invalid CIDR")
			continue
		}
		s.allowed = append(s.allowed, block)
	}

	s.router.Use(requestLogger)
	if gatherer != nil {
		s.router.Handle(MetricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	v0 := s.router.PathPrefix(APIPrefix).Subrouter()
	v0.HandleFunc(TiersPath, s.listTiers).Methods(http.MethodGet)
	v0.HandleFunc(UserStatsPath, s.userStats).Methods(http.MethodGet)
	v0.HandleFunc(UserMachinePath, s.listMachines).Methods(http.MethodGet)
	v0.HandleFunc(MachinePath, s.getMachine).Methods(http.MethodGet)
	v0.HandleFunc(ActivityPath, s.listActivity).Methods(http.MethodGet)

	write := v0.NewRoute().Subrouter()
	write.Use(s.allowlist)
	write.HandleFunc(UsersPath, s.registerUser).Methods(http.MethodPost)
	write.HandleFunc(UplinePath, s.linkUpline).Methods(http.MethodPost)
	write.HandleFunc(UserMachinePath, s.activateMachine).Methods(http.MethodPost)
	write.HandleFunc(ClaimAllPath, s.claimAll).Methods(http.MethodPost)
	write.HandleFunc(StakePath, s.stake).Methods(http.MethodPost)
	write.HandleFunc(UnstakePath, s.unstake).Methods(http.MethodPost)
	write.HandleFunc(ClaimPath, s.claim).Methods(http.MethodPost)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// isAllowedIP reports whether ip falls inside one of the allowed networks.
func (s *Server) isAllowedIP(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, block := range s.allowed {
		if block.Contains(parsed) {
			return true
		}
	}
	return false
}

func (s *Server) allowlist(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.isAllowedIP(host) {
			log.WithField("remote", host).Warn("Rejected request from disallowed address")
			writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden", Message: "address not allowed"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		log.WithFields(log.Fields{
			"request_id": id,
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     rec.status,
			"elapsed":    time.Since(start),
		}).Debug("http request")
	})
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var statusByCode = map[string]int{
	"unknown_tier":            http.StatusNotFound,
	"unknown_user":            http.StatusNotFound,
	"unknown_machine":         http.StatusNotFound,
	"user_exists":             http.StatusConflict,
	"upline_already_set":      http.StatusConflict,
	"cycle_detected":          http.StatusConflict,
	"capacity_exceeded":       http.StatusConflict,
	"machine_expired":         http.StatusConflict,
	"machine_unstaked":        http.StatusConflict,
	"nothing_to_claim":        http.StatusConflict,
	"concurrent_modification": http.StatusConflict,
	"invalid_amount":          http.StatusBadRequest,
	"invalid_schedule":        http.StatusBadRequest,
	"journal_unsettled":       http.StatusServiceUnavailable,
}

func writeError(w http.ResponseWriter, err error) {
	code := engine.Code(err)
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
		log.WithError(err).Error("Request failed")
	}
	writeJSON(w, status, errorBody{Error: code, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to encode response")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Message: err.Error()})
		return false
	}
	return true
}
