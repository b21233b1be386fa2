// Package api is the REST adapter: the signing and payment pages driven by
// humans, the public verification endpoints, health, metrics, and the
// discovery documents. Handlers parse and validate; state rules live in the
// stores and the skills package.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/attestry/proofgate/go/attestation"
	"github.com/attestry/proofgate/go/kv"
	"github.com/attestry/proofgate/go/payment"
	"github.com/attestry/proofgate/go/skills"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Config is the adapter's slice of service configuration.
type Config struct {
	// ExternalBase is the public base URL, used in discovery documents.
	ExternalBase string
	// Version reported by discovery and health.
	Version string
	// TEEMode is the prover execution mode: "disabled", "local", "enclave-hw".
	TEEMode string

	PaymentRequired bool
	Price           string
	Currency        string
	Network         string
	ChainID         int64
	// Recipient is the operator address payments go to.
	Recipient string
	// Asset is the settlement token contract address.
	Asset string

	// AttestationPolicy applied by the attestation endpoint.
	AttestationPolicy attestation.Policy
}

// Prober reports enclave liveness for the health endpoint. Nil when the
// prover runs outside an enclave.
type Prober interface {
	Health(ctx context.Context) error
}

// Server is the REST surface.
type Server struct {
	cfg         Config
	core        *skills.Core
	kv          *kv.Store
	facilitator *payment.FacilitatorClient
	prober      Prober
}

// NewServer builds the REST adapter. facilitator and prober may be nil when
// payment or the enclave is disabled.
func NewServer(cfg Config, core *skills.Core, store *kv.Store, facilitator *payment.FacilitatorClient, prober Prober) *Server {
	return &Server{cfg: cfg, core: core, kv: store, facilitator: facilitator, prober: prober}
}

// Router mounts every endpoint of this surface.
func (s *Server) Router() *mux.Router {
	var r = mux.NewRouter()

	r.HandleFunc("/healthz", s.health).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/.well-known/agent.json", s.agentCard).Methods("GET")
	r.HandleFunc("/.well-known/skills.json", s.skillsDoc).Methods("GET")
	r.HandleFunc("/.well-known/tee.json", s.teeDoc).Methods("GET")

	r.HandleFunc("/api/signing/{id}", s.signingGet).Methods("GET")
	r.HandleFunc("/api/signing/{id}/prepare", s.signingPrepare).Methods("POST")
	r.HandleFunc("/api/signing/callback/{id}", s.signingCallback).Methods("POST")

	r.HandleFunc("/api/payment/{id}", s.paymentGet).Methods("GET")
	r.HandleFunc("/api/payment/confirm/{id}", s.paymentConfirm).Methods("POST")
	r.HandleFunc("/api/payment/sign/{id}", s.paymentSign).Methods("POST")

	r.HandleFunc("/api/v1/verify/{id}", s.verifyGet).Methods("GET")
	r.HandleFunc("/api/v1/attestation/{id}", s.attestationGet).Methods("GET")

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	var out = map[string]any{
		"status":  "ok",
		"version": s.cfg.Version,
		"mode":    s.cfg.TEEMode,
	}
	var status = http.StatusOK

	if err := s.kv.Ping(r.Context()); err != nil {
		out["status"], out["kv"] = "degraded", err.Error()
		status = http.StatusServiceUnavailable
	} else {
		out["kv"] = "ok"
	}
	if s.prober != nil {
		if err := s.prober.Health(r.Context()); err != nil {
			out["status"], out["enclave"] = "degraded", err.Error()
			status = http.StatusServiceUnavailable
		} else {
			out["enclave"] = "ok"
		}
	}
	writeJSON(w, status, out)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithField("err", err).Warn("writing response failed")
	}
}

func writeError(w http.ResponseWriter, err error) {
	var body = map[string]any{"error": err.Error()}
	if retryAfter := skills.RetryAfterOf(err); retryAfter > 0 {
		body["retry_after"] = retryAfter.Seconds()
	}
	writeJSON(w, skills.HTTPStatus(err), body)
}

func decodeBody(r *http.Request, out any) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return skills.InvalidParamsf("malformed request body: %v", err)
	}
	return nil
}
