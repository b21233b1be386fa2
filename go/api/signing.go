package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/attestry/proofgate/go/circuits"
	"github.com/attestry/proofgate/go/session"
	"github.com/attestry/proofgate/go/skills"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

// signingView is what the signing page renders.
type signingView struct {
	ID          string    `json:"id"`
	CircuitID   string    `json:"circuit_id"`
	Scope       string    `json:"scope"`
	Status      string    `json:"status"`
	Address     string    `json:"address,omitempty"`
	SignalHash  string    `json:"signal_hash,omitempty"`
	CountryList []string  `json:"country_list,omitempty"`
	IsIncluded  *bool     `json:"is_included,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (s *Server) loadSession(r *http.Request) (*session.Record, error) {
	var id = mux.Vars(r)["id"]
	var rec, err = s.core.Sessions().Get(r.Context(), id)
	if err == session.ErrNotFound {
		return nil, skills.NotFoundf("signing session %s not found or expired", id)
	} else if err != nil {
		return nil, skills.Internalf(err, "loading signing session")
	}
	return rec, nil
}

func (s *Server) signingGet(w http.ResponseWriter, r *http.Request) {
	var rec, err = s.loadSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var status = string(rec.Status)
	if rec.Terminal(time.Now()) && rec.Status != session.StatusCompleted {
		status = string(session.StatusExpired)
	}
	writeJSON(w, http.StatusOK, signingView{
		ID:          rec.ID,
		CircuitID:   rec.CircuitID,
		Scope:       rec.Scope,
		Status:      status,
		Address:     rec.Address,
		SignalHash:  rec.SignalHash,
		CountryList: rec.CountryList,
		IsIncluded:  rec.IsIncluded,
		ExpiresAt:   rec.ExpiresAt,
	})
}

// signingPrepare binds the wallet address to the session and returns the
// signal hash the wallet must sign. The hash is computed once and never
// rewritten; re-preparing with a different address is refused.
func (s *Server) signingPrepare(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Address string `json:"address"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if !common.IsHexAddress(body.Address) {
		writeError(w, skills.InvalidParamsf("address %q is not a valid EVM address", body.Address))
		return
	}

	var rec, err = s.loadSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if rec.Terminal(time.Now()) {
		writeError(w, skills.InvalidParamsf("session %s is %s and can no longer be prepared", rec.ID, rec.Status))
		return
	}

	var addr = common.HexToAddress(body.Address)
	if rec.Address != "" && !strings.EqualFold(rec.Address, addr.Hex()) {
		writeError(w, skills.InvalidParamsf("session %s is already bound to a different address", rec.ID))
		return
	}

	if rec.Address == "" {
		rec.Address = addr.Hex()
		rec.SignalHash = circuits.SignalHash(addr, rec.Scope, rec.CircuitID).Hex()
		if err = s.core.Sessions().Update(r.Context(), rec); err != nil {
			writeError(w, skills.Internalf(err, "updating signing session"))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"signalHash": rec.SignalHash})
}

// signingCallback stores the wallet signature and completes the signing
// sub-state. Refused once the session is terminal or when the address does
// not match the prepared one.
func (s *Server) signingCallback(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Address   string `json:"address"`
		Signature string `json:"signature"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Signature == "" || !common.IsHexAddress(body.Address) {
		writeError(w, skills.InvalidParamsf("signature and a valid address are required"))
		return
	}

	var rec, err = s.loadSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if rec.Terminal(time.Now()) {
		writeError(w, skills.InvalidParamsf("session %s is %s; the signature can no longer be recorded", rec.ID, rec.Status))
		return
	}

	var addr = common.HexToAddress(body.Address)
	if rec.Address != "" && !strings.EqualFold(rec.Address, addr.Hex()) {
		writeError(w, skills.InvalidParamsf("address does not match the one this session was prepared with"))
		return
	}
	if rec.Address == "" {
		rec.Address = addr.Hex()
		rec.SignalHash = circuits.SignalHash(addr, rec.Scope, rec.CircuitID).Hex()
	}

	rec.Signature = body.Signature
	rec.Status = session.StatusCompleted
	if err = s.core.Sessions().Update(r.Context(), rec); err != nil {
		writeError(w, skills.Internalf(err, "updating signing session"))
		return
	}

	log.WithFields(log.Fields{"request": rec.ID, "address": rec.Address}).
		Info("signing session completed")
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           string(rec.Status),
		"payment_required": s.cfg.PaymentRequired,
	})
}
