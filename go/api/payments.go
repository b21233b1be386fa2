package api

import (
	"net/http"

	"github.com/attestry/proofgate/go/payment"
	"github.com/attestry/proofgate/go/session"
	"github.com/attestry/proofgate/go/settlement"
	"github.com/attestry/proofgate/go/skills"
	log "github.com/sirupsen/logrus"
)

// paymentView is what the payment page renders.
type paymentView struct {
	ID        string `json:"id"`
	Recipient string `json:"recipient"`
	Asset     string `json:"asset"`
	Network   string `json:"network"`
	ChainID   int64  `json:"chain_id"`
	Price     string `json:"price"`
	Currency  string `json:"currency"`
	// Amount is the integer transfer amount at the asset's decimal scale.
	Amount string `json:"amount"`
	Status string `json:"status,omitempty"`
}

// loadPayableSession loads the session behind a payment page, which only
// exists for sessions that completed signing.
func (s *Server) loadPayableSession(w http.ResponseWriter, r *http.Request) *session.Record {
	if !s.cfg.PaymentRequired {
		writeError(w, skills.InvalidParamsf("payment is disabled on this deployment"))
		return nil
	}
	var rec, err = s.loadSession(r)
	if err != nil {
		writeError(w, err)
		return nil
	}
	if rec.Status != session.StatusCompleted {
		writeError(w, skills.InvalidParamsf("session %s has not completed signing", rec.ID))
		return nil
	}
	return rec
}

func (s *Server) paymentGet(w http.ResponseWriter, r *http.Request) {
	var rec = s.loadPayableSession(w, r)
	if rec == nil {
		return
	}
	var units, err = settlement.ParseAmount(s.cfg.Price)
	if err != nil {
		writeError(w, skills.Internalf(err, "configured price is malformed"))
		return
	}
	writeJSON(w, http.StatusOK, paymentView{
		ID:        rec.ID,
		Recipient: s.cfg.Recipient,
		Asset:     s.cfg.Asset,
		Network:   s.cfg.Network,
		ChainID:   s.cfg.ChainID,
		Price:     s.cfg.Price,
		Currency:  s.cfg.Currency,
		Amount:    units.String(),
		Status:    string(rec.PaymentStatus),
	})
}

// paymentConfirm marks a session paid with a transaction hash the payer
// already landed on-chain.
func (s *Server) paymentConfirm(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TxHash string `json:"txHash"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.TxHash == "" {
		writeError(w, skills.InvalidParamsf("txHash is required"))
		return
	}

	var rec = s.loadPayableSession(w, r)
	if rec == nil {
		return
	}
	s.completePayment(w, r, rec, body.TxHash)
}

// paymentSign forwards a signed transfer authorization to the facilitator
// and, on success, marks the session paid with the settlement hash.
func (s *Server) paymentSign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Authorization payment.Authorization `json:"authorization"`
		Signature     string                `json:"signature"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Signature == "" {
		writeError(w, skills.InvalidParamsf("signature is required"))
		return
	}

	var rec = s.loadPayableSession(w, r)
	if rec == nil {
		return
	}
	if s.facilitator == nil {
		writeError(w, skills.InvalidParamsf("no payment facilitator is configured; use the confirm endpoint"))
		return
	}

	var txHash, err = s.facilitator.Settle(r.Context(), body.Authorization, body.Signature, s.cfg.Network)
	if err != nil {
		writeError(w, skills.Unreachablef(err, "payment facilitator rejected or is unavailable"))
		return
	}
	s.completePayment(w, r, rec, txHash)
}

func (s *Server) completePayment(w http.ResponseWriter, r *http.Request, rec *session.Record, txHash string) {
	if rec.PaymentStatus == session.PaymentCompleted {
		// Repeat confirms are acknowledged without rewriting the hash.
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  string(rec.PaymentStatus),
			"tx_hash": rec.PaymentTxHash,
		})
		return
	}
	rec.PaymentStatus = session.PaymentCompleted
	rec.PaymentTxHash = txHash
	if err := s.core.Sessions().Update(r.Context(), rec); err != nil {
		writeError(w, skills.Internalf(err, "updating signing session"))
		return
	}

	log.WithFields(log.Fields{"request": rec.ID, "tx": txHash}).Info("session payment completed")
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  string(session.PaymentCompleted),
		"tx_hash": txHash,
	})
}
