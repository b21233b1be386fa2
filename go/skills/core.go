package skills

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/attestry/proofgate/go/chain"
	"github.com/attestry/proofgate/go/circuits"
	"github.com/attestry/proofgate/go/enclave"
	"github.com/attestry/proofgate/go/proofcache"
	"github.com/attestry/proofgate/go/proofs"
	"github.com/attestry/proofgate/go/prover"
	"github.com/attestry/proofgate/go/session"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// RequestSigning creates a signing session and returns the wallet URL.
func (c *Core) RequestSigning(ctx context.Context, p RequestSigningParams) (*RequestSigningResult, error) {
	var circuit, ok = circuits.Lookup(p.CircuitID)
	if !ok {
		return nil, InvalidParamsf("unknown circuit_id %q; call get_supported_circuits for the registry", p.CircuitID)
	}
	if p.Scope == "" {
		return nil, InvalidParamsf("scope is required; it namespaces the nullifier and cannot be changed after signing")
	}
	if circuit.RequiresCountry {
		if len(p.CountryList) == 0 {
			return nil, InvalidParamsf("circuit %q requires a country_list", p.CircuitID)
		}
		if p.IsIncluded == nil {
			return nil, InvalidParamsf("circuit %q requires is_included to state whether the list is an allow or deny set", p.CircuitID)
		}
	}

	var rec = &session.Record{
		ID:          uuid.NewString(),
		CircuitID:   p.CircuitID,
		Scope:       p.Scope,
		Status:      session.StatusPending,
		CountryList: circuits.CanonicalCountryList(p.CountryList),
		IsIncluded:  p.IsIncluded,
	}
	if len(p.CountryList) == 0 {
		rec.CountryList = nil
	}
	if err := c.sessions.Create(ctx, rec); err != nil {
		return nil, Internalf(err, "persisting signing session")
	}

	log.WithFields(log.Fields{
		"request": rec.ID,
		"circuit": rec.CircuitID,
		"scope":   rec.Scope,
	}).Info("created signing session")

	return &RequestSigningResult{
		RequestID:  rec.ID,
		SigningURL: c.cfg.ExternalBase + "/s/" + rec.ID,
		ExpiresAt:  rec.ExpiresAt,
		CircuitID:  rec.CircuitID,
		Scope:      rec.Scope,
	}, nil
}

// CheckStatus reports a session's derived phase and sub-states.
func (c *Core) CheckStatus(ctx context.Context, requestID string) (*CheckStatusResult, error) {
	var rec, err = c.sessions.Get(ctx, requestID)
	if err == session.ErrNotFound {
		return nil, NotFoundf("signing session %s not found; it may have expired or been consumed by a proof", requestID)
	} else if err != nil {
		return nil, Internalf(err, "loading signing session")
	}

	var now = time.Now()
	var res = &CheckStatusResult{
		RequestID: rec.ID,
		Phase:     rec.Phase(now, c.cfg.PaymentRequired),
		Signing: SigningState{
			Complete: rec.Status == session.StatusCompleted,
			Address:  rec.Address,
		},
		Payment: PaymentState{
			Required: c.cfg.PaymentRequired,
			Status:   string(rec.PaymentStatus),
			TxHash:   rec.PaymentTxHash,
		},
		ExpiresAt: rec.ExpiresAt,
	}
	if c.cfg.PaymentRequired {
		res.Payment.Amount = c.cfg.PriceDisplay
		res.Payment.Currency = c.cfg.Currency
	}
	res.Circuit = c.circuitInfo(rec.CircuitID, c.cfg.DefaultChainID)
	return res, nil
}

// RequestPayment returns the payment instruction for a signed session and
// refreshes its TTL so the signature does not expire under the payer.
// Idempotent: calling it again for the same session returns the same URL.
func (c *Core) RequestPayment(ctx context.Context, requestID string) (*RequestPaymentResult, error) {
	if !c.cfg.PaymentRequired {
		return nil, InvalidParamsf("payment is disabled on this deployment; call generate_proof directly")
	}
	var rec, err = c.sessions.Get(ctx, requestID)
	if err == session.ErrNotFound {
		return nil, NotFoundf("signing session %s not found; it may have expired", requestID)
	} else if err != nil {
		return nil, Internalf(err, "loading signing session")
	}
	if rec.Status != session.StatusCompleted {
		return nil, InvalidParamsf("session %s has not completed signing; share the signing URL with the wallet holder first", requestID)
	}
	if rec.PaymentStatus == session.PaymentCompleted {
		return nil, InvalidParamsf("session %s is already paid; call generate_proof", requestID)
	}

	if rec.PaymentStatus == "" {
		rec.PaymentStatus = session.PaymentPending
		if err = c.sessions.Update(ctx, rec); err != nil {
			return nil, Internalf(err, "updating signing session")
		}
	}
	if err = c.sessions.ExtendTTL(ctx, requestID); err != nil {
		return nil, Internalf(err, "extending session TTL")
	}

	return &RequestPaymentResult{
		PaymentURL: c.cfg.ExternalBase + "/pay/" + requestID,
		Amount:     c.cfg.PriceDisplay,
		Currency:   c.cfg.Currency,
		Network:    c.cfg.PaymentNetwork,
	}, nil
}

// GenerateProof builds (or recalls) a proof. In session mode the session must
// be ready; in direct mode the caller supplies the signed identity inline,
// which is only permitted when payment is disabled. The session is consumed
// only by a fully successful proof, so failures stay retryable.
func (c *Core) GenerateProof(ctx context.Context, p GenerateProofParams) (*GenerateProofResult, error) {
	var job prover.Job
	var paymentTxHash string

	if p.RequestID != "" {
		var rec, err = c.sessions.Get(ctx, p.RequestID)
		if err == session.ErrNotFound {
			return nil, NotFoundf("signing session %s not found; it may have expired or already been consumed", p.RequestID)
		} else if err != nil {
			return nil, Internalf(err, "loading signing session")
		}

		switch rec.Phase(time.Now(), c.cfg.PaymentRequired) {
		case session.PhaseExpired:
			return nil, InvalidParamsf("session %s has expired; start over with request_signing", p.RequestID)
		case session.PhaseSigning:
			return nil, InvalidParamsf("session %s has not completed signing; share the signing URL with the wallet holder", p.RequestID)
		case session.PhasePayment:
			return nil, InvalidParamsf("session %s awaits payment; call request_payment for the payment URL", p.RequestID)
		}

		job = prover.Job{
			CircuitID:   rec.CircuitID,
			Address:     rec.Address,
			Scope:       rec.Scope,
			Signature:   rec.Signature,
			SignalHash:  rec.SignalHash,
			CountryList: rec.CountryList,
			IsIncluded:  rec.IsIncluded,
			RequestID:   rec.ID,
		}
		paymentTxHash = rec.PaymentTxHash
	} else {
		if c.cfg.PaymentRequired {
			return nil, InvalidParamsf("direct mode is not available when payment is required; use request_signing to start a session")
		}
		if p.Address == "" || p.Signature == "" || p.Scope == "" || p.CircuitID == "" {
			return nil, InvalidParamsf("direct mode requires address, signature, scope, and circuit_id (or pass request_id for session mode)")
		}
		var circuit, ok = circuits.Lookup(p.CircuitID)
		if !ok {
			return nil, InvalidParamsf("unknown circuit_id %q; call get_supported_circuits for the registry", p.CircuitID)
		}
		if circuit.RequiresCountry && (len(p.CountryList) == 0 || p.IsIncluded == nil) {
			return nil, InvalidParamsf("circuit %q requires country_list and is_included", p.CircuitID)
		}
		if !common.IsHexAddress(p.Address) {
			return nil, InvalidParamsf("address %q is not a valid EVM address", p.Address)
		}

		var addr = common.HexToAddress(p.Address)
		job = prover.Job{
			CircuitID:   p.CircuitID,
			Address:     addr.Hex(),
			Scope:       p.Scope,
			Signature:   p.Signature,
			SignalHash:  circuits.SignalHash(addr, p.Scope, p.CircuitID).Hex(),
			CountryList: circuits.CanonicalCountryList(p.CountryList),
			IsIncluded:  p.IsIncluded,
			RequestID:   uuid.NewString(),
		}
		if len(p.CountryList) == 0 {
			job.CountryList = nil
		}
	}

	// Admission is charged per address, not per session, so an agent cannot
	// multiply its budget by opening sessions.
	var subject = strings.ToLower(job.Address)
	allowed, retryAfter, err := c.limiter.Allow(ctx, subject)
	if err != nil {
		return nil, Internalf(err, "rate limiter")
	}
	if !allowed {
		return nil, RateLimited(retryAfter)
	}

	var cacheKey = proofcache.Key(job.CircuitID, job.Address, job.Scope, job.CountryList, job.IsIncluded)
	entry, hit, err := c.cache.Get(ctx, cacheKey)
	if err != nil {
		return nil, Internalf(err, "proof cache lookup")
	}
	if hit {
		return c.finishProof(ctx, job, p.RequestID, paymentTxHash, &proofs.Result{
			ProofID:      uuid.NewString(),
			Proof:        entry.Proof,
			PublicInputs: entry.PublicInputs,
			CircuitID:    job.CircuitID,
			Nullifier:    entry.Nullifier,
			SignalHash:   entry.SignalHash,
			Attestation:  entry.Attestation,
		}, true)
	}

	if c.witness == nil || c.prover == nil {
		return nil, Unreachablef(nil, "no proving backend is configured on this deployment")
	}
	witness, err := c.witness.Build(ctx, job)
	if err != nil {
		return nil, Unreachablef(err, "building the witness for circuit %s", job.CircuitID)
	}

	output, err := c.prover.Prove(ctx, job, witness)
	if err != nil {
		var appErr *enclave.Error
		if errors.As(err, &appErr) {
			return nil, Internalf(err, "the prover rejected the request: %s", appErr.Message)
		}
		return nil, Unreachablef(err, "the proving service is unavailable; the session remains valid, retry shortly")
	}

	normalized, err := circuits.NormalizePublicInputs(output.PublicInputs)
	if err != nil {
		return nil, Internalf(err, "normalizing prover public inputs")
	}
	var nullifier = output.Nullifier
	if nullifier == "" && len(normalized) > 0 {
		nullifier = normalized[0]
	}

	var result = &proofs.Result{
		ProofID:      uuid.NewString(),
		Proof:        output.Proof,
		PublicInputs: normalized,
		CircuitID:    job.CircuitID,
		Nullifier:    nullifier,
		SignalHash:   job.SignalHash,
		Attestation:  output.Attestation,
	}
	if err = c.cache.Put(ctx, cacheKey, &proofcache.Entry{
		Proof:        result.Proof,
		PublicInputs: result.PublicInputs,
		Nullifier:    result.Nullifier,
		SignalHash:   result.SignalHash,
		Attestation:  result.Attestation,
	}); err != nil {
		log.WithFields(log.Fields{"key": cacheKey, "err": err}).
			Warn("failed to memoize proof result")
	}
	return c.finishProof(ctx, job, p.RequestID, paymentTxHash, result, false)
}

// finishProof persists the result, consumes the session, and shapes the
// response. Cache hits mint a fresh proof id so every call yields a working
// verify URL.
func (c *Core) finishProof(ctx context.Context, job prover.Job, requestID, paymentTxHash string, result *proofs.Result, cached bool) (*GenerateProofResult, error) {
	if err := c.proofs.Put(ctx, result); err != nil {
		return nil, Internalf(err, "persisting proof result")
	}

	// The session is spent only now, after the proof is durably stored.
	if requestID != "" {
		if err := c.sessions.Delete(ctx, requestID); err != nil {
			log.WithFields(log.Fields{"request": requestID, "err": err}).
				Warn("failed to delete consumed signing session")
		}
	}

	log.WithFields(log.Fields{
		"proof":   result.ProofID,
		"circuit": result.CircuitID,
		"request": job.RequestID,
		"cached":  cached,
	}).Info("proof generated")

	return &GenerateProofResult{
		Proof:         result.Proof,
		PublicInputs:  result.PublicInputs,
		Nullifier:     result.Nullifier,
		SignalHash:    result.SignalHash,
		ProofID:       result.ProofID,
		VerifyURL:     c.cfg.ExternalBase + "/verify/" + result.ProofID,
		Cached:        cached,
		Attestation:   result.Attestation,
		PaymentTxHash: paymentTxHash,
		Verifier:      c.circuitInfo(result.CircuitID, c.cfg.DefaultChainID),
	}, nil
}

// VerifyProof checks a proof against the on-chain verifier, loading it by
// proof id or taking the triple inline.
func (c *Core) VerifyProof(ctx context.Context, p VerifyProofParams) (*VerifyProofResult, error) {
	var chainID = p.ChainID
	if chainID == 0 {
		chainID = c.cfg.DefaultChainID
	}

	var circuitID, proofHex string
	var publicInputs []string
	if p.ProofID != "" {
		var rec, err = c.proofs.Get(ctx, p.ProofID)
		if err == proofs.ErrNotFound {
			return nil, NotFoundf("proof %s not found; proofs are retained for 24 hours", p.ProofID)
		} else if err != nil {
			return nil, Internalf(err, "loading proof result")
		}
		circuitID, proofHex, publicInputs = rec.CircuitID, rec.Proof, rec.PublicInputs
	} else {
		if p.CircuitID == "" || p.Proof == "" || len(p.PublicInputs) == 0 {
			return nil, InvalidParamsf("pass either proof_id, or circuit_id with proof and public_inputs")
		}
		circuitID, proofHex, publicInputs = p.CircuitID, p.Proof, p.PublicInputs
	}

	var verifier, ok = circuits.VerifierAddress(chainID, circuitID)
	if !ok {
		return nil, InvalidParamsf("circuit %q has no verifier deployment on chain %d", circuitID, chainID)
	}

	normalized, err := circuits.NormalizePublicInputs(publicInputs)
	if err != nil {
		return nil, InvalidParamsf("public_inputs are malformed: %v", err)
	}
	packed, err := chain.PackPublicInputs(normalized)
	if err != nil {
		return nil, InvalidParamsf("public_inputs are malformed: %v", err)
	}

	valid, reason, err := c.verifier.Verify(ctx, chainID, verifier, common.FromHex(proofHex), packed)
	if err != nil {
		return nil, Unreachablef(err, "chain %d RPC is unavailable", chainID)
	}

	return &VerifyProofResult{
		Valid:               valid,
		CircuitID:           circuitID,
		VerifierAddress:     verifier.Hex(),
		ChainID:             chainID,
		VerifierExplorerURL: circuits.ExplorerURL(chainID, verifier),
		Error:               reason,
	}, nil
}

// SupportedCircuits lists the registry with deployments on the given chain.
func (c *Core) SupportedCircuits(ctx context.Context, chainID int64) (*SupportedCircuitsResult, error) {
	if chainID == 0 {
		chainID = c.cfg.DefaultChainID
	}
	var res = &SupportedCircuitsResult{ChainID: chainID}
	for _, circuit := range circuits.Supported() {
		var entry = CircuitEntry{
			ID:              circuit.ID,
			Name:            circuit.Name,
			Description:     circuit.Description,
			RequiresCountry: circuit.RequiresCountry,
		}
		if addr, ok := circuits.VerifierAddress(chainID, circuit.ID); ok {
			entry.VerifierAddress = addr.Hex()
			entry.ExplorerURL = circuits.ExplorerURL(chainID, addr)
		}
		res.Circuits = append(res.Circuits, entry)
	}
	return res, nil
}

func (c *Core) circuitInfo(circuitID string, chainID int64) *CircuitInfo {
	var info = &CircuitInfo{CircuitID: circuitID, ChainID: chainID}
	if addr, ok := circuits.VerifierAddress(chainID, circuitID); ok {
		info.VerifierAddress = addr.Hex()
		info.ExplorerURL = circuits.ExplorerURL(chainID, addr)
	}
	return info
}
