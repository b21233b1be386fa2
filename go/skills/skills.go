// Package skills is the canonical implementation of the six agent skills.
// Every protocol adapter dispatches into this package; no business logic
// lives in the adapters.
package skills

import (
	"context"
	"encoding/json"
	"time"

	"github.com/attestry/proofgate/go/attestation"
	"github.com/attestry/proofgate/go/chain"
	"github.com/attestry/proofgate/go/proofcache"
	"github.com/attestry/proofgate/go/proofs"
	"github.com/attestry/proofgate/go/prover"
	"github.com/attestry/proofgate/go/ratelimit"
	"github.com/attestry/proofgate/go/session"
)

// Skill names: the closed set of operations.
const (
	SkillRequestSigning    = "request_signing"
	SkillCheckStatus       = "check_status"
	SkillRequestPayment    = "request_payment"
	SkillGenerateProof     = "generate_proof"
	SkillVerifyProof       = "verify_proof"
	SkillSupportedCircuits = "get_supported_circuits"
)

var allSkills = []string{
	SkillRequestSigning,
	SkillCheckStatus,
	SkillRequestPayment,
	SkillGenerateProof,
	SkillVerifyProof,
	SkillSupportedCircuits,
}

// All lists the skill names in canonical order.
func All() []string {
	var out = make([]string, len(allSkills))
	copy(out, allSkills)
	return out
}

// Known reports whether a skill name is in the set.
func Known(skill string) bool {
	for _, s := range allSkills {
		if s == skill {
			return true
		}
	}
	return false
}

// Config is the slice of service configuration the core needs.
type Config struct {
	// ExternalBase is the public base URL for signing/payment/verify links.
	ExternalBase string
	// PaymentRequired gates the payment phase; false in disabled mode.
	PaymentRequired bool
	// PriceDisplay is the display price string, e.g. "$0.10".
	PriceDisplay string
	// Currency of the settlement asset.
	Currency string
	// PaymentNetwork names the settlement chain, e.g. "base-sepolia".
	PaymentNetwork string
	// DefaultChainID is the verification chain when callers omit one.
	DefaultChainID int64
}

// Core wires the six skills to their stores and collaborators.
type Core struct {
	cfg      Config
	sessions *session.Store
	proofs   *proofs.Store
	cache    *proofcache.Cache
	limiter  *ratelimit.Limiter
	witness  prover.WitnessBuilder
	prover   prover.Prover
	verifier *chain.VerifierClient
}

// New assembles a core.
func New(
	cfg Config,
	sessions *session.Store,
	proofStore *proofs.Store,
	cache *proofcache.Cache,
	limiter *ratelimit.Limiter,
	witness prover.WitnessBuilder,
	p prover.Prover,
	verifier *chain.VerifierClient,
) *Core {
	return &Core{
		cfg:      cfg,
		sessions: sessions,
		proofs:   proofStore,
		cache:    cache,
		limiter:  limiter,
		witness:  witness,
		prover:   p,
		verifier: verifier,
	}
}

// Sessions exposes the session store to the signing-page REST endpoints,
// the only other writer of session records.
func (c *Core) Sessions() *session.Store { return c.sessions }

// Proofs exposes the proof-result store to the verification REST endpoints.
func (c *Core) Proofs() *proofs.Store { return c.proofs }

// PaymentRequired reports whether the payment phase is enabled.
func (c *Core) PaymentRequired() bool { return c.cfg.PaymentRequired }

// RequestSigningParams for request_signing.
type RequestSigningParams struct {
	CircuitID   string   `json:"circuit_id"`
	Scope       string   `json:"scope"`
	CountryList []string `json:"country_list,omitempty"`
	IsIncluded  *bool    `json:"is_included,omitempty"`
}

// RequestSigningResult is a created signing session.
type RequestSigningResult struct {
	RequestID  string    `json:"request_id"`
	SigningURL string    `json:"signing_url"`
	ExpiresAt  time.Time `json:"expires_at"`
	CircuitID  string    `json:"circuit_id"`
	Scope      string    `json:"scope"`
}

// SigningState is the signing sub-state in a status report.
type SigningState struct {
	Complete bool   `json:"complete"`
	Address  string `json:"address,omitempty"`
}

// PaymentState is the payment sub-state in a status report.
type PaymentState struct {
	Required bool   `json:"required"`
	Status   string `json:"status,omitempty"`
	TxHash   string `json:"tx_hash,omitempty"`
	Amount   string `json:"amount,omitempty"`
	Currency string `json:"currency,omitempty"`
}

// CircuitInfo names the verifier deployment for a circuit.
type CircuitInfo struct {
	CircuitID       string `json:"circuit_id"`
	ChainID         int64  `json:"chain_id"`
	VerifierAddress string `json:"verifier_address,omitempty"`
	ExplorerURL     string `json:"verifier_explorer_url,omitempty"`
}

// CheckStatusResult reports session progress.
type CheckStatusResult struct {
	RequestID string        `json:"request_id"`
	Phase     session.Phase `json:"phase"`
	Signing   SigningState  `json:"signing"`
	Payment   PaymentState  `json:"payment"`
	Circuit   *CircuitInfo  `json:"circuit,omitempty"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// RequestPaymentResult is the payment instruction for a session.
type RequestPaymentResult struct {
	PaymentURL string `json:"payment_url"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	Network    string `json:"network"`
}

// GenerateProofParams for generate_proof. RequestID selects session mode;
// the remaining identity fields are required only in direct mode.
type GenerateProofParams struct {
	RequestID   string   `json:"request_id,omitempty"`
	Address     string   `json:"address,omitempty"`
	Signature   string   `json:"signature,omitempty"`
	Scope       string   `json:"scope,omitempty"`
	CircuitID   string   `json:"circuit_id,omitempty"`
	CountryList []string `json:"country_list,omitempty"`
	IsIncluded  *bool    `json:"is_included,omitempty"`
}

// GenerateProofResult is a built (or memoized) proof.
type GenerateProofResult struct {
	Proof         string                `json:"proof"`
	PublicInputs  []string              `json:"public_inputs"`
	Nullifier     string                `json:"nullifier"`
	SignalHash    string                `json:"signal_hash"`
	ProofID       string                `json:"proof_id"`
	VerifyURL     string                `json:"verify_url"`
	Cached        bool                  `json:"cached,omitempty"`
	Attestation   *attestation.Snapshot `json:"attestation,omitempty"`
	PaymentTxHash string                `json:"payment_tx_hash,omitempty"`
	Verifier      *CircuitInfo          `json:"verifier,omitempty"`
}

// VerifyProofParams for verify_proof: a proof id, or an inline triple.
type VerifyProofParams struct {
	ProofID      string   `json:"proof_id,omitempty"`
	CircuitID    string   `json:"circuit_id,omitempty"`
	Proof        string   `json:"proof,omitempty"`
	PublicInputs []string `json:"public_inputs,omitempty"`
	ChainID      int64    `json:"chain_id,omitempty"`
}

// VerifyProofResult carries the on-chain verdict. A revert is a valid=false
// result, not a failure of this operation.
type VerifyProofResult struct {
	Valid               bool   `json:"valid"`
	CircuitID           string `json:"circuit_id"`
	VerifierAddress     string `json:"verifier_address"`
	ChainID             int64  `json:"chain_id"`
	VerifierExplorerURL string `json:"verifier_explorer_url,omitempty"`
	Error               string `json:"error,omitempty"`
}

// CircuitEntry is one registry row with its deployment, if any.
type CircuitEntry struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Description     string `json:"description"`
	RequiresCountry bool   `json:"requires_country,omitempty"`
	VerifierAddress string `json:"verifier_address,omitempty"`
	ExplorerURL     string `json:"verifier_explorer_url,omitempty"`
}

// SupportedCircuitsResult lists the registry for a chain.
type SupportedCircuitsResult struct {
	Circuits []CircuitEntry `json:"circuits"`
	ChainID  int64          `json:"chain_id"`
}

// Invoke dispatches a skill by name with loosely-typed params, as received
// by the protocol adapters, and returns the result plus outcome guidance.
func (c *Core) Invoke(ctx context.Context, skill string, params map[string]any) (any, *Outcome, error) {
	switch skill {
	case SkillRequestSigning:
		var p RequestSigningParams
		if err := decodeParams(params, &p); err != nil {
			return nil, nil, err
		}
		var res, err = c.RequestSigning(ctx, p)
		if err != nil {
			return nil, nil, err
		}
		return res, outcomeRequestSigning(res), nil

	case SkillCheckStatus:
		var id, err = requireRequestID(params)
		if err != nil {
			return nil, nil, err
		}
		res, err := c.CheckStatus(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		return res, outcomeCheckStatus(res), nil

	case SkillRequestPayment:
		var id, err = requireRequestID(params)
		if err != nil {
			return nil, nil, err
		}
		res, err := c.RequestPayment(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		return res, outcomeRequestPayment(res), nil

	case SkillGenerateProof:
		var p GenerateProofParams
		if err := decodeParams(params, &p); err != nil {
			return nil, nil, err
		}
		var res, err = c.GenerateProof(ctx, p)
		if err != nil {
			return nil, nil, err
		}
		return res, outcomeGenerateProof(res), nil

	case SkillVerifyProof:
		var p VerifyProofParams
		if err := decodeParams(params, &p); err != nil {
			return nil, nil, err
		}
		var res, err = c.VerifyProof(ctx, p)
		if err != nil {
			return nil, nil, err
		}
		return res, outcomeVerifyProof(res), nil

	case SkillSupportedCircuits:
		var p struct {
			ChainID int64 `json:"chain_id,omitempty"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, nil, err
		}
		var res, err = c.SupportedCircuits(ctx, p.ChainID)
		if err != nil {
			return nil, nil, err
		}
		return res, outcomeSupportedCircuits(res), nil

	default:
		return nil, nil, InvalidParamsf("unknown skill %q; supported skills are %v", skill, All())
	}
}

// decodeParams round-trips loosely-typed adapter params into a typed record.
func decodeParams(params map[string]any, out any) error {
	var doc, err = json.Marshal(params)
	if err != nil {
		return InvalidParamsf("params are not encodable: %v", err)
	}
	if err = json.Unmarshal(doc, out); err != nil {
		return InvalidParamsf("params do not match the skill schema: %v", err)
	}
	return nil
}

func requireRequestID(params map[string]any) (string, error) {
	var p struct {
		RequestID string `json:"request_id"`
	}
	if err := decodeParams(params, &p); err != nil {
		return "", err
	}
	if p.RequestID == "" {
		return "", InvalidParamsf("request_id is required; use request_signing to create a session first")
	}
	return p.RequestID, nil
}
