package skills

import (
	"fmt"

	"github.com/attestry/proofgate/go/session"
)

// Outcome is the agent-facing narration of a skill result: a short summary,
// the suggested next step, and whether the flow is blocked on outside input
// (a wallet signature or a payment). Adapters translate InputRequired into
// their own vocabulary: the task adapter parks the task in auth-required,
// the chat adapter renders the URL for the human.
type Outcome struct {
	Summary       string
	NextStep      string
	InputRequired bool
}

func outcomeRequestSigning(res *RequestSigningResult) *Outcome {
	return &Outcome{
		Summary: fmt.Sprintf("Signing session %s created for circuit %s.", res.RequestID, res.CircuitID),
		NextStep: fmt.Sprintf("Have the wallet holder open %s and sign; then poll check_status with request_id %s.",
			res.SigningURL, res.RequestID),
		InputRequired: true,
	}
}

func outcomeCheckStatus(res *CheckStatusResult) *Outcome {
	switch res.Phase {
	case session.PhaseSigning:
		return &Outcome{
			Summary:       fmt.Sprintf("Session %s is awaiting the wallet signature.", res.RequestID),
			NextStep:      "Wait for the holder to sign, then call check_status again.",
			InputRequired: true,
		}
	case session.PhasePayment:
		return &Outcome{
			Summary:       fmt.Sprintf("Session %s is signed by %s and awaits payment.", res.RequestID, res.Signing.Address),
			NextStep:      "Call request_payment for the payment URL.",
			InputRequired: true,
		}
	case session.PhaseExpired:
		return &Outcome{
			Summary:  fmt.Sprintf("Session %s has expired.", res.RequestID),
			NextStep: "Start over with request_signing.",
		}
	default:
		return &Outcome{
			Summary:  fmt.Sprintf("Session %s is ready.", res.RequestID),
			NextStep: fmt.Sprintf("Call generate_proof with request_id %s.", res.RequestID),
		}
	}
}

func outcomeRequestPayment(res *RequestPaymentResult) *Outcome {
	return &Outcome{
		Summary: fmt.Sprintf("Payment of %s %s on %s is required.", res.Amount, res.Currency, res.Network),
		NextStep: fmt.Sprintf("Have the payer open %s; then poll check_status until the phase is ready.",
			res.PaymentURL),
		InputRequired: true,
	}
}

func outcomeGenerateProof(res *GenerateProofResult) *Outcome {
	var summary = fmt.Sprintf("Proof %s generated for circuit %s.", res.ProofID, res.Verifier.CircuitID)
	if res.Cached {
		summary = fmt.Sprintf("Proof %s recalled from cache for circuit %s.", res.ProofID, res.Verifier.CircuitID)
	}
	return &Outcome{
		Summary:  summary,
		NextStep: fmt.Sprintf("Verify it on-chain with verify_proof and proof_id %s, or share %s.", res.ProofID, res.VerifyURL),
	}
}

func outcomeVerifyProof(res *VerifyProofResult) *Outcome {
	if res.Valid {
		return &Outcome{
			Summary:  fmt.Sprintf("Proof is valid per verifier %s on chain %d.", res.VerifierAddress, res.ChainID),
			NextStep: "The verdict is final; no further action is needed.",
		}
	}
	return &Outcome{
		Summary:  fmt.Sprintf("Proof is NOT valid per verifier %s on chain %d: %s", res.VerifierAddress, res.ChainID, res.Error),
		NextStep: "Re-check the proof and public inputs, or regenerate the proof.",
	}
}

func outcomeSupportedCircuits(res *SupportedCircuitsResult) *Outcome {
	return &Outcome{
		Summary:  fmt.Sprintf("%d circuits are supported on chain %d.", len(res.Circuits), res.ChainID),
		NextStep: "Pick a circuit and call request_signing.",
	}
}
