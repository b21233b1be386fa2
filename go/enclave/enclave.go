// Package enclave is the framed request/response client to the isolated
// prover process. Each exchange opens one connection, writes a single
// length-prefixed JSON request, and reads a single length-prefixed JSON
// response. Connection-class faults retry with geometric backoff;
// application-level errors do not.
package enclave

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// MaxRetries bounds connection-fault retries per request.
	MaxRetries = 5
	// baseBackoff is the first retry delay; it doubles per attempt.
	baseBackoff = 3 * time.Second
	// maxFrame bounds a response frame (proof documents are small).
	maxFrame = 16 << 20
)

// Request types understood by the prover.
const (
	TypeProve  = "prove"
	TypeHealth = "health"
	TypeAttest = "attest"
)

// Error is an application-level failure reported by the prover. It is never
// retried.
type Error struct {
	Message string
}

func (e *Error) Error() string { return "enclave: " + e.Message }

// ProveRequest asks the prover to build a proof.
type ProveRequest struct {
	Type      string          `json:"type"`
	CircuitID string          `json:"circuit_id"`
	Input     json.RawMessage `json:"input"`
	RequestID string          `json:"request_id"`
}

// ProveResult is the useful subset of a prove response.
type ProveResult struct {
	Proof string
	// PublicInputs may be a single concatenated hex blob; callers split it
	// into 32-byte chunks.
	PublicInputs string
	Nullifier    string
	Attestation  string
}

type response struct {
	Type         string `json:"type"`
	Proof        string `json:"proof,omitempty"`
	PublicInputs string `json:"public_inputs,omitempty"`
	Nullifier    string `json:"nullifier,omitempty"`
	Attestation  string `json:"attestation,omitempty"`
	Status       string `json:"status,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Client speaks the framed protocol to the prover at Addr.
type Client struct {
	Addr        string
	DialTimeout time.Duration

	// backoff is swappable for tests.
	backoff func(attempt int) time.Duration
}

// NewClient builds a client for the prover socket.
func NewClient(addr string) *Client {
	return &Client{
		Addr:        addr,
		DialTimeout: 10 * time.Second,
		backoff: func(attempt int) time.Duration {
			return baseBackoff << attempt
		},
	}
}

// Prove sends a framed prove request.
func (c *Client) Prove(ctx context.Context, req ProveRequest) (*ProveResult, error) {
	req.Type = TypeProve
	var resp, err = c.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Proof == "" {
		return nil, &Error{Message: "prove response carries no proof"}
	}
	return &ProveResult{
		Proof:        resp.Proof,
		PublicInputs: resp.PublicInputs,
		Nullifier:    resp.Nullifier,
		Attestation:  resp.Attestation,
	}, nil
}

// Attest requests a standalone attestation bound to a proof hash, used when
// the prover did not attach one to the prove response.
func (c *Client) Attest(ctx context.Context, proofHash, note string) (string, error) {
	var resp, err = c.roundTrip(ctx, struct {
		Type      string `json:"type"`
		ProofHash string `json:"proof_hash"`
		Context   string `json:"context,omitempty"`
	}{TypeAttest, proofHash, note})
	if err != nil {
		return "", err
	}
	if resp.Attestation == "" {
		return "", &Error{Message: "attest response carries no attestation"}
	}
	return resp.Attestation, nil
}

// Health probes the prover.
func (c *Client) Health(ctx context.Context) error {
	var _, err = c.roundTrip(ctx, struct {
		Type string `json:"type"`
	}{TypeHealth})
	return err
}

// roundTrip performs one framed exchange, retrying connection faults.
func (c *Client) roundTrip(ctx context.Context, payload any) (*response, error) {
	var doc, err = json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding enclave request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			var delay = c.backoff(attempt - 1)
			log.WithFields(log.Fields{
				"addr":    c.Addr,
				"attempt": attempt,
				"delay":   delay,
				"err":     lastErr,
			}).Warn("retrying enclave request")

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := c.exchange(ctx, doc)
		if err == nil {
			if resp.Type == "error" {
				return nil, &Error{Message: resp.Error}
			}
			return resp, nil
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("enclave at %s unreachable after %d attempts: %w", c.Addr, MaxRetries, lastErr)
}

func (c *Client) exchange(ctx context.Context, doc []byte) (*response, error) {
	var dialer = net.Dialer{Timeout: c.DialTimeout}
	var conn, err = dialer.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return nil, fmt.Errorf("dialing enclave: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err = writeFrame(conn, doc); err != nil {
		return nil, err
	}
	raw, err := readFrame(conn)
	if err != nil {
		return nil, err
	}

	var resp response
	if err = json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decoding enclave response: %w", err)
	}
	return &resp, nil
}

// writeFrame writes a 4-byte big-endian length prefix then the document.
func writeFrame(w io.Writer, doc []byte) error {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(doc)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := w.Write(doc); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("reading frame header: %w", err)
	}
	var size = binary.BigEndian.Uint32(prefix[:])
	if size == 0 || size > maxFrame {
		return nil, fmt.Errorf("implausible frame size %d", size)
	}
	var body = make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}
	return body, nil
}

// retryable classifies connection-level faults: refused, reset, timeouts,
// and truncated or empty responses.
func retryable(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}
