// Package settlement drains the pending-payment ledger: each scan moves the
// recorded amounts on-chain to the operator address, with bounded retries
// before a payment is parked as failed.
package settlement

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/attestry/proofgate/go/payment"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

const (
	// scanInterval paces ledger sweeps.
	scanInterval = 30 * time.Second
	// maxRetries bounds settlement attempts per payment before it is
	// parked as failed, keeping a poisoned record from wedging the sweep.
	maxRetries = 3
	// amountDecimals is the settlement asset's decimal scale (USDC).
	amountDecimals = 6
)

var settlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "proofgate_settlements_total",
	Help: "Settlement attempts by outcome.",
}, []string{"outcome"})

// Transferor executes one on-chain transfer of |units| of the settlement
// asset and returns the transaction hash. *chain.ERC20Transactor implements it.
type Transferor interface {
	Transfer(ctx context.Context, units *big.Int) (string, error)
}

// Worker is the settlement sweep loop.
type Worker struct {
	payments   *payment.Store
	transferor Transferor
	interval   time.Duration

	// attempts counts consecutive failures per payment id. In-memory on
	// purpose: a restart grants a fresh retry budget, which is safe because
	// the ledger's pending check makes settlement at-most-once.
	attempts map[string]int
}

// NewWorker builds a settlement worker over the payment ledger.
func NewWorker(payments *payment.Store, transferor Transferor) *Worker {
	return &Worker{
		payments:   payments,
		transferor: transferor,
		interval:   scanInterval,
		attempts:   make(map[string]int),
	}
}

// Serve sweeps the ledger until the context is cancelled.
func (w *Worker) Serve(ctx context.Context) {
	var ticker = time.NewTicker(w.interval)
	defer ticker.Stop()

	log.WithField("interval", w.interval).Info("settlement worker started")
	for {
		select {
		case <-ctx.Done():
			log.Info("settlement worker stopped")
			return
		case <-ticker.C:
			if err := w.Scan(ctx); err != nil {
				log.WithField("err", err).Warn("settlement scan failed")
			}
		}
	}
}

// Scan settles every pending payment once. Individual failures are counted
// against the payment's retry budget and do not abort the scan.
func (w *Worker) Scan(ctx context.Context) error {
	var pending, err = w.payments.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("listing pending payments: %w", err)
	}

	for _, rec := range pending {
		w.settle(ctx, rec)
	}
	return nil
}

func (w *Worker) settle(ctx context.Context, rec *payment.Record) {
	var units, err = ParseAmount(rec.Amount)
	if err != nil {
		// A malformed amount never becomes settleable; park it now.
		log.WithFields(log.Fields{"payment": rec.ID, "amount": rec.Amount, "err": err}).
			Error("payment amount is malformed; parking as failed")
		w.park(ctx, rec.ID)
		return
	}

	txHash, err := w.transferor.Transfer(ctx, units)
	if err != nil {
		w.attempts[rec.ID]++
		settlementsTotal.WithLabelValues("error").Inc()
		log.WithFields(log.Fields{
			"payment": rec.ID,
			"attempt": w.attempts[rec.ID],
			"err":     err,
		}).Warn("settlement transfer failed")

		if w.attempts[rec.ID] >= maxRetries {
			w.park(ctx, rec.ID)
		}
		return
	}

	delete(w.attempts, rec.ID)
	if err = w.payments.MarkSettled(ctx, rec.ID, txHash); err != nil {
		log.WithFields(log.Fields{"payment": rec.ID, "tx": txHash, "err": err}).
			Error("transfer succeeded but the ledger update failed")
		return
	}
	settlementsTotal.WithLabelValues("settled").Inc()
	log.WithFields(log.Fields{"payment": rec.ID, "tx": txHash, "amount": rec.Amount}).
		Info("payment settled")
}

func (w *Worker) park(ctx context.Context, id string) {
	delete(w.attempts, id)
	if err := w.payments.MarkFailed(ctx, id); err != nil {
		log.WithFields(log.Fields{"payment": id, "err": err}).
			Error("failed to park payment")
		return
	}
	settlementsTotal.WithLabelValues("failed").Inc()
}

// ParseAmount converts a display amount like "$0.10" into integer units at
// the asset's decimal scale, rejecting precision the asset cannot carry.
func ParseAmount(display string) (*big.Int, error) {
	var s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(display), "$"))
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}

	var whole, frac = s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > amountDecimals {
		return nil, fmt.Errorf("amount %q exceeds %d decimal places", display, amountDecimals)
	}
	frac += strings.Repeat("0", amountDecimals-len(frac))

	var units, ok = new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("amount %q is not a number", display)
	}
	if units.Sign() <= 0 {
		return nil, fmt.Errorf("amount %q is not positive", display)
	}
	return units, nil
}
