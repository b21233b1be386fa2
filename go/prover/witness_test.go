package prover

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPWitnessBuilder(t *testing.T) {
	var ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/witness", r.URL.Path)

		var req witnessRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "coinbase_attestation", req.CircuitID)
		require.Equal(t, "0xsignal", req.SignalHash)

		w.Write([]byte(`{"witness": "data", "merkle_path": ["0x11"]}`))
	}))
	defer ts.Close()

	var builder = NewHTTPWitnessBuilder(ts.URL)
	var doc, err = builder.Build(context.Background(), Job{
		CircuitID:  "coinbase_attestation",
		Address:    "0x2222222222222222222222222222222222222222",
		Scope:      "acme",
		SignalHash: "0xsignal",
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"witness": "data", "merkle_path": ["0x11"]}`, string(doc))
}

func TestHTTPWitnessBuilderErrorStatus(t *testing.T) {
	var ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no attestation on chain for this address", http.StatusUnprocessableEntity)
	}))
	defer ts.Close()

	var _, err = NewHTTPWitnessBuilder(ts.URL).Build(context.Background(), Job{})
	require.ErrorContains(t, err, "status 422")
	require.ErrorContains(t, err, "no attestation on chain")
}

func TestHTTPWitnessBuilderRejectsNonJSON(t *testing.T) {
	var ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("<html>gateway error</html>"))
	}))
	defer ts.Close()

	var _, err = NewHTTPWitnessBuilder(ts.URL).Build(context.Background(), Job{})
	require.ErrorContains(t, err, "non-JSON")
}

func TestHTTPWitnessBuilderUnreachable(t *testing.T) {
	var _, err = NewHTTPWitnessBuilder("http://127.0.0.1:1").Build(context.Background(), Job{})
	require.ErrorContains(t, err, "unreachable")
}
