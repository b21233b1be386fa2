package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/attestry/proofgate/go/a2a"
	"github.com/attestry/proofgate/go/api"
	"github.com/attestry/proofgate/go/attestation"
	"github.com/attestry/proofgate/go/chain"
	"github.com/attestry/proofgate/go/chat"
	"github.com/attestry/proofgate/go/circuits"
	"github.com/attestry/proofgate/go/config"
	"github.com/attestry/proofgate/go/enclave"
	"github.com/attestry/proofgate/go/events"
	"github.com/attestry/proofgate/go/kv"
	"github.com/attestry/proofgate/go/mcp"
	"github.com/attestry/proofgate/go/payment"
	"github.com/attestry/proofgate/go/proofcache"
	"github.com/attestry/proofgate/go/proofs"
	"github.com/attestry/proofgate/go/prover"
	"github.com/attestry/proofgate/go/ratelimit"
	"github.com/attestry/proofgate/go/session"
	"github.com/attestry/proofgate/go/settlement"
	"github.com/attestry/proofgate/go/skills"
	"github.com/attestry/proofgate/go/task"
	"github.com/attestry/proofgate/go/worker"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
)

const iniFilename = "proofgate.ini"

// Config is the top-level configuration object of proofgate.
var Config = new(config.Config)

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	config.InitLog(Config.Log)

	log.WithFields(log.Fields{
		"port":    Config.Service.Port,
		"payment": Config.Payment.Mode,
		"prover":  Config.Prover.Mode,
		"version": Config.Service.Version,
	}).Info("proofgate configuration")

	if err := Config.Validate(); err != nil {
		return fmt.Errorf("validating configuration: %w", err)
	}

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var store, err = kv.Dial(ctx, Config.KV.URL)
	if err != nil {
		return fmt.Errorf("dialing kv store: %w", err)
	}
	defer store.Close()

	var sessions = session.NewStore(store, Config.Session.TTL)
	var proofStore = proofs.NewStore(store)
	cache, err := proofcache.NewCache(store)
	if err != nil {
		return fmt.Errorf("building proof cache: %w", err)
	}

	// Proving backend.
	var witness prover.WitnessBuilder
	var theProver prover.Prover
	var prober api.Prober
	switch Config.Prover.Mode {
	case config.ProverEnclave:
		var client = enclave.NewClient(Config.Prover.EnclaveURL)
		var p = prover.NewEnclaveProver(client, true)
		theProver, prober = p, p
		witness = prover.NewHTTPWitnessBuilder(Config.Prover.WitnessURL)
	case config.ProverLocal:
		theProver = prover.NewLocalProver(Config.Prover.BinPath, Config.Prover.CircuitsDir)
		witness = prover.NewHTTPWitnessBuilder(Config.Prover.WitnessURL)
	case config.ProverDisabled:
		// generate_proof reports the dependency as unreachable.
	}

	verifier, err := chain.NewVerifierClient(ctx, map[int64]string{
		circuits.ChainBase:        Config.Chain.BaseRPC,
		circuits.ChainBaseSepolia: Config.Chain.BaseSepoliaRPC,
	})
	if err != nil {
		return fmt.Errorf("dialing chain RPCs: %w", err)
	}

	var core = skills.New(
		skills.Config{
			ExternalBase:    strings.TrimRight(Config.Service.ExternalBase, "/"),
			PaymentRequired: Config.PaymentRequired(),
			PriceDisplay:    Config.Payment.Price,
			Currency:        Config.Payment.Currency,
			PaymentNetwork:  Config.PaymentNetwork(),
			DefaultChainID:  Config.DefaultChainID(),
		},
		sessions, proofStore, cache,
		ratelimit.NewLimiter(store, Config.RateLimit.Capacity, Config.RateLimit.Window),
		witness, theProver, verifier,
	)

	// Task execution and settlement loops.
	var tasks = task.NewStore(store)
	var bus = events.NewBus()
	var payments = payment.NewStore(store)

	go worker.New(tasks, bus, core).Serve(ctx)

	if Config.PaymentRequired() {
		var rpcURL = Config.Chain.BaseSepoliaRPC
		if Config.Payment.Mode == config.PaymentMainnet {
			rpcURL = Config.Chain.BaseRPC
		}
		transactor, err := chain.NewERC20Transactor(ctx, rpcURL,
			strings.TrimPrefix(Config.Chain.OperatorKey, "0x"), common.HexToAddress(Config.Payment.Asset))
		if err != nil {
			return fmt.Errorf("building settlement transactor: %w", err)
		}
		go settlement.NewWorker(payments, transactor).Serve(ctx)
	}

	// Protocol adapters. The chat router doubles as the a2a text resolver
	// when an LLM provider is configured.
	var resolver a2a.SkillResolver
	var chatRouter *chat.Router
	if Config.LLM.BaseURL != "" {
		chatRouter = chat.NewRouter(
			chat.NewHTTPProvider(Config.LLM.BaseURL, Config.LLM.APIKey, Config.LLM.Model), core)
		resolver = chatRouter
	}

	var facilitator *payment.FacilitatorClient
	if Config.Payment.FacilitatorURL != "" {
		facilitator = payment.NewFacilitatorClient(Config.Payment.FacilitatorURL)
	}

	var router = api.NewServer(
		api.Config{
			ExternalBase:      strings.TrimRight(Config.Service.ExternalBase, "/"),
			Version:           Config.Service.Version,
			TEEMode:           Config.Prover.Mode,
			PaymentRequired:   Config.PaymentRequired(),
			Price:             Config.Payment.Price,
			Currency:          Config.Payment.Currency,
			Network:           Config.PaymentNetwork(),
			ChainID:           Config.DefaultChainID(),
			Recipient:         Config.Payment.Recipient,
			Asset:             Config.Payment.Asset,
			AttestationPolicy: attestation.Policy{MaxAge: 3 * time.Hour},
		},
		core, store, facilitator, prober,
	).Router()

	router.Handle("/a2a", a2a.NewHandler(
		a2a.Config{Price: Config.Payment.Price, Network: Config.PaymentNetwork()},
		tasks, bus, payments, resolver,
	)).Methods("POST")
	router.PathPrefix("/mcp").Handler(mcp.Handler(core, Config.Service.Version))
	if chatRouter != nil {
		router.Handle("/v1/chat/completions",
			chat.NewHandler(chatRouter, chat.NewHistoryStore(store), Config.LLM.Model)).Methods("POST")
	}

	var server = &http.Server{
		Addr:    fmt.Sprintf(":%d", Config.Service.Port),
		Handler: router,
	}

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")
		case <-ctx.Done():
		}
		cancel()

		var shutdownCtx, done = context.WithTimeout(context.Background(), 25*time.Second)
		defer done()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithField("err", err).Warn("server shutdown was not clean")
		}
	}()

	log.WithField("addr", server.Addr).Info("starting proofgate")
	if err = server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serving: %w", err)
	}

	log.Info("goodbye")
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve the proofgate service", `
Serve the proofgate agent APIs with the provided configuration, until
signaled to exit (via SIGTERM).
`, &cmdServe{})

	// An optional proofgate.ini in the working directory seeds defaults.
	if _, err := os.Stat(iniFilename); err == nil {
		if err = flags.NewIniParser(parser).ParseFile(iniFilename); err != nil {
			log.WithField("err", err).Fatal("parsing ini file")
		}
	}

	if _, err := parser.Parse(); err != nil {
		if flagErr, ok := err.(*flags.Error); ok && flagErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
