// Package config is the top-level configuration of the proofgate service,
// parsed from flags, environment, and an optional ini file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/attestry/proofgate/go/circuits"
	"github.com/ethereum/go-ethereum/crypto"
	log "github.com/sirupsen/logrus"
)

// Payment modes.
const (
	PaymentDisabled = "disabled"
	PaymentTestnet  = "testnet"
	PaymentMainnet  = "mainnet"
)

// Prover modes.
const (
	ProverDisabled = "disabled"
	ProverLocal    = "local"
	ProverEnclave  = "enclave-hw"
)

// Config is the top-level configuration object of proofgate.
type Config struct {
	Service struct {
		Port         uint16 `long:"port" env:"PORT" default:"8080" description:"Service port for HTTP APIs"`
		ExternalBase string `long:"external-base" env:"EXTERNAL_BASE" required:"true" description:"Public base URL for signing, payment, and verify links"`
		Version      string `long:"version" env:"VERSION" default:"dev" description:"Reported service version"`
	} `group:"Service" namespace:"service" env-namespace:"SERVICE"`

	KV struct {
		URL string `long:"url" env:"URL" default:"redis://localhost:6379" description:"Redis URL backing sessions, tasks, and caches"`
	} `group:"KV" namespace:"kv" env-namespace:"KV"`

	Chain struct {
		BaseRPC        string `long:"base-rpc" env:"BASE_RPC" default:"https://mainnet.base.org" description:"Base RPC endpoint"`
		BaseSepoliaRPC string `long:"base-sepolia-rpc" env:"BASE_SEPOLIA_RPC" default:"https://sepolia.base.org" description:"Base Sepolia RPC endpoint"`
		OperatorKey    string `long:"operator-key" env:"OPERATOR_KEY" description:"Hex private key of the settlement operator"`
	} `group:"Chain" namespace:"chain" env-namespace:"CHAIN"`

	Payment struct {
		Mode           string `long:"mode" env:"MODE" default:"disabled" choice:"disabled" choice:"testnet" choice:"mainnet" description:"Payment mode"`
		Price          string `long:"price" env:"PRICE" default:"$0.10" description:"Display price per proof"`
		Currency       string `long:"currency" env:"CURRENCY" default:"USDC" description:"Settlement asset symbol"`
		Recipient      string `long:"recipient" env:"RECIPIENT" description:"Settlement recipient address"`
		Asset          string `long:"asset" env:"ASSET" description:"Settlement token contract address"`
		FacilitatorURL string `long:"facilitator-url" env:"FACILITATOR_URL" description:"x402 facilitator base URL"`
	} `group:"Payment" namespace:"payment" env-namespace:"PAYMENT"`

	Prover struct {
		Mode        string `long:"mode" env:"MODE" default:"local" choice:"disabled" choice:"local" choice:"enclave-hw" description:"Proving backend"`
		EnclaveURL  string `long:"enclave-url" env:"ENCLAVE_URL" description:"Enclave proxy base URL, for enclave-hw mode"`
		CircuitsDir string `long:"circuits-dir" env:"CIRCUITS_DIR" default:"./circuits" description:"Directory of local circuit artifacts"`
		BinPath     string `long:"bin-path" env:"BIN_PATH" default:"./bin/prover" description:"Local prover binary, for local mode"`
		WitnessURL  string `long:"witness-url" env:"WITNESS_URL" description:"Witness service base URL"`
	} `group:"Prover" namespace:"prover" env-namespace:"PROVER"`

	Session struct {
		TTL time.Duration `long:"ttl" env:"TTL" default:"15m" description:"Signing session lifetime"`
	} `group:"Session" namespace:"session" env-namespace:"SESSION"`

	RateLimit struct {
		Capacity int           `long:"capacity" env:"CAPACITY" default:"10" description:"generate_proof calls allowed per window per address"`
		Window   time.Duration `long:"window" env:"WINDOW" default:"1m" description:"Rate limit window"`
	} `group:"RateLimit" namespace:"ratelimit" env-namespace:"RATELIMIT"`

	LLM struct {
		BaseURL string `long:"base-url" env:"BASE_URL" description:"OpenAI-compatible completions base URL; empty disables the chat adapter"`
		APIKey  string `long:"api-key" env:"API_KEY" description:"API key for the completions endpoint"`
		Model   string `long:"model" env:"MODEL" default:"gpt-4o-mini" description:"Model to route chat turns through"`
	} `group:"LLM" namespace:"llm" env-namespace:"LLM"`

	Log LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

// LogConfig configures logrus.
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
	Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" description:"Logging output format"`
}

// InitLog configures the logrus singleton from config.
func InitLog(cfg LogConfig) {
	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	if lvl, err := log.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(lvl)
	}
}

// PaymentRequired reports whether the payment phase is enabled.
func (c *Config) PaymentRequired() bool { return c.Payment.Mode != PaymentDisabled }

// PaymentNetwork names the settlement chain of the configured mode.
func (c *Config) PaymentNetwork() string {
	if c.Payment.Mode == PaymentMainnet {
		return "base"
	}
	return "base-sepolia"
}

// DefaultChainID is the verification chain when callers omit one.
func (c *Config) DefaultChainID() int64 {
	if c.Payment.Mode == PaymentMainnet {
		return circuits.ChainBase
	}
	return circuits.ChainBaseSepolia
}

// Validate checks cross-field requirements that tag syntax cannot express.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Service.ExternalBase, "http://") && !strings.HasPrefix(c.Service.ExternalBase, "https://") {
		return fmt.Errorf("service.external-base must be an absolute http(s) URL, got %q", c.Service.ExternalBase)
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive, got %s", c.Session.TTL)
	}
	if c.RateLimit.Capacity <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("ratelimit.capacity and ratelimit.window must be positive")
	}

	if c.PaymentRequired() {
		if c.Payment.Recipient == "" {
			return fmt.Errorf("payment.recipient is required in %s payment mode", c.Payment.Mode)
		}
		if c.Payment.Asset == "" {
			return fmt.Errorf("payment.asset is required in %s payment mode", c.Payment.Mode)
		}
		if c.Chain.OperatorKey == "" {
			return fmt.Errorf("chain.operator-key is required in %s payment mode", c.Payment.Mode)
		}
		if _, err := crypto.HexToECDSA(strings.TrimPrefix(c.Chain.OperatorKey, "0x")); err != nil {
			return fmt.Errorf("chain.operator-key is not a valid secp256k1 key: %w", err)
		}
	}

	if c.Prover.Mode == ProverEnclave && c.Prover.EnclaveURL == "" {
		return fmt.Errorf("prover.enclave-url is required in enclave-hw mode")
	}
	if c.Prover.Mode != ProverDisabled && c.Prover.WitnessURL == "" {
		return fmt.Errorf("prover.witness-url is required in %s prover mode", c.Prover.Mode)
	}
	return nil
}
