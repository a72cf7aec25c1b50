package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/punchamoorthee/escrowops/internal/audit"
	"github.com/punchamoorthee/escrowops/internal/chain"
	"github.com/punchamoorthee/escrowops/internal/service"
)

type Config struct {
	DBSource    string
	StoreDriver string
	Port        string
	Env         string
	LogLevel    string
	LogFile     string

	RPCURL      string
	Network     chain.Network
	OperatorKey string
	PayoutKey   string

	Audit             audit.S3Options
	ReconcileInterval time.Duration
	Broadcast         service.Policy
}

// policyFile is the TOML shape of a broadcast policy override.
type policyFile struct {
	MaxAttempts    *int       `toml:"max_attempts"`
	GasBuffersPct  []int      `toml:"gas_buffers_pct"`
	Backoff        []duration `toml:"backoff"`
	ReceiptTimeout *duration  `toml:"receipt_timeout"`
	ReceiptPoll    *duration  `toml:"receipt_poll"`
	LockTTL        *duration  `toml:"lock_ttl"`
}

type duration struct{ time.Duration }

func (d *duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Load reads the environment, after a .env file when one exists.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv.
func FromEnv(getenv func(string) string) (*Config, error) {
	get := func(k, def string) string {
		if v := getenv(k); v != "" {
			return v
		}
		return def
	}

	cfg := &Config{
		DBSource:    getenv("DB_SOURCE"),
		StoreDriver: get("STORE_DRIVER", "postgres"),
		Port:        get("SERVER_PORT", "8080"),
		Env:         get("ENVIRONMENT", "development"),
		LogLevel:    get("LOG_LEVEL", "info"),
		LogFile:     getenv("LOG_FILE"),
		RPCURL:      getenv("CHAIN_RPC_URL"),
		OperatorKey: getenv("OPERATOR_PRIVATE_KEY"),
		PayoutKey:   getenv("PAYOUT_PRIVATE_KEY"),
		Audit: audit.S3Options{
			Bucket:    getenv("AUDIT_BUCKET"),
			Endpoint:  getenv("AUDIT_ENDPOINT"),
			Region:    getenv("AUDIT_REGION"),
			AccessKey: getenv("AUDIT_ACCESS_KEY_ID"),
			SecretKey: getenv("AUDIT_SECRET_ACCESS_KEY"),
		},
		Broadcast: service.DefaultPolicy(),
	}

	switch cfg.StoreDriver {
	case "postgres":
		if cfg.DBSource == "" {
			return nil, fmt.Errorf("DB_SOURCE environment variable is required")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}

	chainID, ok := new(big.Int).SetString(get("CHAIN_ID", "8453"), 10)
	if !ok {
		return nil, fmt.Errorf("invalid CHAIN_ID %q", getenv("CHAIN_ID"))
	}
	decimals, err := strconv.ParseInt(get("TOKEN_DECIMALS", "6"), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid TOKEN_DECIMALS: %w", err)
	}
	cfg.Network = chain.Network{ChainID: chainID, Decimals: int32(decimals)}
	for k, dst := range map[string]*common.Address{"ESCROW_ADDRESS": &cfg.Network.Escrow, "TOKEN_ADDRESS": &cfg.Network.Token} {
		v := getenv(k)
		if v == "" {
			continue
		}
		if !common.IsHexAddress(v) {
			return nil, fmt.Errorf("invalid %s %q", k, v)
		}
		*dst = common.HexToAddress(v)
	}

	if cfg.ReconcileInterval, err = time.ParseDuration(get("RECONCILE_INTERVAL", "5m")); err != nil {
		return nil, fmt.Errorf("invalid RECONCILE_INTERVAL: %w", err)
	}

	if path := getenv("BROADCAST_POLICY_FILE"); path != "" {
		if cfg.Broadcast, err = LoadPolicy(path, cfg.Broadcast); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// LoadPolicy overlays the TOML file at path onto base.
func LoadPolicy(path string, base service.Policy) (service.Policy, error) {
	var f policyFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return base, fmt.Errorf("read broadcast policy %s: %w", path, err)
	}
	p := base
	if f.MaxAttempts != nil {
		p.MaxAttempts = *f.MaxAttempts
	}
	if f.GasBuffersPct != nil {
		p.GasBuffersPct = f.GasBuffersPct
	}
	if f.Backoff != nil {
		p.Backoff = make([]time.Duration, len(f.Backoff))
		for i, d := range f.Backoff {
			p.Backoff[i] = d.Duration
		}
	}
	if f.ReceiptTimeout != nil {
		p.ReceiptTimeout = f.ReceiptTimeout.Duration
	}
	if f.ReceiptPoll != nil {
		p.ReceiptPoll = f.ReceiptPoll.Duration
	}
	if f.LockTTL != nil {
		p.LockTTL = f.LockTTL.Duration
	}

	switch {
	case p.MaxAttempts < 1:
		return base, fmt.Errorf("broadcast policy: max_attempts must be at least 1")
	case p.ReceiptPoll <= 0 || p.ReceiptTimeout < p.ReceiptPoll:
		return base, fmt.Errorf("broadcast policy: receipt_poll must be positive and not exceed receipt_timeout")
	case p.LockTTL <= p.ReceiptTimeout:
		return base, fmt.Errorf("broadcast policy: lock_ttl must exceed receipt_timeout")
	}
	for _, b := range p.GasBuffersPct {
		if b < 0 {
			return base, fmt.Errorf("broadcast policy: negative gas buffer %d", b)
		}
	}
	return p, nil
}
