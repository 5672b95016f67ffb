// Package policy holds the declarative trust/fraud/anchoring policy that
// drives every threshold, weight, and timing in the toll-processing core.
// Policy is read-only after load; reloads build a whole new *Policy and
// swap it atomically via Store (see store.go).
package policy

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Policy is the full declarative configuration for one running instance.
type Policy struct {
	Crypto     CryptoPolicy     `yaml:"crypto"`
	Trust      TrustPolicy      `yaml:"trust"`
	Fraud      FraudPolicy      `yaml:"fraud"`
	VDF        VDFPolicy        `yaml:"vdf"`
	Anchor     AnchorPolicy     `yaml:"anchor"`
	RateLimit  RateLimitPolicy  `yaml:"rate_limit"`
	Redis      RedisPolicy      `yaml:"redis"`
	Admin      AdminPolicy      `yaml:"admin"`
	Timeouts   TimeoutsPolicy   `yaml:"timeouts"`
}

// CryptoPolicy governs ingest-time cryptographic checks.
type CryptoPolicy struct {
	MaxTimestampDriftSec int64 `yaml:"max_timestamp_drift_sec"`
}

// TrustPolicy governs the reader trust engine (C7).
type TrustPolicy struct {
	BasePenalty map[string]float64 `yaml:"base_penalty"` // violation class -> base penalty (negative magnitude as positive number)
	Weight      map[string]float64 `yaml:"weight"`       // violation class -> weight multiplier
	Severity    map[string]int     `yaml:"severity"`      // violation class -> quarantine severity (1..3)

	TrustedFloor         float64       `yaml:"trusted_floor"`
	DegradedFloor        float64       `yaml:"degraded_floor"`
	QuarantineFloor      float64       `yaml:"quarantine_floor"`
	ProbationEntryFloor  float64       `yaml:"probation_entry_floor"`
	RestoreScore         float64       `yaml:"restore_score"`

	RecoveryMinGap time.Duration `yaml:"recovery_min_gap"`
	RecoveryCap    float64       `yaml:"recovery_cap"`
	RecoveryRate   float64       `yaml:"recovery_rate"`

	SuspicionWindow time.Duration `yaml:"suspicion_window"`
	SuspicionTTL    time.Duration `yaml:"suspicion_ttl"`

	ChallengeMaxAttempts int           `yaml:"challenge_max_attempts"`
	ChallengeTTL         time.Duration `yaml:"challenge_ttl"`
	TimingWindowMS       int64         `yaml:"timing_window_ms"`

	ConsensusApprovalRatio float64       `yaml:"consensus_approval_ratio"`
	ConsensusTimeout       time.Duration `yaml:"consensus_timeout"`

	RewardStreak int `yaml:"reward_streak"`
}

// FraudPolicy governs the fraud decision fusion (C8).
type FraudPolicy struct {
	AmountCeiling      float64            `yaml:"amount_ceiling"`
	TariffCeiling      map[string]float64 `yaml:"tariff_ceiling"` // vehicle_type -> ceiling
	TariffAmount       map[string]float64 `yaml:"tariff_amount"`  // tariff_class -> toll amount owed per crossing
	DuplicateWindow    time.Duration      `yaml:"duplicate_window"`
	CrossWindow        time.Duration      `yaml:"cross_window"`
	CrossMultiplier    float64            `yaml:"cross_multiplier"`
	MLBlockThreshold   float64            `yaml:"ml_block_threshold"`
	CrossStatsInterval time.Duration      `yaml:"cross_stats_interval"`
}

// VDFPolicy governs the verifiable delay chain (C10).
type VDFPolicy struct {
	Difficulty            int    `yaml:"difficulty"`
	CheckpointGranularity int    `yaml:"checkpoint_granularity"`
	ReorderTolerance      time.Duration `yaml:"reorder_tolerance"`
	GenesisSeed           string `yaml:"genesis_seed"`
	Workers               int    `yaml:"workers"`
	ResponseAwaitsVDF      bool   `yaml:"response_awaits_vdf"`
	QueueCapacity          int    `yaml:"queue_capacity"`
}

// AnchorPolicy governs the blockchain anchoring queue (C11).
type AnchorPolicy struct {
	BatchSize    int           `yaml:"batch_size"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	BackoffBase  time.Duration `yaml:"backoff_base"`
	BackoffCap   time.Duration `yaml:"backoff_cap"`
	QueueMax     int           `yaml:"queue_max"`
	SubmitDeadline time.Duration `yaml:"submit_deadline"`
}

// RateLimitPolicy governs the per-reader ingest token bucket.
type RateLimitPolicy struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// RedisPolicy optionally backs the nonce ledger with Redis for cross-replica
// dedup. When Enabled is false, the in-memory ledger is used.
type RedisPolicy struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AdminPolicy governs the admin surface (C12).
type AdminPolicy struct {
	APIKey string `yaml:"api_key"`
}

// TimeoutsPolicy bounds external calls per spec §5 ("cancellation & timeouts").
type TimeoutsPolicy struct {
	MLScorerDeadline time.Duration `yaml:"ml_scorer_deadline"`
	LedgerDeadline   time.Duration `yaml:"ledger_deadline"`
	IngestDeadline   time.Duration `yaml:"ingest_deadline"`
}

// Violation classes referenced by TrustPolicy.BasePenalty/Weight/Severity.
const (
	ViolationBadSignature    = "BAD_SIGNATURE"
	ViolationReplay          = "REPLAY"
	ViolationStaleTimestamp  = "STALE_TIMESTAMP"
	ViolationBadKeyVersion   = "BAD_KEY_VERSION"
	ViolationRateLimited     = "RATE_LIMITED"
	ViolationBalanceManip    = "BALANCE_MANIPULATION"
	ViolationFraudRule       = "FRAUD_RULE"
	ViolationFraudML         = "FRAUD_ML"
)

// Default returns a complete, internally consistent policy matching the
// numeric examples in spec §8 (e.g. BAD_SIGNATURE 100→60→20→quarantine).
func Default() *Policy {
	return &Policy{
		Crypto: CryptoPolicy{MaxTimestampDriftSec: 300},
		Trust: TrustPolicy{
			BasePenalty: map[string]float64{
				ViolationBadSignature:   40,
				ViolationReplay:         40,
				ViolationStaleTimestamp: 5,
				ViolationBadKeyVersion:  10,
				ViolationRateLimited:    2,
				ViolationBalanceManip:   100,
				ViolationFraudRule:      15,
				ViolationFraudML:        20,
			},
			Weight: map[string]float64{
				ViolationBadSignature:   1.0,
				ViolationReplay:         1.0,
				ViolationStaleTimestamp: 1.0,
				ViolationBadKeyVersion:  1.0,
				ViolationRateLimited:    1.0,
				ViolationBalanceManip:   1.0,
				ViolationFraudRule:      1.0,
				ViolationFraudML:        1.0,
			},
			Severity: map[string]int{
				ViolationBadSignature: 1,
				ViolationReplay:       1,
				ViolationBalanceManip: 2,
			},
			TrustedFloor:           70,
			DegradedFloor:          35,
			QuarantineFloor:        20,
			ProbationEntryFloor:    50,
			RestoreScore:           75,
			RecoveryMinGap:         1 * time.Hour,
			RecoveryCap:            20,
			RecoveryRate:           5,
			SuspicionWindow:        1 * time.Hour,
			SuspicionTTL:           1 * time.Hour,
			ChallengeMaxAttempts:   3,
			ChallengeTTL:           10 * time.Minute,
			TimingWindowMS:         2000,
			ConsensusApprovalRatio: 0.6,
			ConsensusTimeout:       5 * time.Minute,
			RewardStreak:           20,
		},
		Fraud: FraudPolicy{
			AmountCeiling:      500,
			TariffCeiling:      map[string]float64{"CAR": 100, "TRUCK": 300, "MOTORCYCLE": 50},
			TariffAmount:       map[string]float64{"STANDARD": 50, "HEAVY": 150, "LIGHT": 20},
			DuplicateWindow:    60 * time.Second,
			CrossWindow:        10 * time.Minute,
			CrossMultiplier:    3.0,
			MLBlockThreshold:   0.8,
			CrossStatsInterval: 1 * time.Minute,
		},
		VDF: VDFPolicy{
			Difficulty:            1000,
			CheckpointGranularity: 10,
			ReorderTolerance:      5 * time.Minute,
			GenesisSeed:           "tollguard-genesis",
			Workers:               1,
			ResponseAwaitsVDF:     false,
			QueueCapacity:         4096,
		},
		Anchor: AnchorPolicy{
			BatchSize:      100,
			MaxDelay:       30 * time.Second,
			BackoffBase:    1 * time.Second,
			BackoffCap:     1 * time.Minute,
			QueueMax:       10000,
			SubmitDeadline: 10 * time.Second,
		},
		RateLimit: RateLimitPolicy{RatePerSecond: 5, Burst: 20},
		Timeouts: TimeoutsPolicy{
			MLScorerDeadline: 200 * time.Millisecond,
			LedgerDeadline:   5 * time.Second,
			IngestDeadline:   2 * time.Second,
		},
	}
}

// Load reads a YAML policy file, falling back to Default() fields for
// anything left zero-valued, then applies environment overrides.
func Load(path string) (*Policy, error) {
	p := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				p.applyEnvOverrides()
				return p, nil
			}
			return nil, fmt.Errorf("policy: open %s: %w", path, err)
		}
		defer f.Close()

		decoded := Default()
		if err := yaml.NewDecoder(f).Decode(decoded); err != nil {
			return nil, fmt.Errorf("policy: decode %s: %w", path, err)
		}
		p = decoded
	}
	p.applyEnvOverrides()
	return p, nil
}

func (p *Policy) applyEnvOverrides() {
	p.Admin.APIKey = getEnv("TOLLGUARD_ADMIN_KEY", p.Admin.APIKey)
	if p.Admin.APIKey == "" {
		p.Admin.APIKey = "dev-admin-key-change-in-production"
	}
	if v := getEnvInt64("TOLLGUARD_MAX_DRIFT_SEC", 0); v > 0 {
		p.Crypto.MaxTimestampDriftSec = v
	}
	p.Redis.Enabled = getEnvBool("TOLLGUARD_REDIS_ENABLED", p.Redis.Enabled)
	p.Redis.Addr = getEnv("TOLLGUARD_REDIS_ADDR", p.Redis.Addr)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
