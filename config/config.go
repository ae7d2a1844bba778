// Package config assembles the runtime configuration of the withdrawal
// pipeline. Values come from environment variables with flag overrides
// applied in cmd/withdrawd; components receive the finished struct and never
// read the environment themselves.
package config

import (
	"os"
	"strconv"
	"time"
)

// QueueConfig names the three forward queues and their dead-letter queues.
// With SQS these are full queue URLs.
type QueueConfig struct {
	RequestQueue   string
	SignedQueue    string
	BroadcastQueue string

	RequestDLQ   string
	SignedDLQ    string
	BroadcastDLQ string

	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string

	// ReceiveBatchSize and the windows below apply to every consumer loop.
	ReceiveBatchSize  int
	WaitTime          time.Duration
	VisibilityTimeout time.Duration
}

// BatchConfig controls the batch-vs-single decision in the signing worker.
type BatchConfig struct {
	Enabled           bool
	MinBatchSize      int
	BatchThreshold    int     // per-token group size required to batch
	MinGasSavingsPct  float64 // projected saving required, 0..100
	SinglePerTxGas    uint64  // reference cost of one standalone transfer
	BaseBatchGas      uint64  // fixed overhead of an aggregate call
	PerBatchTxGas     uint64  // marginal cost per transfer inside a batch
	MaxBatchSize      int
	GasSafetyMarginPC float64 // share of the block gas limit a batch may use
}

// ReconnectConfig tunes the per-provider WebSocket reconnection state machine.
type ReconnectConfig struct {
	InitialDelay      time.Duration
	Multiplier        float64
	MaxDelay          time.Duration
	MaxAttempts       int
	LongRetryInterval time.Duration
	ResetWindow       time.Duration
}

// TierConfig is one age-based polling class of the monitor.
type TierConfig struct {
	Name      string
	Interval  time.Duration
	MaxAge    time.Duration // zero means unbounded
	BatchSize int
}

// MonitorConfig tunes the transaction monitor.
type MonitorConfig struct {
	Tiers           [3]TierConfig
	FastAccelerated time.Duration // fast-tier interval while young txs exist
	YoungTxAge      time.Duration
	InterBatchDelay time.Duration
	MaxCheckRetries int
	MempoolDropAge  time.Duration // receipt absent this long => dropped
	StuckScan       time.Duration
	StuckGasFactor  float64
}

// RecoveryConfig tunes the DLQ recovery engine.
type RecoveryConfig struct {
	PollInterval   time.Duration
	MaxQueueSize   int
	MaxAttempts    int
	InitialDelay   time.Duration
	EnableDummyTx  bool
	MaxNonceGap    uint64
	FeeBumpPercent int
}

// Config is the root configuration handed to cmd/withdrawd wiring.
type Config struct {
	InstanceID string
	DataDir    string
	RedisAddr  string

	// SignerKey is the hex-encoded private key of the hot wallet. The
	// cryptographic signer primitive itself lives behind the signer package.
	SignerKey string

	Queues    QueueConfig
	Batch     BatchConfig
	Reconnect ReconnectConfig
	Monitor   MonitorConfig
	Recovery  RecoveryConfig

	// RPCOverrides and WSOverrides patch the static chain table,
	// keyed "chain:network".
	RPCOverrides           map[string]string
	WSOverrides            map[string]string
	ConfirmationsOverrides map[string]uint64
}

// Defaults returns the baseline configuration; cmd applies flag overrides on
// top of it.
func Defaults() *Config {
	return &Config{
		DataDir:   envStr("WITHDRAWD_DATADIR", "withdrawd-data"),
		RedisAddr: envStr("REDIS_ADDR", "localhost:6379"),
		SignerKey: os.Getenv("SIGNER_PRIVATE_KEY"),
		Queues: QueueConfig{
			RequestQueue:      envStr("TX_REQUEST_QUEUE_URL", "tx-request-queue"),
			SignedQueue:       envStr("SIGNED_TX_QUEUE_URL", "signed-tx-queue"),
			BroadcastQueue:    envStr("BROADCAST_TX_QUEUE_URL", "broadcast-tx-queue"),
			RequestDLQ:        envStr("TX_REQUEST_DLQ_URL", "tx-request-dlq"),
			SignedDLQ:         envStr("SIGNED_TX_DLQ_URL", "signed-tx-dlq"),
			BroadcastDLQ:      envStr("BROADCAST_TX_DLQ_URL", "broadcast-tx-dlq"),
			Region:            envStr("AWS_REGION", "us-east-1"),
			Endpoint:          os.Getenv("SQS_ENDPOINT"),
			AccessKeyID:       os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey:   os.Getenv("AWS_SECRET_ACCESS_KEY"),
			ReceiveBatchSize:  envInt("QUEUE_RECEIVE_BATCH", 10),
			WaitTime:          20 * time.Second,
			VisibilityTimeout: 5 * time.Minute,
		},
		Batch: BatchConfig{
			Enabled:           envBool("BATCH_PROCESSING_ENABLED", true),
			MinBatchSize:      envInt("BATCH_MIN_SIZE", 3),
			BatchThreshold:    envInt("BATCH_THRESHOLD", 3),
			MinGasSavingsPct:  envFloat("BATCH_MIN_GAS_SAVINGS", 20),
			SinglePerTxGas:    65000,
			BaseBatchGas:      35000,
			PerBatchTxGas:     30000,
			MaxBatchSize:      50,
			GasSafetyMarginPC: 0.75,
		},
		Reconnect: ReconnectConfig{
			InitialDelay:      time.Second,
			Multiplier:        2,
			MaxDelay:          30 * time.Second,
			MaxAttempts:       5,
			LongRetryInterval: 5 * time.Minute,
			ResetWindow:       15 * time.Minute,
		},
		Monitor: MonitorConfig{
			Tiers: [3]TierConfig{
				{Name: "fast", Interval: 5 * time.Minute, MaxAge: 15 * time.Minute, BatchSize: 30},
				{Name: "medium", Interval: 30 * time.Minute, MaxAge: 2 * time.Hour, BatchSize: 50},
				{Name: "full", Interval: 2 * time.Hour, MaxAge: 0, BatchSize: 100},
			},
			FastAccelerated: time.Minute,
			YoungTxAge:      5 * time.Minute,
			InterBatchDelay: 200 * time.Millisecond,
			MaxCheckRetries: 10,
			MempoolDropAge:  6 * time.Hour,
			StuckScan:       5 * time.Minute,
			StuckGasFactor:  2,
		},
		Recovery: RecoveryConfig{
			PollInterval:   30 * time.Second,
			MaxQueueSize:   1000,
			MaxAttempts:    5,
			InitialDelay:   5 * time.Second,
			EnableDummyTx:  envBool("RECOVERY_ENABLE_DUMMY_TX", false),
			MaxNonceGap:    10,
			FeeBumpPercent: 50,
		},
		RPCOverrides:           map[string]string{},
		WSOverrides:            map[string]string{},
		ConfirmationsOverrides: map[string]uint64{},
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
