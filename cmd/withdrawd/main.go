// withdrawd runs the withdrawal pipeline: signing worker, broadcaster,
// transaction monitor and DLQ recovery engine in one process, sharing the
// chain registry, the nonce cache and the store.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/arcpay/withdrawd/broadcast"
	"github.com/arcpay/withdrawd/chains"
	"github.com/arcpay/withdrawd/config"
	"github.com/arcpay/withdrawd/monitor"
	"github.com/arcpay/withdrawd/noncer"
	"github.com/arcpay/withdrawd/queue"
	"github.com/arcpay/withdrawd/recovery"
	"github.com/arcpay/withdrawd/signer"
	"github.com/arcpay/withdrawd/store"
	"github.com/arcpay/withdrawd/tokens"
)

var (
	instanceFlag = &cli.StringFlag{
		Name:  "instance-id",
		Usage: "Unique id of this pipeline instance (defaults to a random id)",
	}
	datadirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Directory for the persistent store",
	}
	redisFlag = &cli.StringFlag{
		Name:  "redis",
		Usage: "Redis address for the shared nonce cache",
	}
	signerKeyFlag = &cli.StringFlag{
		Name:  "signer-key",
		Usage: "Hex-encoded hot wallet private key (prefer SIGNER_PRIVATE_KEY)",
	}
	sqsEndpointFlag = &cli.StringFlag{
		Name:  "sqs-endpoint",
		Usage: "Custom SQS endpoint (localstack)",
	}
	rpcFlag = &cli.StringSliceFlag{
		Name:  "rpc",
		Usage: "RPC URL override, chain:network=url (repeatable)",
	}
	wsFlag = &cli.StringSliceFlag{
		Name:  "ws",
		Usage: "WebSocket URL override, chain:network=url (repeatable)",
	}
	confirmationsFlag = &cli.StringSliceFlag{
		Name:  "confirmations",
		Usage: "Required confirmations override, chain:network=n (repeatable)",
	}
	batchEnabledFlag = &cli.BoolFlag{
		Name:  "batch",
		Usage: "Enable multicall batching",
		Value: true,
	}
	batchMinFlag = &cli.IntFlag{
		Name:  "batch-min",
		Usage: "Minimum group size before batching is considered",
	}
	dummyTxFlag = &cli.BoolFlag{
		Name:  "recovery-dummy-tx",
		Usage: "Allow the recovery engine to plug nonce gaps with dummy transactions",
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "Log verbosity (debug, info, warn, error)",
		Value: "info",
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log-file",
		Usage: "Log file path with rotation (empty logs to stderr only)",
	}
)

func main() {
	app := &cli.App{
		Name:  "withdrawd",
		Usage: "blockchain withdrawal pipeline",
		Flags: []cli.Flag{
			instanceFlag, datadirFlag, redisFlag, signerKeyFlag, sqsEndpointFlag,
			rpcFlag, wsFlag, confirmationsFlag,
			batchEnabledFlag, batchMinFlag, dummyTxFlag,
			logLevelFlag, logFileFlag,
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	setupLogging(c)
	logger := log.New("service", "withdrawd")

	cfg := buildConfig(c)
	if cfg.SignerKey == "" {
		return fmt.Errorf("no signer key: set SIGNER_PRIVATE_KEY or --%s", signerKeyFlag.Name)
	}

	txSigner, err := signer.NewTxSigner(cfg.SignerKey)
	if err != nil {
		return err
	}
	logger.Info("Hot wallet loaded", "address", txSigner.Address(), "instance", cfg.InstanceID)

	st, err := store.OpenLevelDB(filepath.Join(cfg.DataDir, "store"))
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backing, err := noncer.NewRedisBacking(ctx, cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("connect redis at %s: %w", cfg.RedisAddr, err)
	}
	nonces := noncer.New(backing)
	defer nonces.Close()

	bus, err := queue.NewSQSQueue(ctx, queue.SQSConfig{
		Region:          cfg.Queues.Region,
		Endpoint:        cfg.Queues.Endpoint,
		AccessKeyID:     cfg.Queues.AccessKeyID,
		SecretAccessKey: cfg.Queues.SecretAccessKey,
	})
	if err != nil {
		return err
	}

	registry := chains.NewRegistry(chainTable(cfg), cfg.Reconnect)
	defer registry.Close()

	dir := tokens.NewDirectory()

	worker := signer.NewWorker(cfg, bus, st, registry, nonces, dir, txSigner)
	caster := broadcast.New(cfg, bus, st, registry)
	mon := monitor.New(cfg, bus, st, registry)
	engine := recovery.NewEngine(cfg, bus, st, registry, nonces, txSigner)

	var wg sync.WaitGroup
	for _, svc := range []func(context.Context){worker.Run, caster.Run, mon.Run, engine.Run} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(svc)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigc
	logger.Info("Shutting down", "signal", sig)
	cancel()
	wg.Wait()
	logger.Info("Shutdown complete")
	return nil
}

func buildConfig(c *cli.Context) *config.Config {
	cfg := config.Defaults()
	cfg.InstanceID = c.String(instanceFlag.Name)
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if v := c.String(datadirFlag.Name); v != "" {
		cfg.DataDir = v
	}
	if v := c.String(redisFlag.Name); v != "" {
		cfg.RedisAddr = v
	}
	if v := c.String(signerKeyFlag.Name); v != "" {
		cfg.SignerKey = v
	}
	if v := c.String(sqsEndpointFlag.Name); v != "" {
		cfg.Queues.Endpoint = v
	}
	cfg.Batch.Enabled = c.Bool(batchEnabledFlag.Name)
	if v := c.Int(batchMinFlag.Name); v > 0 {
		cfg.Batch.MinBatchSize = v
	}
	if c.IsSet(dummyTxFlag.Name) {
		cfg.Recovery.EnableDummyTx = c.Bool(dummyTxFlag.Name)
	}
	for _, kv := range c.StringSlice(rpcFlag.Name) {
		if k, v, ok := strings.Cut(kv, "="); ok {
			cfg.RPCOverrides[k] = v
		}
	}
	for _, kv := range c.StringSlice(wsFlag.Name) {
		if k, v, ok := strings.Cut(kv, "="); ok {
			cfg.WSOverrides[k] = v
		}
	}
	for _, kv := range c.StringSlice(confirmationsFlag.Name) {
		if k, v, ok := strings.Cut(kv, "="); ok {
			var n uint64
			if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
				cfg.ConfirmationsOverrides[k] = n
			}
		}
	}
	return cfg
}

// chainTable applies the configured overrides to the static deployment table.
func chainTable(cfg *config.Config) []chains.Config {
	table := chains.DefaultTable()
	for i := range table {
		key := table[i].Chain + ":" + table[i].Network
		if url, ok := cfg.RPCOverrides[key]; ok {
			table[i].RPCURL = url
		}
		if url, ok := cfg.WSOverrides[key]; ok {
			table[i].WSURL = url
		}
		if n, ok := cfg.ConfirmationsOverrides[key]; ok {
			table[i].RequiredConfirmations = n
		}
	}
	return table
}

func setupLogging(c *cli.Context) {
	var out io.Writer = os.Stderr
	if path := c.String(logFileFlag.Name); path != "" {
		rotator := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100, // MB
			MaxBackups: 10,
			MaxAge:     28, // days
			Compress:   true,
		}
		out = io.MultiWriter(os.Stderr, rotator)
	}
	level := log.LevelInfo
	switch strings.ToLower(c.String(logLevelFlag.Name)) {
	case "debug":
		level = log.LevelDebug
	case "warn":
		level = log.LevelWarn
	case "error":
		level = log.LevelError
	}
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(out, level, false)))
}
