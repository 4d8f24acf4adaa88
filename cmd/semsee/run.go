package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/semsee/semsee/internal/config"
	"github.com/semsee/semsee/internal/core"
	"github.com/semsee/semsee/internal/effect"
	"github.com/semsee/semsee/internal/event"
	"github.com/semsee/semsee/internal/feed"
	"github.com/semsee/semsee/internal/health"
	"github.com/semsee/semsee/internal/logging"
	"github.com/semsee/semsee/internal/mailbox"
	"github.com/semsee/semsee/internal/metrics"
	"github.com/semsee/semsee/internal/notify"
	"github.com/semsee/semsee/internal/registry"
	"github.com/semsee/semsee/internal/statesync"
	"github.com/semsee/semsee/internal/storage"
	"github.com/semsee/semsee/internal/subscription"
	"github.com/semsee/semsee/internal/vm"
)

var (
	flagOnce    bool
	flagDryRun  bool
	flagFrom    uint64
	flagHealth  string
	flagMetrics string
)

func init() {
	runCmd.Flags().BoolVar(&flagOnce, "once", false, "Process one tick and exit")
	runCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Do not submit transactions")
	runCmd.Flags().Uint64Var(&flagFrom, "from", 0, "Start from block height override")
	runCmd.Flags().StringVar(&flagHealth, "health", "", "Health check HTTP address (e.g., :8080)")
	runCmd.Flags().StringVar(&flagMetrics, "metrics", "", "Metrics HTTP address (e.g., :9090)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestration loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		logLevel := os.Getenv("LOG_LEVEL")
		if logLevel == "" {
			logLevel = "info"
		}
		log := logging.NewWithLevel(logLevel)
		ctx := cmd.Context()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		store, err := storage.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		client, err := feed.NewRPCClient(cfg.Chain.RPCURL)
		if err != nil {
			return err
		}

		var mtr *metrics.Metrics
		if flagMetrics != "" {
			mtr = metrics.Init()
			log.Info("metrics enabled", "addr", flagMetrics)
		}

		decoder, err := event.NewDecoder(cfg.Chain.ChainID)
		if err != nil {
			return fmt.Errorf("build decoder: %w", err)
		}

		subs := subscription.NewManager(subscription.NewDurableStore(store), log)

		policy, err := mailbox.ParsePolicy(cfg.Mailbox.OverflowPolicy)
		if err != nil {
			return err
		}
		boxes := mailbox.NewManager(cfg.Mailbox.Capacity, policy, log, mtr)

		mirror := statesync.NewSynchronizer(cfg.StateSync.Timeframes, log)

		notifier, err := buildNotifier(cfg, log)
		if err != nil {
			return err
		}

		runner, executor, err := buildExecutor(cfg, client, log, mtr)
		if err != nil {
			return err
		}

		engine := effect.NewEngine(effect.Config{
			RetryBudget:  cfg.Effects.RetryBudget,
			RetryBackoff: cfg.Effects.Backoff(),
			GasTable:     cfg.Effects.GasTable,
		}, executor, core.NewResultSink(boxes, notifier), store, log, mtr)

		var resolver *registry.Resolver
		if cfg.Registry != "" {
			resolver, err = registry.NewResolver(runner, common.HexToAddress(cfg.Registry), log)
			if err != nil {
				return err
			}
			if err := resolver.Resolve(ctx); err != nil {
				return fmt.Errorf("resolve registry: %w", err)
			}
		}

		startBlock := cfg.Chain.StartBlock
		if flagFrom > 0 {
			startBlock = fmt.Sprintf("%d", flagFrom)
		}
		stream := feed.New(client, store, feed.Options{
			Confirmations: cfg.Chain.Confirmations,
			StartBlock:    startBlock,
		}, log, mtr)

		orch, err := core.New(core.Deps{
			Feed:     stream,
			Decoder:  decoder,
			Subs:     subs,
			Boxes:    boxes,
			Sync:     mirror,
			Engine:   engine,
			Registry: resolver,
			Notifier: notifier,
			Logger:   log,
			Metrics:  mtr,
		})
		if err != nil {
			return err
		}

		// Strategies subscribed before the restart get their mailboxes
		// back before the first tick.
		existing, err := subs.Subscriptions(ctx)
		if err != nil {
			return fmt.Errorf("load subscriptions: %w", err)
		}
		for _, sub := range existing {
			boxes.GetOrCreate(sub.StrategyID)
		}
		log.Info("subscriptions restored", "count", len(existing))

		if flagHealth != "" {
			rpcChecker := health.NewRPCChecker(client)
			healthSrv := health.Serve(flagHealth, health.Checker{
				DBPing:  store.Ping,
				RPCPing: rpcChecker.Ping,
				Status: func(ctx context.Context) (any, error) {
					return orch.Status(ctx)
				},
			})
			log.Info("health check enabled", "addr", flagHealth)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = health.Shutdown(shutdownCtx, healthSrv)
			}()
		}

		if flagMetrics != "" {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				srv := &http.Server{Addr: flagMetrics, Handler: mux}
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("metrics server error", "error", err)
				}
			}()
		}

		log.Info("semsee started",
			"chain_id", cfg.Chain.ChainID,
			"confirmations", cfg.Chain.Confirmations,
			"dry_run", flagDryRun)

		for {
			if err := orch.RunOnce(ctx); err != nil {
				mtr.Errors()
				log.Error("tick error", "error", err)
				return err
			}
			log.Debug("tick complete")
			if flagOnce {
				break
			}
			time.Sleep(1 * time.Second)
		}
		return nil
	},
}

// buildNotifier assembles the operator alert fan-out. No targets means
// a disabled notifier, not a nil one.
func buildNotifier(cfg *config.Config, log *slog.Logger) (*notify.Notifier, error) {
	senders := make([]notify.Sender, 0, len(cfg.Notify))
	for _, target := range cfg.Notify {
		switch target.Type {
		case "slack":
			s, err := notify.NewSlackSender(target.WebhookURL, target.Template)
			if err != nil {
				return nil, fmt.Errorf("notify slack: %w", err)
			}
			senders = append(senders, s)
		case "webhook":
			s, err := notify.NewWebhookSender(target.URL, target.Method, target.Template, nil)
			if err != nil {
				return nil, fmt.Errorf("notify webhook: %w", err)
			}
			senders = append(senders, s)
		}
	}
	return notify.NewNotifier(log, senders...), nil
}

// buildExecutor wires the vm layer. Dry-run skips the signer entirely;
// a live run refuses to start without a key.
func buildExecutor(cfg *config.Config, client *feed.RPCClient, log *slog.Logger, mtr *metrics.Metrics) (*vm.Runner, effect.Executor, error) {
	if flagDryRun {
		runner := vm.NewRunner(client, nil, common.Address{}, 0, log)
		return runner, effect.NewDryRunExecutor(runner, log), nil
	}

	keyEnv := cfg.Signer.Env()
	hexKey := os.Getenv(keyEnv)
	if hexKey == "" {
		return nil, nil, fmt.Errorf("signer key not set: export %s or use --dry-run", keyEnv)
	}
	signer, err := vm.NewKeySigner(hexKey)
	if err != nil {
		return nil, nil, err
	}

	queue := vm.NewTxQueue(client, signer, new(big.Int).SetUint64(cfg.Chain.ChainID), vm.TxConfig{
		ConfirmTimeout: cfg.Tx.ConfirmTimeoutDuration(),
		PollInterval:   cfg.Tx.PollIntervalDuration(),
		GasBumpPercent: cfg.Tx.GasBumpPercent,
		MaxResubmits:   cfg.Tx.MaxResubmits,
	}, log, mtr)

	runner := vm.NewRunner(client, queue, signer.Address(), 0, log)
	return runner, effect.NewChainExecutor(runner), nil
}
