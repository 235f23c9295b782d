package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/oklog/run"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hoistsec/hoist/audit"
	"github.com/hoistsec/hoist/config"
	"github.com/hoistsec/hoist/hook"
	"github.com/hoistsec/hoist/internal/daemon"
	"github.com/hoistsec/hoist/orchestrator"
	"github.com/hoistsec/hoist/policy"
	"github.com/hoistsec/hoist/risk"
	"github.com/hoistsec/hoist/storage"
	"github.com/hoistsec/hoist/telemetry"
	"github.com/hoistsec/hoist/token"
)

var (
	serveConfigPath    string
	serveAddr          string
	serveDataDir       string
	serveWALDir        string
	serveRulesDir      string
	serveKMSKeyID      string
	serveAuditQueueURL string
	serveOTELEndpoint  string
	serveSweepInterval time.Duration
	serveMaxPending    int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the elevation daemon",
	Long: `Run the Hoist daemon: the HTTP API for submissions, approvals and
hook interception, plus the sweep loop that times out overdue requests.

Signing uses an ephemeral ed25519 key unless --kms-key-id points at an
asymmetric KMS key. Audit events go to the local WAL, and additionally
to SQS when --audit-queue-url is set.`,
	Example: `  hoist serve --config policies.yaml
  hoist serve --config policies.yaml --addr :8440 --data ./data
  hoist serve --config policies.yaml --kms-key-id alias/hoist-signing
  hoist serve --config policies.yaml --audit-queue-url https://sqs.eu-west-1.amazonaws.com/123/hoist-audit`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveConfigPath, "config", "hoist.yaml", "Policy configuration file")
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8440", "HTTP listen address")
	serveCmd.Flags().StringVar(&serveDataDir, "data", "./data", "Request and token database directory")
	serveCmd.Flags().StringVar(&serveWALDir, "wal", "./data/wal", "Audit WAL directory")
	serveCmd.Flags().StringVar(&serveRulesDir, "rules", "", "Directory of Rego classification rules")
	serveCmd.Flags().StringVar(&serveKMSKeyID, "kms-key-id", "", "KMS signing key (empty for local ed25519)")
	serveCmd.Flags().StringVar(&serveAuditQueueURL, "audit-queue-url", "", "SQS queue for audit events")
	serveCmd.Flags().StringVar(&serveOTELEndpoint, "otel-endpoint", "", "OTLP gRPC endpoint (empty disables export)")
	serveCmd.Flags().DurationVar(&serveSweepInterval, "sweep-interval", 30*time.Second, "Deadline sweep interval")
	serveCmd.Flags().IntVar(&serveMaxPending, "max-pending", 5, "Max pending requests per actor")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	snapshots := config.NewSnapshotStore(cfg)

	if serveOTELEndpoint != "" {
		shutdown, err := telemetry.InitOTEL(ctx, telemetry.Config{
			ServiceName:    "hoist",
			ServiceVersion: version,
			OTELEndpoint:   serveOTELEndpoint,
			Insecure:       true,
		})
		if err != nil {
			return fmt.Errorf("failed to init telemetry: %w", err)
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	store, err := storage.NewStore(serveDataDir)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	recorder, err := buildRecorder(ctx, snapshots)
	if err != nil {
		return err
	}
	defer func() { _ = recorder.Close() }()

	signer, err := buildSigner(ctx)
	if err != nil {
		return err
	}

	tokens, err := token.NewService(signer, store, recorder)
	if err != nil {
		return fmt.Errorf("failed to create token service: %w", err)
	}

	resolver := policy.NewResolver(snapshots)
	scorer := risk.NewScorer(nil)

	orch := orchestrator.New(snapshots, resolver, scorer, tokens, store, nil, nil, recorder,
		orchestrator.Options{
			MaxPendingPerActor: serveMaxPending,
			SweepInterval:      serveSweepInterval,
		})

	interceptor, err := buildInterceptor(ctx, tokens, recorder)
	if err != nil {
		return err
	}

	d, err := daemon.New(daemon.Config{Addr: serveAddr}, orch, interceptor)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	log.Info().
		Str("addr", serveAddr).
		Str("config", serveConfigPath).
		Str("signer", signer.Algorithm()).
		Msg("hoist starting")

	var g run.Group
	{
		daemonCtx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return d.Start(daemonCtx)
		}, func(error) {
			cancel()
		})
	}
	{
		reloadCtx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return reloadOnSIGHUP(reloadCtx, snapshots)
		}, func(error) {
			cancel()
		})
	}
	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	if err := g.Run(); err != nil {
		var sig run.SignalError
		if errors.As(err, &sig) {
			log.Info().Str("signal", sig.Signal.String()).Msg("shutting down")
			return nil
		}
		return err
	}
	return nil
}

// reloadOnSIGHUP swaps in a fresh policy snapshot on each SIGHUP.
// In-flight requests keep the snapshot they resolved against; a reload
// that fails validation leaves the current snapshot in place.
func reloadOnSIGHUP(ctx context.Context, snapshots *config.SnapshotStore) error {
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	defer signal.Stop(sighup)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sighup:
			cfg, err := config.Load(serveConfigPath)
			if err != nil {
				log.Error().Err(err).Str("config", serveConfigPath).Msg("config reload failed, keeping current snapshot")
				continue
			}
			snap := snapshots.Swap(cfg)
			log.Info().Int64("version", snap.Version()).Msg("policy configuration reloaded")
		}
	}
}

// buildRecorder assembles the audit pipeline: WAL always, SQS fan-out
// when a queue is configured.
func buildRecorder(ctx context.Context, snapshots *config.SnapshotStore) (*audit.Recorder, error) {
	walSink, err := audit.NewWALSink(serveWALDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit wal: %w", err)
	}

	// The overflow WAL backs the at-least-once guarantee: events the
	// sink cannot take (full buffer, retry exhaustion, shutdown) land
	// here instead of being dropped.
	overflow, err := audit.OpenWAL(filepath.Join(serveWALDir, "overflow"))
	if err != nil {
		return nil, fmt.Errorf("failed to open overflow wal: %w", err)
	}

	var sink audit.Sink = walSink
	if serveAuditQueueURL != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load aws config: %w", err)
		}
		sqsSink := audit.NewSQSSink(sqs.NewFromConfig(awsCfg), serveAuditQueueURL)
		sink = audit.NewMultiSink(walSink, sqsSink)
	}

	return audit.NewRecorder(sink, overflow, audit.Options{
		Tags: snapshots.Current().ComplianceTags,
	}), nil
}

// buildSigner picks KMS when a key is configured, local ed25519
// otherwise. The local key is ephemeral: tokens do not survive a
// restart, which is acceptable for their lifetimes.
func buildSigner(ctx context.Context) (token.Signer, error) {
	if serveKMSKeyID == "" {
		return token.NewLocalSigner()
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	signer, err := token.NewKMSSigner(ctx, kms.NewFromConfig(awsCfg), serveKMSKeyID)
	if err != nil {
		return nil, fmt.Errorf("failed to create kms signer: %w", err)
	}
	return signer, nil
}

// buildInterceptor loads the built-in classifiers plus any Rego rules
// from the rules directory.
func buildInterceptor(ctx context.Context, tokens *token.Service, recorder *audit.Recorder) (*hook.Interceptor, error) {
	var rules *hook.RuleEngine
	if serveRulesDir != "" {
		rules = hook.NewRuleEngine()
		paths, err := filepath.Glob(filepath.Join(serveRulesDir, "*.rego"))
		if err != nil {
			return nil, err
		}
		for _, path := range paths {
			code, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read rule %s: %w", path, err)
			}
			if err := rules.LoadRule(ctx, filepath.Base(path), string(code)); err != nil {
				return nil, err
			}
		}
	}
	return hook.NewInterceptor(hook.BuiltinClassifiers(), rules, tokens, recorder), nil
}
