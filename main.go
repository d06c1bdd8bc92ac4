package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/samber/do/v2"
	"golang.org/x/sync/errgroup"

	"github.com/vreid/janken/internal/pkg/common"
	"github.com/vreid/janken/internal/pkg/identity"
	"github.com/vreid/janken/internal/pkg/match"
	"github.com/vreid/janken/internal/pkg/queue"
	"github.com/vreid/janken/internal/pkg/settlement"
	"github.com/vreid/janken/internal/pkg/signature"
	"github.com/vreid/janken/internal/pkg/store"

	"github.com/urfave/cli/v3"
)

type JankenService struct {
	EchoService *common.EchoService `do:""`

	QueueService      *queue.QueueService           `do:""`
	MatchService      *match.MatchService           `do:""`
	DispatcherService *settlement.DispatcherService `do:""`
	SignatureService  *signature.SignatureService   `do:""`
}

//nolint:funlen
func runServer(ctx context.Context, cmd *cli.Command) error {
	i := do.New()

	do.ProvideNamedValue(i, "port", cmd.Int("port"))
	do.ProvideNamedValue(i, "data-dir", cmd.String("data-dir"))

	do.ProvideNamedValue(i, "signature-secret", cmd.String("signature-secret"))
	do.ProvideNamedValue(i, "stake-tiers", cmd.String("stake-tiers"))

	do.ProvideNamedValue(i, "liveness-window-seconds", cmd.Int("liveness-window-seconds"))
	do.ProvideNamedValue(i, "pairing-interval-seconds", cmd.Int("pairing-interval-seconds"))
	do.ProvideNamedValue(i, "commit-timeout-seconds", cmd.Int("commit-timeout-seconds"))
	do.ProvideNamedValue(i, "reveal-timeout-seconds", cmd.Int("reveal-timeout-seconds"))
	do.ProvideNamedValue(i, "mismatch-limit", cmd.Int("mismatch-limit"))
	do.ProvideNamedValue(i, "settle-max-attempts", cmd.Int("settle-max-attempts"))

	do.ProvideNamedValue(i, "ledger-url", cmd.String("ledger-url"))
	do.ProvideNamedValue(i, "profile-url", cmd.String("profile-url"))

	settleChan := make(chan string, 1000)
	var settleSource <-chan string = settleChan
	var settleSink chan<- string = settleChan

	do.ProvideNamedValue(i, "settle-source", settleSource)
	do.ProvideNamedValue(i, "settle-sink", settleSink)

	do.Provide(i, common.NewEchoService)
	do.Provide(i, common.NewDatabaseService)
	do.Provide(i, store.NewBoltStore)

	do.Provide(i, func(i do.Injector) (queue.Store, error) {
		return do.MustInvoke[*store.BoltStore](i), nil
	})
	do.Provide(i, func(i do.Injector) (match.Store, error) {
		return do.MustInvoke[*store.BoltStore](i), nil
	})
	do.Provide(i, func(i do.Injector) (settlement.Store, error) {
		return do.MustInvoke[*store.BoltStore](i), nil
	})

	do.Provide(i, settlement.NewHTTPLedger)
	do.Provide(i, identity.NewResolverService)
	do.Provide(i, signature.NewSignatureService)

	do.Provide(i, queue.NewQueueService)
	do.Provide(i, match.NewMatchService)
	do.Provide(i, settlement.NewDispatcherService)

	do.Provide(i, do.InvokeStruct[JankenService])

	jankenService, err := do.Invoke[JankenService](i)
	if err != nil {
		return fmt.Errorf("failed to create janken service: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		jankenService.QueueService.Run(ctx)

		return nil
	})
	g.Go(func() error {
		jankenService.MatchService.Run(ctx)

		return nil
	})
	g.Go(func() error {
		jankenService.DispatcherService.Run(ctx)

		return nil
	})
	g.Go(func() error {
		//nolint:wrapcheck
		return jankenService.EchoService.Start()
	})

	//nolint:wrapcheck
	return g.Wait()
}

//nolint:funlen
func main() {
	//nolint:exhaustruct
	cmd := &cli.Command{
		Name: "janken",
		Commands: []*cli.Command{
			{
				Name: "server",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "port",
						Value:   3000, //nolint:mnd
						Sources: cli.EnvVars("JANKEN_PORT"),
					},
					&cli.StringFlag{
						Name:    "data-dir",
						Value:   "./janken/data",
						Sources: cli.EnvVars("JANKEN_DATA_DIR"),
					},
					&cli.StringFlag{
						Name:    "signature-secret",
						Value:   "secret",
						Sources: cli.EnvVars("JANKEN_SIGNATURE_SECRET"),
					},
					&cli.StringFlag{
						Name:    "stake-tiers",
						Value:   "bronze=100,silver=1000,gold=10000",
						Sources: cli.EnvVars("JANKEN_STAKE_TIERS"),
					},
					&cli.IntFlag{
						Name:    "liveness-window-seconds",
						Value:   30, //nolint:mnd
						Sources: cli.EnvVars("JANKEN_LIVENESS_WINDOW_SECONDS"),
					},
					&cli.IntFlag{
						Name:    "pairing-interval-seconds",
						Value:   2, //nolint:mnd
						Sources: cli.EnvVars("JANKEN_PAIRING_INTERVAL_SECONDS"),
					},
					&cli.IntFlag{
						Name:    "commit-timeout-seconds",
						Value:   120, //nolint:mnd
						Sources: cli.EnvVars("JANKEN_COMMIT_TIMEOUT_SECONDS"),
					},
					&cli.IntFlag{
						Name:    "reveal-timeout-seconds",
						Value:   120, //nolint:mnd
						Sources: cli.EnvVars("JANKEN_REVEAL_TIMEOUT_SECONDS"),
					},
					&cli.IntFlag{
						Name:    "mismatch-limit",
						Value:   3, //nolint:mnd
						Sources: cli.EnvVars("JANKEN_MISMATCH_LIMIT"),
					},
					&cli.IntFlag{
						Name:    "settle-max-attempts",
						Value:   6, //nolint:mnd
						Sources: cli.EnvVars("JANKEN_SETTLE_MAX_ATTEMPTS"),
					},
					&cli.StringFlag{
						Name:    "ledger-url",
						Value:   "http://127.0.0.1:8800",
						Sources: cli.EnvVars("JANKEN_LEDGER_URL"),
					},
					&cli.StringFlag{
						Name:    "profile-url",
						Value:   "",
						Sources: cli.EnvVars("JANKEN_PROFILE_URL"),
					},
				},
				Action: runServer,
			},
		},
		DefaultCommand: "server",
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		log.Fatal(err)
	}
}
