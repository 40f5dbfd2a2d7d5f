package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/wdi/internal/adapters/http"
	"github.com/dkeye/wdi/internal/adapters/rtc"
	"github.com/dkeye/wdi/internal/adapters/signal"
	"github.com/dkeye/wdi/internal/adapters/ws"
	"github.com/dkeye/wdi/internal/app"
	"github.com/dkeye/wdi/internal/config"
	"github.com/dkeye/wdi/internal/discovery"
	"github.com/dkeye/wdi/internal/session"
	"github.com/pion/webrtc/v4"
)

const shutdownTimeout = 5 * time.Second

func main() {
	ctx, cancel := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	root := &cobra.Command{
		Use:          "wdi",
		Short:        "WebRTC stream push/pull signaling",
		SilenceUsage: true,
	}
	root.PersistentFlags().Bool("debug", false, "debug logging")
	root.PersistentPreRun = func(cmd *cobra.Command, _ []string) {
		if debug, _ := cmd.Flags().GetBool("debug"); debug {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
	}
	root.AddCommand(serveCmd(), pullCmd())

	if err := root.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("exit")
		os.Exit(1)
	}
}

// configFlags returns the command's local flags that map onto config keys.
func configFlags(cmd *cobra.Command) *pflag.FlagSet {
	fs := pflag.NewFlagSet(cmd.Name(), pflag.ContinueOnError)
	cmd.LocalFlags().VisitAll(func(f *pflag.Flag) {
		if f.Name != "help" {
			fs.AddFlag(f)
		}
	})
	return fs
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept sessions and relay pushed streams to pullers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFlags(cmd))
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().Int("port", 8080, "listen port")
	cmd.Flags().String("mode", "release", "gin mode: debug, release or test")
	cmd.Flags().Bool("discovery.enabled", false, "advertise over mDNS")
	cmd.Flags().String("discovery.instance", "wdi", "mDNS instance name")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	newTransport, err := rtc.NewFactory(rtc.WithICEServers(cfg.ICEServers...))
	if err != nil {
		return fmt.Errorf("webrtc api: %w", err)
	}
	opts := []app.RegistryOption{app.WithSessionOptions(session.WithGracePeriod(cfg.GracePeriod))}
	if cfg.RateLimit > 0 {
		opts = append(opts, app.WithLinkOptions(signal.WithRateLimit(signal.NewRateLimiter(cfg.RateLimit, time.Second))))
	}
	orch := app.NewOrchestrator(newTransport, opts...)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router.SetupRouter(cfg, orch),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("wdi server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	if cfg.Discovery.Enabled {
		adv := discovery.NewAdvertiser(discovery.AdvertiserConfig{
			Instance: cfg.Discovery.Instance,
			Port:     cfg.Port,
		})
		if err := adv.Start(); err != nil {
			log.Warn().Err(err).Str("module", "discovery").Msg("advertising disabled")
		} else {
			g.Go(func() error {
				<-ctx.Done()
				adv.Shutdown()
				return nil
			})
		}
	}
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := orch.Close(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("sessions did not close in time")
		}
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info().Msg("Server exited gracefully")
	return err
}

func pullCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull <stream-url>",
		Short: "Connect to a server and pull the stream published under stream-url",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFlags(cmd))
			if err != nil {
				return err
			}
			return pull(cmd.Context(), cfg, args[0])
		},
	}
	cmd.Flags().String("client.url", "", "signaling url; browsed over mDNS when empty")
	cmd.Flags().String("discovery.instance", "", "only accept this mDNS instance")
	return cmd
}

func pull(ctx context.Context, cfg *config.Config, streamURL string) error {
	url := cfg.Client.URL
	if url == "" {
		resolver, err := discovery.NewZeroconfResolver()
		if err != nil {
			return fmt.Errorf("mdns: %w", err)
		}
		findCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		ep, err := discovery.Find(findCtx, resolver, cfg.Discovery.Instance)
		cancel()
		if err != nil {
			return err
		}
		log.Info().Str("module", "discovery").Str("instance", ep.Instance).Str("url", ep.URL).Msg("found server")
		url = ep.URL
	}

	newTransport, err := rtc.NewFactory(rtc.WithICEServers(cfg.ICEServers...))
	if err != nil {
		return fmt.Errorf("webrtc api: %w", err)
	}
	client := session.NewClient(url,
		ws.Dialer(ws.WithPingPeriod(cfg.PingPeriod), ws.WithReadLimit(cfg.ReadLimit)),
		newTransport,
		session.WithBackoff(session.NewBackoff(cfg.Backoff.Floor, cfg.Backoff.Factor, cfg.Backoff.Cap)),
		session.WithSessionOptions(session.WithDataChannel(), session.WithGracePeriod(cfg.GracePeriod)),
	)
	client.OnStateChange(func(st webrtc.PeerConnectionState) {
		log.Info().Str("module", "client").Str("state", st.String()).Msg("transport state")
	})

	acquire := func() {
		rs, err := client.AcquireStreamURL(ctx, streamURL)
		if err != nil {
			log.Error().Err(err).Str("module", "client").Str("stream", streamURL).Msg("pull failed")
			return
		}
		log.Info().
			Str("module", "client").
			Str("stream", rs.ID()).
			Str("identity", rs.Identity().String()).
			Msg("pulling")
	}
	// every connection, including reconnects, pulls again
	client.OnConnected(func(*session.Session) { go acquire() })
	if err := client.Connect(ctx); err != nil {
		log.Warn().Err(err).Str("module", "client").Msg("first connect failed, retrying")
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return client.Disconnect(shutdownCtx)
}
