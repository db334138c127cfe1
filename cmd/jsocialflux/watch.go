package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	jsocialflux "github.com/BevzyukIvan/JSocialFlux"
)

var (
	watchMetricsAddr string
	watchHeartbeat   time.Duration
	watchMaxQueue    int
	watchChats       []int64
	watchPreviews    bool
)

var watchCmd = &cobra.Command{
	Use:   "watch [channel...]",
	Short: "Stream realtime events",
	Long: `Open a realtime connection, subscribe to channels and print every event.

Channels can be given raw ("chat:42", "user:alice:preview") or via --chat and
--previews. Send SIGCONT to force a heartbeat ping.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, client := mustClient()
		log := newLogger(logLevel)

		channels := append([]string(nil), args...)
		for _, id := range watchChats {
			channels = append(channels, jsocialflux.ChatChannel(id))
		}
		if watchPreviews {
			if cfg.Auth.Username == "" {
				return fmt.Errorf("--previews requires a logged in user (run: jsocialflux login <username>)")
			}
			channels = append(channels, jsocialflux.PreviewChannel(cfg.Auth.Username))
		}
		if len(channels) == 0 {
			return fmt.Errorf("no channels given")
		}

		opts := []jsocialflux.RealtimeOption{jsocialflux.WithLogger(log)}
		if watchMetricsAddr != "" {
			registry := prometheus.NewRegistry()
			opts = append(opts, jsocialflux.WithMetrics(jsocialflux.NewRealtimeMetrics(registry)))

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			srv := &http.Server{Addr: watchMetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Str("addr", watchMetricsAddr).Msg("metrics server failed")
				}
			}()
			defer srv.Close()
			log.Info().Str("addr", watchMetricsAddr).Msg("serving metrics")
		}

		rtConfig := &jsocialflux.RealtimeConfig{
			HeartbeatInterval: watchHeartbeat,
			MaxQueueSize:      watchMaxQueue,
		}
		rt := client.NewRealtime(cfg.Default.WSURL, rtConfig, opts...)
		defer rt.Close()

		off := rt.OnMessage(func(ev jsocialflux.Event) {
			if jsonOutput {
				_ = printJSON(eventJSON(ev))
				return
			}
			fmt.Println(describeEvent(ev))
		})
		defer off()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		for _, ch := range channels {
			if err := rt.Subscribe(ctx, ch); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("subscribe %s: %w", ch, err)
			}
			log.Info().Str("channel", ch).Msg("subscribed")
		}

		visible := make(chan os.Signal, 1)
		signal.Notify(visible, syscall.SIGCONT)
		defer signal.Stop(visible)

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-visible:
				rt.NotifyVisible()
			}
		}
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9102)")
	watchCmd.Flags().DurationVar(&watchHeartbeat, "heartbeat", 25*time.Second, "Heartbeat ping interval")
	watchCmd.Flags().IntVar(&watchMaxQueue, "max-queue", 0, "Maximum queued outbound frames (0 = unbounded)")
	watchCmd.Flags().Int64SliceVar(&watchChats, "chat", nil, "Chat id to follow (repeatable)")
	watchCmd.Flags().BoolVar(&watchPreviews, "previews", false, "Follow the logged in user's chat previews")
	rootCmd.AddCommand(watchCmd)
}

func describeEvent(ev jsocialflux.Event) string {
	switch e := ev.(type) {
	case jsocialflux.ChatMessageEvent:
		return fmt.Sprintf("message  chat=%d id=%d %s: %s", e.Message.ChatID, e.Message.ID, e.Message.SenderUsername, e.Message.Content)
	case jsocialflux.MessageDeletedEvent:
		return fmt.Sprintf("deleted  chat=%d id=%d", e.ChatID, e.MessageID)
	case jsocialflux.ChatPreviewEvent:
		return fmt.Sprintf("preview  chat=%d %s: %s", e.ChatID, deref(e.DisplayName), deref(e.LastMessage))
	case jsocialflux.SubscriptionAckEvent:
		return "ack      " + e.Channel
	case jsocialflux.PongEvent:
		return "pong"
	case jsocialflux.KeepAliveEvent:
		return "keepalive"
	case jsocialflux.NumberEvent:
		return fmt.Sprintf("number   %v", e.Value)
	case jsocialflux.TextEvent:
		return "text     " + e.Text
	case jsocialflux.UnrecognizedEvent:
		return "unknown  " + string(e.Raw)
	}
	return fmt.Sprintf("%T", ev)
}

func eventJSON(ev jsocialflux.Event) map[string]any {
	return map[string]any{
		"kind":  fmt.Sprintf("%T", ev),
		"event": ev,
	}
}
