package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/harunnryd/callorch/pkg/api"
	"github.com/harunnryd/callorch/pkg/config"
	"github.com/harunnryd/callorch/pkg/logging"
	"github.com/harunnryd/callorch/pkg/redact"
	"github.com/harunnryd/callorch/pkg/runner"
	"github.com/harunnryd/callorch/pkg/transports"
	"github.com/harunnryd/callorch/pkg/transports/twilio"
)

var newDialer = func(cfg twilio.Config) transports.OutboundDialer {
	return twilio.NewDialer(cfg)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:          "callorch",
		Short:        "AI telephony call session orchestrator",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file path")

	root.AddCommand(serveCmd(&cfgPath), callCmd(&cfgPath))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "callorch", runner.Version)
		},
	})
	return root
}

func loadConfig(path string) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := logging.InitLogger(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	redact.SetEnabled(cfg.Log.RedactPII)
	return cfg, logger, nil
}

func serveCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve Twilio webhooks, media streams and the operator API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			return runner.Serve(cmd.Context(), cfg, logger)
		},
	}
}

func callCmd(cfgPath *string) *cobra.Command {
	var (
		to, from, chatbot, customer string
		meta                        []string
		timeout                     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "call",
		Short: "Dial one outbound call carrying dispatch metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !api.ValidPhone(to) {
				return fmt.Errorf("--to must be an E.164 number, got %q", to)
			}
			if from != "" && !api.ValidPhone(from) {
				return fmt.Errorf("--from must be an E.164 number, got %q", from)
			}
			if strings.TrimSpace(chatbot) == "" {
				return fmt.Errorf("--chatbot is required")
			}
			extra, err := parseMeta(meta)
			if err != nil {
				return err
			}
			cfg, logger, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}

			dispatchID := uuid.NewString()
			dispatch := api.BuildDispatch(dispatchID, api.DispatchRequest{
				To:         to,
				From:       from,
				ChatbotID:  chatbot,
				CustomerID: customer,
				Metadata:   extra,
			})
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			callSID, err := newDialer(cfg.Twilio).Dial(ctx, to, from, dispatch)
			if err != nil {
				return fmt.Errorf("dial: %w", err)
			}
			logger.Info("dispatch_created", "dispatch_id", dispatchID, "call_sid", callSID, "chatbot_id", chatbot)
			fmt.Fprintf(cmd.OutOrStdout(), "dispatch_id: %s\ncall_sid: %s\n", dispatchID, callSID)
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "destination number in E.164 form")
	cmd.Flags().StringVar(&from, "from", "", "caller id in E.164 form (default twilio.caller_id)")
	cmd.Flags().StringVar(&chatbot, "chatbot", "", "chatbot id to run on the call")
	cmd.Flags().StringVar(&customer, "customer", "", "customer id to bill")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "dispatch metadata as key=value, repeatable")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "dial timeout")
	return cmd
}

func parseMeta(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("--meta expects key=value, got %q", p)
		}
		out[k] = v
	}
	return out, nil
}
