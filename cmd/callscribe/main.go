package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harunnryd/callscribe/pkg/callscribe"
	"github.com/harunnryd/callscribe/pkg/runner"
	"github.com/harunnryd/callscribe/pkg/transports"
)

var rootCmd = &cobra.Command{
	Use:           "callscribe",
	Short:         "Live transcription of Twilio media streams",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept calls and transcribe their audio",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		noBanner, _ := cmd.Flags().GetBool("no-banner")
		engine, err := callscribe.NewEngine(ctx, callscribe.EngineOptions{
			Config: cfg,
			Banner: !noBanner,
		})
		if err != nil {
			return err
		}
		return engine.Run(ctx)
	},
}

var dialCmd = &cobra.Command{
	Use:   "dial",
	Short: "Place an outbound call that streams back to this service",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		to, _ := cmd.Flags().GetString("to")
		from, _ := cmd.Flags().GetString("from")
		url, _ := cmd.Flags().GetString("url")
		digits, _ := cmd.Flags().GetString("send-digits")
		inline, _ := cmd.Flags().GetBool("inline-stream")
		ring, _ := cmd.Flags().GetInt("ring-timeout")
		if to == "" || from == "" {
			return fmt.Errorf("--to and --from are required")
		}
		callSID, err := callscribe.Dial(cmd.Context(), cfg, nil, to, from, url, transports.DialOptions{
			SendDigits:     digits,
			InlineStream:   inline,
			RingTimeoutSec: ring,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "call_sid:", callSID)
		return nil
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Transcribe a captured media stream (one JSON message per line)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		path, _ := cmd.Flags().GetString("file")
		in := os.Stdin
		if path != "" && path != "-" {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		cs, err := callscribe.Replay(ctx, callscribe.EngineOptions{Config: cfg}, in)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "stream closed: %d %s\n", cs.Code, cs.Reason)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), runner.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "configs/callscribe.yaml", "Path to the YAML config file")
	serveCmd.Flags().Bool("no-banner", false, "Skip the startup banner")
	dialCmd.Flags().String("to", "", "Number to call")
	dialCmd.Flags().String("from", "", "Caller ID")
	dialCmd.Flags().String("url", "", "Call-setup webhook URL (defaults to the configured public voice URL)")
	replayCmd.Flags().String("file", "-", "Capture file, or - for stdin")
	dialCmd.Flags().String("send-digits", "", "DTMF digits to play once the call connects")
	dialCmd.Flags().Bool("inline-stream", false, "send the stream TwiML with the call instead of using the voice webhook")
	dialCmd.Flags().Int("ring-timeout", 0, "seconds to ring before giving up (0 = Twilio default)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(dialCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig(cmd *cobra.Command) (callscribe.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return callscribe.LoadConfig(path)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
