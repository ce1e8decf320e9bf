package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/chzchzchz/emgrx/rhx"
	"github.com/chzchzchz/emgrx/rhx/rhxtest"
)

var (
	commandAddr  string
	waveformAddr string
	spikeAddr    string
	spikeUV      float64
	sampleRate   float64
	stimType     bool
	restUV       float64
	flexUV       float64
	period       time.Duration
	duty         time.Duration
	seed         int64
)

var rootCmd = &cobra.Command{
	Use:   "rhxsim",
	Short: "Simulate an RHX controller streaming bursts of muscle activity",
	Run:   func(cmd *cobra.Command, args []string) { run() },
}

func init() {
	rootCmd.Flags().StringVar(&commandAddr, "command", "127.0.0.1:5000", "Command socket address")
	rootCmd.Flags().StringVar(&waveformAddr, "waveform", "127.0.0.1:5001", "Waveform socket address")
	rootCmd.Flags().StringVar(&spikeAddr, "spike", "", "Spike socket address, empty to disable")
	rootCmd.Flags().Float64Var(&spikeUV, "spike-uv", 100, "Spike threshold in microvolts")
	rootCmd.Flags().Float64VarP(&sampleRate, "sample-rate", "s", 30000, "Sample rate in Hz")
	rootCmd.Flags().BoolVar(&stimType, "stim", false, "Report a stim/record controller")
	rootCmd.Flags().Float64Var(&restUV, "rest", 10, "Rest noise amplitude in microvolts")
	rootCmd.Flags().Float64Var(&flexUV, "flex", 200, "Flex noise amplitude in microvolts")
	rootCmd.Flags().DurationVar(&period, "period", 4*time.Second, "Burst period")
	rootCmd.Flags().DurationVar(&duty, "duty", 2*time.Second, "Flexed part of each period")
	rootCmd.Flags().Int64Var(&seed, "seed", 1, "Noise seed")
}

func run() {
	cfg := rhxtest.Config{
		SampleRate: sampleRate,
		Type:       rhx.ControllerRecordUSB3,
		Signal:     rhxtest.Bursts(restUV, flexUV, period, duty, seed),
		SpikeUV:    spikeUV,
	}
	if stimType {
		cfg.Type = rhx.ControllerStimRecord
	}
	srv, err := rhxtest.Listen(cfg, rhx.Addrs{Command: commandAddr, Waveform: waveformAddr, Spike: spikeAddr})
	if err != nil {
		log.WithError(err).Fatal("listen")
	}
	defer srv.Close()
	log.WithFields(log.Fields{
		"command":  srv.Addrs().Command,
		"waveform": srv.Addrs().Waveform,
		"spike":    srv.Addrs().Spike,
		"type":     cfg.Type,
	}).Info("simulating controller")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()
	log.WithField("commands", len(srv.Commands())).Info("shutting down")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
