package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/chzchzchz/emgrx/config"
	"github.com/chzchzchz/emgrx/features"
	"github.com/chzchzchz/emgrx/flex"
	"github.com/chzchzchz/emgrx/http"
	"github.com/chzchzchz/emgrx/rhx"
	"github.com/chzchzchz/emgrx/sink"
	"github.com/chzchzchz/emgrx/store"
)

var rootCmd = &cobra.Command{
	Use:   "emgrx",
	Short: "Flex detection from Intan RHX controllers.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			log.SetLevel(log.DebugLevel)
		}
	},
}

var (
	configPath  string
	verbose     bool
	armFlags    []string
	recalibrate bool
	rounds      int
	seconds     float64
	label       string
	diskDir     string
	diskBase    string
	stimUA      int
	stimUS      int
	stimSource  string
	stimKey     string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "KEY=VALUE config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
	rootCmd.PersistentFlags().StringSliceVarP(&armFlags, "arm", "a", nil, "Arms to use (default all configured)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Calibrate if needed, then stream flex detections to the sinks",
		Run:   func(cmd *cobra.Command, args []string) { must(run()) },
	}
	runCmd.Flags().BoolVar(&recalibrate, "recalibrate", false, "Ignore stored calibrations")
	runCmd.Flags().IntVarP(&rounds, "rounds", "n", 0, "Stop after this many rounds (0 uses ROUNDS)")
	rootCmd.AddCommand(runCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "calibrate",
		Short: "Measure rest and flex levels and store the thresholds",
		Run:   func(cmd *cobra.Command, args []string) { must(calibrate()) },
	})

	recordCmd := &cobra.Command{
		Use:   "record",
		Short: "Record a waveform window of each arm to a wav file",
		Run:   func(cmd *cobra.Command, args []string) { must(record()) },
	}
	recordCmd.Flags().Float64VarP(&seconds, "seconds", "s", 1, "Window length")
	recordCmd.Flags().StringVarP(&label, "label", "l", "window", "File label")
	rootCmd.AddCommand(recordCmd)

	diskCmd := &cobra.Command{
		Use:   "disk",
		Short: "Have each controller record to its own disk",
		Run:   func(cmd *cobra.Command, args []string) { must(disk()) },
	}
	diskCmd.Flags().Float64VarP(&seconds, "seconds", "s", 10, "Recording length")
	diskCmd.Flags().StringVar(&diskDir, "dir", "", "Directory on the controller host")
	diskCmd.Flags().StringVar(&diskBase, "base", "emgrx", "Base filename")
	rootCmd.AddCommand(diskCmd)

	stimCmd := &cobra.Command{
		Use:   "stim",
		Short: "Configure, upload, and trigger stimulation on stim controllers",
		Run:   func(cmd *cobra.Command, args []string) { must(stim()) },
	}
	stimCmd.Flags().IntVar(&stimUA, "amplitude", 10, "First phase amplitude in microamps")
	stimCmd.Flags().IntVar(&stimUS, "duration", 200, "First phase duration in microseconds")
	stimCmd.Flags().StringVar(&stimSource, "source", "keypressf1", "Trigger source")
	stimCmd.Flags().StringVar(&stimKey, "trigger", "f1", "Manual trigger key, empty to only upload")
	rootCmd.AddCommand(stimCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "info",
		Short: "Print controller type, sample rate, and run mode of each arm",
		Run:   func(cmd *cobra.Command, args []string) { must(info()) },
	})

	spikesCmd := &cobra.Command{
		Use:   "spikes",
		Short: "Count threshold spikes on each arm over a window",
		Run:   func(cmd *cobra.Command, args []string) { must(spikes()) },
	}
	spikesCmd.Flags().Float64VarP(&seconds, "seconds", "s", 1, "Window length")
	rootCmd.AddCommand(spikesCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "recordings",
		Short: "List stored windows with their feature values",
		Run:   func(cmd *cobra.Command, args []string) { must(recordings()) },
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "calibrations",
		Short: "Export stored calibrations as csv",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			must(loadCalibrations(cfg).ExportCSV(os.Stdout))
		},
	})
}

func must(err error) {
	if err != nil {
		log.WithError(err).Fatal("emgrx")
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	must(err)
	return cfg
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func secondsDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func run() error {
	cfg := loadConfig()
	ctx, cancel := signalContext()
	defer cancel()

	runID := uuid.NewString()
	log.WithField("run", runID).Info("starting")

	as, err := openArms(ctx, cfg)
	if err != nil {
		return err
	}
	defer as.Close()
	if err := setup(ctx, cfg, as, loadCalibrations(cfg), recalibrate); err != nil {
		return err
	}

	coord, err := flex.NewCoordinator(cfg.Window, as.sessions()...)
	if err != nil {
		return err
	}
	coord.Interval = cfg.PollInterval
	coord.MaxRounds = cfg.Rounds
	if rounds > 0 {
		coord.MaxRounds = rounds
	}
	if coord.Policy, err = flex.ParseErrorPolicy(cfg.ErrorPolicy); err != nil {
		return err
	}

	bits := cfg.Bits()
	var sinks sink.Multi
	if cfg.ControlFile != "" {
		sinks = append(sinks, sink.NewControlFile(cfg.ControlFile, cfg.ControlOrder))
	}
	if cfg.BitmaskFile != "" {
		sinks = append(sinks, &sink.BitmaskFile{Path: cfg.BitmaskFile, Bits: bits})
	}
	if cfg.MQTTBroker != "" {
		m, err := sink.NewMQTT(cfg.MQTTBroker, cfg.MQTTClientID, cfg.MQTTTopic, runID, bits)
		if err != nil {
			return err
		}
		defer m.Close()
		sinks = append(sinks, m)
	}
	if cfg.HTTPAddr != "" {
		mon := http.NewMonitor(runID, bits, as.sessions()...)
		go func() {
			log.WithField("addr", cfg.HTTPAddr).Info("serving status")
			if err := http.ServeHttp(mon, cfg.HTTPAddr); err != nil {
				log.WithError(err).Error("http")
			}
		}()
		sinks = append(sinks, mon)
	}
	sinks = append(sinks, flex.SinkFunc(func(_ context.Context, r flex.Round) error {
		log.WithFields(log.Fields{
			"round": r.Seq,
			"mask":  fmt.Sprintf("0x%02x", flex.Bitmask(r, bits)),
		}).Debug(flex.CSVLine(r, cfg.ControlOrder))
		return nil
	}))
	return coord.Run(ctx, sinks)
}

func calibrate() error {
	cfg := loadConfig()
	ctx, cancel := signalContext()
	defer cancel()
	as, err := openArms(ctx, cfg)
	if err != nil {
		return err
	}
	defer as.Close()
	cs := loadCalibrations(cfg)
	if err := setup(ctx, cfg, as, cs, true); err != nil {
		return err
	}
	return cs.ExportCSV(os.Stdout)
}

func record() error {
	cfg := loadConfig()
	if cfg.RecordDir == "" {
		cfg.RecordDir = "recordings"
	}
	ctx, cancel := signalContext()
	defer cancel()
	rs, err := store.NewRecordingStore(cfg.RecordDir)
	if err != nil {
		return err
	}
	as, err := openArms(ctx, cfg)
	if err != nil {
		return err
	}
	defer as.Close()
	for _, a := range as {
		rate, err := a.acq.Configure(a.cfg.Channel)
		if err != nil {
			return err
		}
		w, err := a.acq.RecordAndRead(ctx, secondsDuration(seconds))
		if err != nil {
			return err
		}
		path, err := rs.WriteWaveform(a.cfg.Name, label, w, rate)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d samples -> %s\n", a.cfg.Name, w.Len(), path)
	}
	return nil
}

func spikes() error {
	cfg := loadConfig()
	ctx, cancel := signalContext()
	defer cancel()
	as, err := openArms(ctx, cfg)
	if err != nil {
		return err
	}
	defer as.Close()
	for _, a := range as {
		if a.acq.Spikes == nil {
			return fmt.Errorf("%s: no spike address configured", a.cfg.Name)
		}
		if _, err := a.acq.Configure(a.cfg.Channel); err != nil {
			return err
		}
		if _, err := a.acq.RecordAndRead(ctx, secondsDuration(seconds)); err != nil {
			return err
		}
		sps, err := a.acq.ReadSpikes()
		if err != nil {
			return err
		}
		perChannel := make(map[string]int)
		for _, sp := range sps {
			perChannel[sp.Channel]++
		}
		fmt.Printf("%s: %d spikes %v\n", a.cfg.Name, len(sps), perChannel)
	}
	return nil
}

func recordings() error {
	cfg := loadConfig()
	if cfg.RecordDir == "" {
		cfg.RecordDir = "recordings"
	}
	rs, err := store.NewRecordingStore(cfg.RecordDir)
	if err != nil {
		return err
	}
	for _, name := range armNames(cfg) {
		recs, err := rs.Recordings(name)
		if err != nil {
			return err
		}
		ext, err := newExtractor(cfg)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			w, rate, err := rs.ReadWaveform(rec.Path)
			if err != nil {
				log.WithError(err).WithField("path", rec.Path).Warn("skipping recording")
				continue
			}
			if ra, ok := ext.(features.RateAware); ok {
				ra.SetSampleRate(rate)
			}
			fmt.Printf("%s\t%s\t%s\t%.3fs\t%s=%.2f\t%s\n",
				name, rec.Date.Format(time.RFC3339), rec.Label,
				float64(w.Len())/rate, ext.Name(), ext.Extract(w.Channel(0)), rec.Path)
		}
	}
	return nil
}

func disk() error {
	cfg := loadConfig()
	ctx, cancel := signalContext()
	defer cancel()
	as, err := openArms(ctx, cfg)
	if err != nil {
		return err
	}
	defer as.Close()
	for _, a := range as {
		if err := a.acq.StopIfRunning(); err != nil {
			return err
		}
		t, err := a.acq.Type()
		if err != nil {
			return err
		}
		if diskDir != "" {
			if err := a.acq.SetRecordTarget(diskDir, diskBase); err != nil {
				return err
			}
		}
		log.WithFields(log.Fields{"arm": a.cfg.Name, "file": diskBase + t.FileSuffix()}).Info("recording")
		if err := a.acq.RecordToDisk(ctx, secondsDuration(seconds)); err != nil {
			return err
		}
	}
	return nil
}

func stim() error {
	cfg := loadConfig()
	ctx, cancel := signalContext()
	defer cancel()
	as, err := openArms(ctx, cfg)
	if err != nil {
		return err
	}
	defer as.Close()
	p := rhx.StimParams{AmplitudeMicroamps: stimUA, DurationMicroseconds: stimUS, Source: stimSource}
	for _, a := range as {
		if err := a.acq.StopIfRunning(); err != nil {
			return err
		}
		if err := a.acq.ConfigureStim(a.cfg.Channel, p); err != nil {
			return fmt.Errorf("%s: %w", a.cfg.Name, err)
		}
		if err := a.acq.UploadStim(a.cfg.Channel); err != nil {
			return err
		}
		if stimKey != "" {
			if err := a.acq.TriggerStim(stimKey); err != nil {
				return err
			}
		}
	}
	return nil
}

func info() error {
	cfg := loadConfig()
	ctx, cancel := signalContext()
	defer cancel()
	as, err := openArms(ctx, cfg)
	if err != nil {
		return err
	}
	defer as.Close()
	for _, a := range as {
		t, err := a.acq.Type()
		if err != nil {
			return err
		}
		rate, err := a.acq.SampleRate()
		if err != nil {
			return err
		}
		mode, err := a.acq.RunMode()
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\t%s\t%.0fHz\t%s\tbit 0x%02x\n",
			a.cfg.Name, a.acq.Addrs().Command, t, rate, mode, a.cfg.Bit)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
