package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/tshcal/internal/calibration"
	"github.com/banshee-data/tshcal/internal/config"
	"github.com/banshee-data/tshcal/internal/fsutil"
	"github.com/banshee-data/tshcal/internal/monitor"
	"github.com/banshee-data/tshcal/internal/monitoring"
	"github.com/banshee-data/tshcal/internal/rig"
	"github.com/banshee-data/tshcal/internal/rig/esp"
	"github.com/banshee-data/tshcal/internal/timeutil"
	"github.com/banshee-data/tshcal/internal/tsh/network"
	"github.com/banshee-data/tshcal/internal/tsh/sim"
)

// LogFileName is written in the output directory next to the results.
const LogFileName = "tshcal.log"

// Simulated sensor behaviour in dev mode.
var (
	devPaced = true
	devNoise = 0.0005
)

// options carries the command-line overrides.
type options struct {
	sensorID, addr, outDir, port, start, listen string
	rate                                        float64
	dev, debug                                  bool
}

// settings is the validated result of config plus flags.
type settings struct {
	cfg      *config.CalibrationConfig
	sensorID string
	addr     string
	rate     float64
	outDir   string
	port     string
	start    time.Time
	listen   string
	dev      bool
	debug    bool
	prompter calibration.Prompter
}

// loadConfig reads path, or the defaults file when path is empty and the
// file exists. With neither, built-in defaults apply.
func loadConfig(path string, fsys fsutil.FileSystem) (*config.CalibrationConfig, error) {
	if path == "" {
		if _, err := fsys.Stat(config.DefaultConfigPath); err != nil {
			return config.EmptyCalibrationConfig(), nil
		}
		path = config.DefaultConfigPath
	}
	return config.LoadCalibrationConfig(path)
}

func resolveSettings(cfg *config.CalibrationConfig, o options, fsys fsutil.FileSystem, now time.Time) (settings, error) {
	s := settings{
		cfg:      cfg,
		sensorID: cfg.GetSensorID(),
		addr:     cfg.GetSensorAddr(),
		rate:     cfg.GetRate(),
		outDir:   cfg.GetOutDir(),
		port:     cfg.GetESPPort(),
		listen:   o.listen,
		dev:      o.dev,
		debug:    o.debug,
	}
	if o.sensorID != "" {
		s.sensorID = o.sensorID
	}
	if o.addr != "" {
		s.addr = o.addr
	}
	if o.rate != 0 {
		s.rate = o.rate
	}
	if o.outDir != "" {
		s.outDir = o.outDir
	}
	if o.port != "" {
		s.port = o.port
	}

	if err := config.ValidateSensorID(s.sensorID); err != nil {
		return s, err
	}
	if err := config.ValidateRate(s.rate); err != nil {
		return s, err
	}
	if !fsutil.IsDir(fsys, s.outDir) {
		return s, fmt.Errorf("output directory %q does not exist", s.outDir)
	}
	if o.start != "" {
		t, err := parseStartTime(o.start, now)
		if err != nil {
			return s, err
		}
		s.start = t
	}
	return s, nil
}

// parseStartTime accepts RFC3339 or a clock time today in now's location.
// Times already past are returned as is, and the run starts at once.
func parseStartTime(v string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	for _, layout := range []string{"15:04:05", "15:04"} {
		t, err := time.ParseInLocation(layout, v, now.Location())
		if err == nil {
			y, m, d := now.Date()
			return time.Date(y, m, d, t.Hour(), t.Minute(), t.Second(), 0, now.Location()), nil
		}
	}
	return time.Time{}, fmt.Errorf("start time %q must be HH:MM, HH:MM:SS or RFC3339", v)
}

// setupLogging tees the standard logger into <outDir>/tshcal.log and maps
// -v and -q onto the monitoring loggers.
func setupLogging(outDir string, verbose, quiet bool) (io.Closer, error) {
	f, err := os.OpenFile(filepath.Join(outDir, LogFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if verbose {
		monitoring.SetDebugLogger(func(format string, v ...interface{}) {
			log.Printf("DEBUG: "+format, v...)
		})
	}
	if quiet {
		monitoring.SetLogger(nil)
	}
	return f, nil
}

// exitCode is 0 on success, 2 when the sensor never produced the quick
// summary and 1 for every other failure.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, calibration.ErrQuickSummaryTimeout):
		return 2
	default:
		return 1
	}
}

func run(ctx context.Context, s settings) error {
	hub := monitor.NewHub()
	defer hub.Close()

	var ctrl rig.Controller
	var commander monitor.Commander
	addr := s.addr
	if s.dev {
		simRig := rig.NewSimController()
		srv, err := sim.NewServer(sim.Config{
			SensorID:    s.sensorID,
			Rate:        s.rate,
			Source:      func() [3]float64 { return simRig.Orientation().Gravity() },
			Noise:       devNoise,
			SplitWrites: 100,
			Paced:       devPaced,
		})
		if err != nil {
			return err
		}
		if addr, err = srv.Listen("127.0.0.1:0"); err != nil {
			return err
		}
		defer srv.Close()
		ctrl = simRig
		log.Printf("Dev mode: simulated rig and sensor at %s", addr)
	} else {
		espCtrl, err := esp.Open(s.port, esp.PortOptions{BaudRate: s.cfg.GetESPBaudRate()},
			esp.Config{PollInterval: s.cfg.GetPollInterval()})
		if err != nil {
			return err
		}
		ctrl, commander = espCtrl, espCtrl
	}
	defer ctrl.Close()

	if s.listen != "" {
		mux := http.NewServeMux()
		hub.AttachAdminRoutes(mux, commander)
		server := &http.Server{Addr: s.listen, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				monitoring.Warnf("debug server on %s: %v", s.listen, err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("HTTP server shutdown error: %v", err)
				server.Close()
			}
		}()
		log.Printf("Calibration progress at http://%s/debug/calibration", s.listen)
	}

	stats := network.NewStreamStats()
	sensor := network.NewSensor(network.SensorConfig{
		Addr:     addr,
		SensorID: s.sensorID,
		Rate:     s.rate,
		Stats:    stats,
	})

	mover := rig.NewMover(ctrl, timeutil.RealClock{}, s.cfg.MoveConfig())
	mover.OnMove = hub.RecordMove

	seq := calibration.NewSequencer(mover, sensor, fsutil.OSFileSystem{}, calibration.Config{
		OutDir:        s.outDir,
		Statistic:     s.cfg.GetStatistic(),
		SearchCapture: s.cfg.GetSearchCapture(),
		RecordCapture: s.cfg.GetRecordCapture(),
		QuickSummary:  s.cfg.GetQuickSummary(),
		MinWidth:      s.cfg.GetMinWidth(),
		MaxIters:      s.cfg.GetMaxIters(),
		StartAt:       s.cfg.GetStartAt(),
		StartTime:     s.start,
		Debug:         s.debug,
	})
	if s.prompter != nil {
		seq.Prompter = s.prompter
	}
	seq.OnEval = hub.RecordEval
	seq.OnTitle = hub.SetTitle
	hub.SetRunID(seq.RunID())

	_, err := seq.Run(ctx)
	stats.LogStats()
	log.Printf("Run record: %s", seq.RecordPath())
	return err
}
