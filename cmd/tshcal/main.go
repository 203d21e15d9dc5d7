// Command tshcal calibrates a TSH-ES accelerometer on the three-axis rig.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/tshcal/internal/calibration"
	"github.com/banshee-data/tshcal/internal/config"
	"github.com/banshee-data/tshcal/internal/fsutil"
	"github.com/banshee-data/tshcal/internal/version"
)

var (
	configPath  = flag.String("config", "", "Calibration config JSON (defaults to "+config.DefaultConfigPath+" when present)")
	sensorID    = flag.String("sensor", "", "Sensor id such as es13 (overrides config)")
	sensorAddr  = flag.String("addr", "", "Sensor data stream host:port (overrides config)")
	rate        = flag.Float64("rate", 0, "Sample rate in sa/sec, 1 to 999 (overrides config)")
	outDir      = flag.String("outdir", "", "Existing output directory (overrides config)")
	espPort     = flag.String("port", "", "ESP301 serial device (overrides config; ignored in dev mode)")
	devMode     = flag.Bool("dev", false, "Run against the simulated rig and sensor")
	debugMode   = flag.Bool("debug", false, "Ask before every rig move")
	startAt     = flag.String("start", "", "Start time, HH:MM[:SS] today or RFC3339")
	listen      = flag.String("listen", "", "Serve /debug/ progress pages on this address, e.g. localhost:8080")
	verbose     = flag.Bool("v", false, "Verbose logging")
	quiet       = flag.Bool("q", false, "Log warnings and errors only")
	showVersion = flag.Bool("version", false, "Print the version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig(*configPath, fsutil.OSFileSystem{})
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	s, err := resolveSettings(cfg, options{
		sensorID: *sensorID,
		addr:     *sensorAddr,
		rate:     *rate,
		outDir:   *outDir,
		port:     *espPort,
		start:    *startAt,
		listen:   *listen,
		dev:      *devMode,
		debug:    *debugMode,
	}, fsutil.OSFileSystem{}, time.Now())
	if err != nil {
		log.Fatalf("invalid arguments: %v", err)
	}

	logFile, err := setupLogging(s.outDir, *verbose, *quiet)
	if err != nil {
		log.Fatalf("failed to set up logging: %v", err)
	}

	log.Print(version.String())

	if s.dev && !s.debug {
		s.prompter = calibration.AutoPrompter{Accept: true}
	} else {
		s.prompter = calibration.NewLinePrompter(os.Stdin, os.Stdout)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, s)
	stop()

	if err != nil {
		var se *calibration.StepError
		if errors.As(err, &se) {
			log.Printf("FATAL at rough home %s axis %q: %v", se.Home, se.Axis, se.Err)
		} else {
			log.Printf("FATAL: %v", err)
		}
	}
	logFile.Close()
	os.Exit(exitCode(err))
}
