// Command collector records synchronized multi-sensor calibration datasets.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/calibration.collector/internal/api"
	"github.com/banshee-data/calibration.collector/internal/version"
)

var (
	configPath  = flag.String("config", "calibration.yaml", "Calibration config file (YAML)")
	outputDir   = flag.String("output", "calibration_data", "Dataset output directory")
	backupDir   = flag.String("backup-dir", "", "Where an existing output directory is moved (default: its parent)")
	listen      = flag.String("listen", ":8090", "HTTP API listen address (empty to disable)")
	udpAddr     = flag.String("udp", "", "UDP address receiving message envelopes")
	replayPath  = flag.String("replay", "", "JSON-lines recording of message envelopes to replay")
	realtime    = flag.Bool("realtime", false, "Pace -replay by the recorded receive times")
	staticTF    = flag.String("static-tf", "", "YAML file of static transforms")
	dbPath      = flag.String("db", "capture_attempts.db", "SQLite journal of capture attempts (empty to disable)")
	stdin       = flag.Bool("stdin", true, "Capture on each line read from standard input")
	trigger     = flag.String("trigger", "", "Trigger one capture on a running collector at this URL and exit")
	versionFlag = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Println(version.String())
		return
	}

	if *trigger != "" {
		os.Exit(runTrigger(*trigger))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := newApp(options{
		ConfigPath: *configPath,
		Output:     *outputDir,
		BackupDir:  *backupDir,
		Listen:     *listen,
		UDPAddr:    *udpAddr,
		ReplayPath: *replayPath,
		Realtime:   *realtime,
		StaticTF:   *staticTF,
		DBPath:     *dbPath,
	})
	if err := a.setup(ctx); err != nil {
		log.Fatalf("setup failed: %v", err)
	}
	log.Printf("collector %s ready: %d sensors, writing to %s", version.Version, a.registry.Len(), a.store.Path())

	if *listen != "" {
		h, err := a.handler()
		if err != nil {
			log.Fatalf("failed to create API server: %v", err)
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.serve(ctx, h)
		}()
	}

	if *stdin {
		quit, err := a.readTriggers(ctx, os.Stdin, os.Stdout)
		if err != nil && err != context.Canceled {
			log.Printf("reading triggers: %v", err)
		}
		if quit {
			stop()
		}
	}

	<-ctx.Done()
	a.close()
	log.Printf("collected %d collections into %s", a.store.Len(), a.store.Path())
}

func runTrigger(url string) int {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	res, err := api.NewClient(url, nil).Capture(ctx)
	printResult(os.Stdout, res, err)
	if err != nil {
		return 1
	}
	return 0
}
