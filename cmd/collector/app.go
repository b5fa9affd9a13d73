package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/calibration.collector/internal/api"
	"github.com/banshee-data/calibration.collector/internal/bus"
	"github.com/banshee-data/calibration.collector/internal/collector"
	"github.com/banshee-data/calibration.collector/internal/config"
	"github.com/banshee-data/calibration.collector/internal/dataset"
	"github.com/banshee-data/calibration.collector/internal/db"
	"github.com/banshee-data/calibration.collector/internal/fsutil"
	"github.com/banshee-data/calibration.collector/internal/ingest"
	"github.com/banshee-data/calibration.collector/internal/kinematics"
	"github.com/banshee-data/calibration.collector/internal/labeler"
	"github.com/banshee-data/calibration.collector/internal/monitoring"
	"github.com/banshee-data/calibration.collector/internal/sensor"
	"github.com/banshee-data/calibration.collector/internal/tf"
	"github.com/banshee-data/calibration.collector/internal/timeutil"
)

// options are the process flags.
type options struct {
	ConfigPath string
	Output     string
	BackupDir  string
	Listen     string
	UDPAddr    string
	ReplayPath string
	Realtime   bool
	StaticTF   string
	DBPath     string
}

// app owns every component of a collection run. setup builds them in
// dependency order; nothing is global.
type app struct {
	opts  options
	fs    fsutil.FileSystem
	clock timeutil.Clock

	cfg        *config.CalibrationConfig
	hub        *bus.Hub
	transforms *tf.Buffer
	dispatcher *ingest.Dispatcher
	registry   *sensor.Registry
	labelers   map[string]*labeler.Labeler
	edges      []kinematics.Edge
	store      *dataset.Store
	db         *db.DB
	runID      string
	collector  *collector.Collector

	wg sync.WaitGroup
}

func newApp(opts options) *app {
	return &app{
		opts:  opts,
		fs:    fsutil.OSFileSystem{},
		clock: timeutil.RealClock{},
	}
}

// setup loads the configuration, starts ingest and the labelers, and
// registers every sensor. Background work stops when ctx is done.
func (a *app) setup(ctx context.Context) error {
	cfg, err := config.LoadCalibrationConfig(a.opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load calibration config: %w", err)
	}
	a.cfg = cfg
	if cfg.MaxDurationBetweenMsgs == nil {
		monitoring.Warnf("max_duration_between_msgs missing from %s, using %v", a.opts.ConfigPath, cfg.GetMaxDurationBetweenMsgs())
	}

	if _, err := dataset.PrepareOutputDir(a.fs, a.clock, a.opts.Output, a.opts.BackupDir); err != nil {
		return fmt.Errorf("prepare output directory: %w", err)
	}

	a.hub = bus.NewHub(a.clock)
	a.transforms = tf.NewBuffer(a.clock, 0)
	if a.opts.StaticTF != "" {
		n, err := tf.LoadStatic(a.opts.StaticTF, a.transforms)
		if err != nil {
			return fmt.Errorf("load static transforms: %w", err)
		}
		monitoring.Logf("loaded %d static transforms from %s", n, a.opts.StaticTF)
	}

	a.dispatcher = ingest.NewDispatcher(a.hub, a.transforms)
	if err := a.startIngest(ctx); err != nil {
		return err
	}

	if err := a.registerSensors(ctx); err != nil {
		return err
	}

	a.edges = kinematics.Discover(ctx, a.transforms, cfg.WorldLink, cfg.GetDiscoveryTimeout()).Edges()
	monitoring.Logf("discovered %d transform edges below %s", len(a.edges), cfg.WorldLink)

	a.store = dataset.NewStore(a.fs, a.opts.Output, dataset.New(a.registry.Descriptors(), cfg.Raw))
	if err := a.store.Persist(); err != nil {
		return err
	}

	var journal collector.Journal
	if a.opts.DBPath != "" {
		database, err := db.NewDB(a.opts.DBPath)
		if err != nil {
			return fmt.Errorf("open attempt journal: %w", err)
		}
		a.db = database
		a.runID = uuid.NewString()
		journal = database.Journal(a.runID)
		monitoring.Logf("recording capture attempts for run %s in %s", a.runID, a.opts.DBPath)
	}

	labelers := make(map[string]collector.Labeler, len(a.labelers))
	for name, l := range a.labelers {
		labelers[name] = l
	}
	a.collector, err = collector.New(collector.Options{
		Sensors:                a.registry,
		Labelers:               labelers,
		Edges:                  a.edges,
		Transforms:             a.transforms,
		Store:                  a.store,
		Journal:                journal,
		Clock:                  a.clock,
		MaxDurationBetweenMsgs: cfg.GetMaxDurationBetweenMsgs(),
		TransformTimeout:       cfg.GetTransformTimeout(),
	})
	return err
}

func (a *app) startIngest(ctx context.Context) error {
	if a.opts.UDPAddr != "" {
		l := ingest.NewUDPListener(ingest.UDPListenerConfig{
			Address:    a.opts.UDPAddr,
			RcvBuf:     4 << 20,
			Dispatcher: a.dispatcher,
		})
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := l.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				monitoring.Errorf("UDP listener: %v", err)
			}
		}()
	}

	if a.opts.ReplayPath != "" {
		if !a.fs.Exists(a.opts.ReplayPath) {
			return fmt.Errorf("replay file %s does not exist", a.opts.ReplayPath)
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			_, err := ingest.ReplayFile(ctx, a.fs, a.opts.ReplayPath, a.dispatcher, ingest.ReplayOptions{
				Realtime: a.opts.Realtime,
				Clock:    a.clock,
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				monitoring.Errorf("replay: %v", err)
			}
		}()
	}
	return nil
}

// registerSensors registers the configured sensors in lock order and
// starts one labeler per sensor.
func (a *app) registerSensors(ctx context.Context) error {
	a.registry = sensor.NewRegistry(a.cfg.WorldLink, a.hub, a.transforms, sensor.Timeouts{
		Message: a.cfg.GetMessageTimeout(),
		Chain:   a.cfg.GetChainTimeout(),
	})
	a.labelers = make(map[string]*labeler.Labeler, len(a.cfg.Sensors))

	for _, name := range a.cfg.SensorNames() {
		d, err := a.registry.Register(ctx, name, a.cfg.Sensors[name])
		if err != nil {
			return fmt.Errorf("register sensor %s: %w", name, err)
		}

		l := labeler.New(name, d.Topic, nil)
		l.Attach(a.hub)
		a.labelers[name] = l
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			l.Run(ctx, a.hub)
		}()
	}
	return nil
}

// handler mounts the API and the admin pages.
func (a *app) handler() (http.Handler, error) {
	srv, err := api.NewServer(api.Options{
		Collector:              a.collector,
		Store:                  a.store,
		Labelers:               a.labelers,
		Edges:                  a.edges,
		Transforms:             a.transforms,
		Attempts:               a.attemptLister(),
		RunID:                  a.runID,
		MaxDurationBetweenMsgs: a.cfg.GetMaxDurationBetweenMsgs(),
	})
	if err != nil {
		return nil, err
	}
	mux := srv.ServeMux()
	a.hub.AttachAdminRoutes(mux)
	if a.db != nil {
		if err := a.db.AttachAdminRoutes(mux); err != nil {
			return nil, err
		}
	}
	return api.LoggingMiddleware(mux), nil
}

// attemptLister avoids handing the API a typed nil.
func (a *app) attemptLister() api.AttemptLister {
	if a.db == nil {
		return nil
	}
	return a.db
}

// serve runs the HTTP server until ctx is done.
func (a *app) serve(ctx context.Context, h http.Handler) {
	server := &http.Server{
		Addr:    a.opts.Listen,
		Handler: h,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			monitoring.Errorf("HTTP server: %v", err)
		}
	}()
	monitoring.Logf("HTTP API listening on %s", a.opts.Listen)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		monitoring.Warnf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			monitoring.Warnf("HTTP server force close error: %v", err)
		}
	}
}

// readTriggers captures once per line read from r: an empty line or "c"
// captures. It reports quit once "q" is read; the end of r is not a
// request to quit.
func (a *app) readTriggers(ctx context.Context, r io.Reader, w io.Writer) (quit bool, err error) {
	fmt.Fprintln(w, "press enter to capture a collection, q to quit")
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		switch cmd := strings.TrimSpace(sc.Text()); cmd {
		case "", "c":
			res, err := a.collector.Capture(ctx)
			printResult(w, res, err)
		case "q":
			return true, nil
		default:
			fmt.Fprintf(w, "unknown command %q\n", cmd)
		}
	}
	return false, sc.Err()
}

func printResult(w io.Writer, res collector.Result, err error) {
	switch {
	case err != nil && res.Outcome == collector.Accepted:
		fmt.Fprintf(w, "collection %d taken but not saved: %v\n", res.Stamp, err)
	case err != nil:
		fmt.Fprintf(w, "capture failed: %v\n", err)
	case res.Outcome == collector.Rejected:
		fmt.Fprintf(w, "capture rejected: %s\n", res.Reason)
	default:
		fmt.Fprintf(w, "collection %d saved\n", res.Stamp)
	}
}

// close waits for background work and releases the journal. ctx must
// already be done.
func (a *app) close() {
	if a.hub != nil {
		a.hub.Close()
	}
	a.wg.Wait()
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			monitoring.Warnf("close attempt journal: %v", err)
		}
	}
}
