package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/aura/internal/api"
	"github.com/banshee-data/aura/internal/camera"
	"github.com/banshee-data/aura/internal/config"
	"github.com/banshee-data/aura/internal/db"
	"github.com/banshee-data/aura/internal/ingest"
	"github.com/banshee-data/aura/internal/monitoring"
	"github.com/banshee-data/aura/internal/scene"
	"github.com/banshee-data/aura/internal/serialmux"
	"github.com/banshee-data/aura/internal/stream"
	"github.com/banshee-data/aura/internal/version"
	"github.com/banshee-data/aura/internal/vision"
)

var (
	listen         = flag.String("listen", ":4000", "HTTP listen address")
	grpcListen     = flag.String("grpc-listen", ":4001", "gRPC SceneService listen address (empty to disable)")
	configPath     = flag.String("config", "", "Path to JSON config file (defaults apply when empty)")
	dbPath         = flag.String("db-path", "aura_journal.db", "Path to the SQLite ingest journal")
	disableJournal = flag.Bool("disable-journal", false, "Do not record event outcomes in the journal")
	serialPort     = flag.String("serial-port", "", "Serial port of the LiDAR rangefinder (\"mock\" for a simulated one, empty to disable)")
	serialBaud     = flag.Int("serial-baud", serialmux.DefaultBaudRate, "Serial baud rate")
	cameraURL      = flag.String("camera-url", "", "Camera address or capture URL to poll (overrides config camera_url)")
	cameraInterval = flag.Duration("camera-interval", 0, "Camera poll interval (overrides config camera_interval)")
	versionFlag    = flag.Bool("version", false, "Print version information and exit")
)

// mockRangefinderLines cycles through each supported line format.
var mockRangefinderLines = []string{
	"1.50",
	"d=142cm",
	`{"distance":1.35,"unit":"m"}`,
	`{"temp_c":41.2,"signal":812}`,
	"range: 1200mm",
}

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Println(version.Get())
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	detector, err := buildDetector(cfg)
	if err != nil {
		log.Fatalf("Failed to create vision detector: %v", err)
	}

	metrics := monitoring.NewMetrics()
	store := scene.NewStore(nil, cfg.GetSubscriberBuffer())
	defer store.Close()

	var journal *db.DB
	coordCfg := ingest.Config{
		Store:         store,
		Detector:      detector,
		VisionTimeout: cfg.GetVisionTimeout(),
		ImageDirs:     cfg.GetImageDirs(),
		Metrics:       metrics,
		LatencyWindow: cfg.GetLatencyWindow(),
	}
	defaultDistance := cfg.GetDefaultDistance()
	coordCfg.DefaultDistance = &defaultDistance
	if !*disableJournal {
		journal, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("Failed to open journal: %v", err)
		}
		defer journal.Close()
		coordCfg.Journal = journal
	}

	coord, err := ingest.NewCoordinator(coordCfg)
	if err != nil {
		log.Fatalf("Failed to create coordinator: %v", err)
	}

	rangefinder, err := openRangefinder(*serialPort, *serialBaud)
	if err != nil {
		log.Fatalf("Failed to open rangefinder: %v", err)
	}
	defer rangefinder.Close()
	if err := rangefinder.Initialize(); err != nil {
		log.Fatalf("Failed to initialize rangefinder: %v", err)
	}

	var poller *camera.Poller
	if addr := firstNonEmpty(*cameraURL, cfg.GetCameraURL()); addr != "" {
		interval := *cameraInterval
		if interval <= 0 {
			interval = cfg.GetCameraInterval()
		}
		poller, err = camera.NewPoller(addr, interval, coord, nil)
		if err != nil {
			log.Fatalf("Failed to create camera poller: %v", err)
		}
	}

	// Create a wait group for the servers, the serial monitor, and the pollers
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run the monitor routine to manage IO on the serial port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := rangefinder.Monitor(ctx); err != nil && err != context.Canceled {
			log.Printf("failed to monitor serial port: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	device := &serialmux.DeviceState{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		h := &serialmux.LineHandler{Sink: coord, Metrics: metrics, State: device}
		h.Consume(ctx, rangefinder)
		log.Print("rangefinder routine terminated")
	}()

	if poller != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := poller.Run(ctx); err != nil && err != context.Canceled {
				log.Printf("camera poller stopped: %v", err)
			}
			log.Print("camera routine terminated")
		}()
	}

	if *grpcListen != "" {
		grpcServer := stream.NewServer(&stream.Service{Source: store, Metrics: metrics})
		if err := grpcServer.ListenAndServe(*grpcListen); err != nil {
			log.Fatalf("Failed to start gRPC server: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			grpcServer.Stop()
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		srvCfg := api.Config{
			Coordinator:  coord,
			Metrics:      metrics,
			Camera:       poller,
			Device:       device,
			MaxBodyBytes: cfg.GetMaxBodyBytes(),
		}
		if journal != nil {
			srvCfg.Journal = journal
		}
		mux := api.NewServer(srvCfg).ServeMux()

		rangefinder.AttachAdminRoutes(mux)
		if journal != nil {
			journal.AttachAdminRoutes(mux)
		}

		if err := api.Run(ctx, *listen, api.Handler(mux)); err != nil {
			log.Printf("HTTP server error: %v", err)
			stop()
		}
		log.Printf("HTTP server routine stopped")
	}()

	log.Printf("%s started", version.Get())

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// loadConfig reads the config file at path, or returns an empty config
// (all defaults) when path is empty.
func loadConfig(path string) (*config.IngestConfig, error) {
	if path == "" {
		return config.EmptyIngestConfig(), nil
	}
	return config.LoadIngestConfig(path)
}

// buildDetector returns the detector selected by vision_mode.
func buildDetector(cfg *config.IngestConfig) (vision.Detector, error) {
	switch mode := cfg.GetVisionMode(); mode {
	case config.VisionModeProcess:
		script := cfg.GetWorkerScript()
		if _, err := os.Stat(script); err != nil {
			log.Printf("warning: vision worker script %s: %v", script, err)
		}
		return vision.NewProcessDetector(cfg.GetWorkerPython(), script, cfg.GetWorkerDir()), nil
	case config.VisionModeHTTP:
		client := &http.Client{Timeout: cfg.GetVisionTimeout() + time.Second}
		return vision.NewHTTPDetector(cfg.GetVisionURL(), client), nil
	default:
		return nil, fmt.Errorf("unknown vision mode %q", mode)
	}
}

// openRangefinder returns the serial mux for port: a disabled mux when port
// is empty, a simulated one for "mock", otherwise the real device.
func openRangefinder(port string, baud int) (serialmux.SerialMuxInterface, error) {
	switch port {
	case "":
		log.Print("no serial port configured, rangefinder disabled")
		return serialmux.NewDisabledSerialMux(), nil
	case "mock":
		log.Print("using simulated rangefinder")
		return serialmux.NewMockSerialMux(mockRangefinderLines, 500*time.Millisecond), nil
	default:
		mux, err := serialmux.NewRealSerialMux(port, serialmux.PortOptions{BaudRate: baud})
		if err != nil {
			return nil, err
		}
		return mux, nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
