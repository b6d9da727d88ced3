package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/power.report/internal/api"
	"github.com/banshee-data/power.report/internal/config"
	"github.com/banshee-data/power.report/internal/db"
	"github.com/banshee-data/power.report/internal/meter"
	"github.com/banshee-data/power.report/internal/mqttpub"
	"github.com/banshee-data/power.report/internal/serialmux"
	"github.com/banshee-data/power.report/internal/timeutil"
	"github.com/banshee-data/power.report/internal/version"
)

var (
	configPath    = flag.String("config", "", "Path to meter config JSON (default "+config.DefaultConfigPath+" when present)")
	devMode       = flag.Bool("dev", false, "Run against a simulated meter")
	disableSerial = flag.Bool("disable-serial", false, "Run without a serial port; no readings are produced")
	listen        = flag.String("listen", "", "Listen address (overrides config)")
	port          = flag.String("port", "", "Serial port to use (overrides config, ignored in dev mode)")
	dbPath        = flag.String("db-path", "", "SQLite database path (overrides config)")
	gain          = flag.String("gain", "", "Decoder gain: standard or alternate (overrides config)")
	mqttURL       = flag.String("mqtt", "", "MQTT broker URL to publish readings to (overrides config)")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: power [flags] [migrate <action>]\n\n")
	fmt.Fprintf(os.Stderr, "Reads a BL0942 energy meter over UART and serves its readings.\n\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nRun 'power migrate help' for database migration commands.\n")
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Current())
		return
	}

	cfg, err := loadSettings(*configPath, overrides{
		Port:   *port,
		Listen: *listen,
		DBPath: *dbPath,
		Gain:   *gain,
		MQTT:   *mqttURL,
	})
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	if flag.Arg(0) == "migrate" {
		if err := db.RunMigrateCommand(flag.Args()[1:], cfg.GetDBPath(), os.Stdout); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	}
	if flag.NArg() > 0 {
		printUsage()
		os.Exit(2)
	}

	var meterSerial serialmux.SerialMuxInterface
	switch {
	case *devMode:
		meterSerial = serialmux.NewSerialMux(serialmux.NewSimulatedPort())
		log.Printf("using simulated meter")
	case *disableSerial:
		meterSerial = serialmux.NewDisabledSerialMux()
		log.Printf("serial port disabled")
	default:
		opts := cfg.PortOptions()
		meterSerial, err = serialmux.NewRealSerialMux(cfg.GetPortPath(), opts)
		if err != nil {
			log.Fatalf("failed to open meter port: %v", err)
		}
		log.Printf("opened %s at %s", cfg.GetPortPath(), opts)
	}
	defer meterSerial.Close()

	m := meter.New(meterSerial, meter.Options{
		Gain:         cfg.GetGainMode(),
		PollInterval: pollInterval(cfg),
	})
	log.Printf("meter session %s, gain %s", m.SessionID(), cfg.GetGainMode())

	var store *db.DB
	if cfg.GetRecordReadings() {
		store, err = db.NewDB(cfg.GetDBPath())
		if err != nil {
			log.Fatalf("failed to connect to database: %v", err)
		}
		defer store.Close()

		portPath := cfg.GetPortPath()
		if *devMode {
			portPath = "simulated"
		}
		if err := store.RecordSession(m.SessionID(), portPath, cfg.GetGainMode(), m.Stats().StartedAt); err != nil {
			log.Fatalf("failed to record meter session: %v", err)
		}
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// serial IO
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := meterSerial.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor serial port: %v", err)
			stop()
		}
		log.Print("monitor routine terminated")
	}()

	// framing, decoding and polling
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := m.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("meter stopped: %v", err)
		}
		log.Print("meter routine terminated")
	}()

	if store != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recordReadings(ctx, m, store)
		}()

		if retention := cfg.GetRetention(); retention > 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				pruneReadings(ctx, timeutil.RealClock{}, store, retention)
			}()
		}
	}

	if brokerURL := cfg.GetMQTTURL(); brokerURL != "" {
		pub, err := mqttpub.NewFromURL(brokerURL)
		if err != nil {
			log.Fatalf("failed to configure MQTT: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pub.Run(ctx, m); err != nil {
				log.Printf("MQTT publishing disabled: %v", err)
			}
			log.Print("mqtt routine terminated")
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(m, store, cfg.GetHistoryLimit()).ServeMux()
		meterSerial.AttachAdminRoutes(mux)
		if store != nil {
			store.AttachAdminRoutes(mux)
		}

		server := &http.Server{
			Addr:    cfg.GetListen(),
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("listening on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("failed to start server: %v", err)
				stop()
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// pollInterval maps the configured interval onto meter.Options, where a
// zero config value disables scheduled polling.
func pollInterval(cfg *config.MeterConfig) time.Duration {
	d := cfg.GetPollInterval()
	if d == 0 {
		return -1
	}
	return d
}
