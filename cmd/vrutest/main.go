package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/banshee-data/vrutest/internal/api"
	"github.com/banshee-data/vrutest/internal/config"
	"github.com/banshee-data/vrutest/internal/monitoring"
	"github.com/banshee-data/vrutest/internal/rpc"
	"github.com/banshee-data/vrutest/internal/serialmux"
	"github.com/banshee-data/vrutest/internal/session"
	sigsrc "github.com/banshee-data/vrutest/internal/signal"
	"github.com/banshee-data/vrutest/internal/store"
	"github.com/banshee-data/vrutest/internal/timeutil"
	"github.com/banshee-data/vrutest/internal/version"
)

var (
	devMode    = flag.Bool("dev", false, "Use an in-memory store instead of SQLite")
	listen     = flag.String("listen", ":8080", "HTTP listen address")
	grpcListen = flag.String("grpc-listen", ":50051", "gRPC observer listen address (empty disables)")
	dbPath     = flag.String("db-path", "vrutest.db", "Path to the SQLite database")
	configPath = flag.String("config", config.DefaultConfigPath, "Path to the engine JSON configuration")
	seedPath   = flag.String("seed", "", "JSON file with session definitions to load at startup")
	envFile    = flag.String("env-file", ".env", "Optional .env file with deployment secrets")
	logFile    = flag.String("log-file", "", "Also write logs to this file, rotated by size")
	serialPort = flag.String("signal-port", "", "Serial port of the signal device (overrides signal_serial.port)")
	signalMock = flag.String("signal-mock", "", "Replay signal lines from this file instead of a serial device")
	mockEvery  = flag.Duration("signal-mock-interval", time.Second, "Interval between replayed signal lines")
	mqttBroker = flag.String("mqtt-broker", "", "MQTT broker for networked signals (overrides mqtt.broker)")
	showVer    = flag.Bool("version", false, "Print version and exit")
)

// readDefinitions accepts either one definition object or an array.
func readDefinitions(r io.Reader) ([]session.Definition, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] == '[' {
		var defs []session.Definition
		if err := json.Unmarshal(data, &defs); err != nil {
			return nil, fmt.Errorf("failed to parse definitions: %w", err)
		}
		return defs, nil
	}
	var def session.Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse definition: %w", err)
	}
	return []session.Definition{def}, nil
}

// seedStore creates every definition in path that the store does not
// already hold. It returns the number created.
func seedStore(ctx context.Context, st store.Store, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()
	defs, err := readDefinitions(f)
	if err != nil {
		return 0, err
	}
	created := 0
	for _, def := range defs {
		if _, err := st.LoadSession(ctx, def.Session.ID); err == nil {
			log.Printf("[Seed] session %s already defined, skipping", def.Session.ID)
			continue
		}
		if err := st.CreateSession(ctx, def); err != nil {
			return created, fmt.Errorf("failed to seed session %s: %w", def.Session.ID, err)
		}
		created++
	}
	return created, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" && !strings.HasPrefix(line, "#") {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}

// applyEnv overlays deployment settings from the environment.
func applyEnv(cfg *config.EngineConfig) {
	broker := *mqttBroker
	if broker == "" {
		broker = os.Getenv("VRUTEST_MQTT_BROKER")
	}
	if broker != "" {
		if cfg.MQTT == nil {
			cfg.MQTT = &config.MQTTConfig{}
		}
		cfg.MQTT.Broker = broker
	}
	if cfg.MQTT != nil {
		if u := os.Getenv("VRUTEST_MQTT_USERNAME"); u != "" {
			cfg.MQTT.Username = u
		}
		if p := os.Getenv("VRUTEST_MQTT_PASSWORD"); p != "" {
			cfg.MQTT.Password = p
		}
	}
	if *serialPort != "" {
		if cfg.SignalSerial == nil {
			cfg.SignalSerial = &config.SerialConfig{}
		}
		cfg.SignalSerial.Port = *serialPort
	}
}

func openSignalSource(ctx context.Context, cfg *config.EngineConfig) (serialmux.SerialMuxInterface, error) {
	switch {
	case *signalMock != "":
		lines, err := readLines(*signalMock)
		if err != nil {
			return nil, fmt.Errorf("failed to read signal fixtures: %w", err)
		}
		log.Printf("replaying %d signal lines from %s", len(lines), *signalMock)
		return serialmux.NewMockSerialMux(ctx, lines, *mockEvery), nil
	case cfg.SignalSerial != nil:
		m, err := serialmux.NewRealSerialMux(cfg.SignalSerial.Port, cfg.SignalSerial.PortOptions)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return serialmux.NewDisabledSerialMux(), nil
	}
}

func main() {
	flag.Parse()
	if *showVer {
		fmt.Println(version.Current())
		return
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("failed to load %s: %v", *envFile, err)
	}
	if *logFile != "" {
		rotating := monitoring.RotatingFile(*logFile, 50, 5, 28)
		defer rotating.Close()
		log.SetOutput(io.MultiWriter(os.Stderr, rotating))
	}
	log.Printf("starting %s", version.Current())

	cfg, err := config.LoadOptional(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	applyEnv(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st store.Store
	var sqlite *store.SQLite
	if *devMode {
		st = store.NewMemory()
	} else {
		sqlite, err = store.OpenSQLite(*dbPath)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		st = sqlite
	}
	defer st.Close()

	if *seedPath != "" {
		n, err := seedStore(ctx, st, *seedPath)
		if err != nil {
			log.Fatalf("failed to seed sessions: %v", err)
		}
		log.Printf("seeded %d session(s) from %s", n, *seedPath)
	}

	reg := session.NewRegistry(st, st, cfg.SessionOptions(timeutil.RealClock{}))
	handler := sigsrc.NewHandler(reg)

	signalSerial, err := openSignalSource(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to open signal source: %v", err)
	}
	defer signalSerial.Close()
	if err := signalSerial.Initialize(); err != nil {
		log.Fatalf("failed to initialize signal device: %v", err)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		reg.Run(ctx)
		log.Print("registry janitor terminated")
	}()

	// run the monitor routine to manage IO on the serial port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := signalSerial.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor signal port: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := handler.Run(ctx, signalSerial); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("signal handler stopped: %v", err)
		}
		log.Print("signal routine terminated")
	}()

	if cfg.MQTT != nil {
		bridge := sigsrc.NewBridge(cfg.MQTT.Bridge(), handler, nil)
		if err := bridge.Start(ctx); err != nil {
			log.Printf("MQTT bridge unavailable: %v", err)
		} else {
			defer bridge.Stop()
		}
	}

	if *grpcListen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rpc.Serve(ctx, *grpcListen, rpc.NewGRPCServer(reg)); err != nil {
				log.Printf("gRPC server error: %v", err)
			}
			log.Print("gRPC routine stopped")
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(reg, st, signalSerial, handler).ServeMux()
		signalSerial.AttachAdminRoutes(mux)
		if sqlite != nil {
			sqlite.AttachAdminRoutes(mux)
		}

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}
		go func() {
			log.Printf("HTTP server listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
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

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reg.Close(closeCtx)
	log.Printf("Graceful shutdown complete")
}
