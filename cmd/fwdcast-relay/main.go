// Command fwdcast-relay runs the public relay that origins register with
// and viewers browse through.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fwdcast/fwdcast/internal/logging"
	"github.com/fwdcast/fwdcast/internal/version"
	"github.com/fwdcast/fwdcast/observability"
	"github.com/fwdcast/fwdcast/observability/prom"
	"github.com/fwdcast/fwdcast/relay"
)

var (
	buildVersion = "dev"
	commit       = "unknown"
	date         = "unknown"
)

type switchHandler struct {
	mu      sync.RWMutex
	handler http.Handler
}

func newSwitchHandler() *switchHandler {
	return &switchHandler{handler: http.NotFoundHandler()}
}

func (h *switchHandler) Set(next http.Handler) {
	if next == nil {
		next = http.NotFoundHandler()
	}
	h.mu.Lock()
	h.handler = next
	h.mu.Unlock()
}

func (h *switchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()
	handler.ServeHTTP(w, r)
}

type metricsController struct {
	mu       sync.Mutex
	enabled  bool
	handler  *switchHandler
	observer *observability.AtomicRelayObserver
	srv      *relay.Server
}

func (c *metricsController) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled {
		return
	}
	reg := prom.NewRegistry()
	relayObs := prom.NewRelayObserver(reg)
	c.handler.Set(prom.Handler(reg))
	c.observer.Set(relayObs)
	relayObs.SessionCount(c.srv.Store().Count())
	c.enabled = true
}

func (c *metricsController) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	c.handler.Set(nil)
	c.observer.Set(observability.NoopRelayObserver)
	c.enabled = false
}

type ready struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	Date       string `json:"date"`
	Listen     string `json:"listen"`
	WSURL      string `json:"ws_url"`
	HTTPURL    string `json:"http_url"`
	HealthzURL string `json:"healthz_url"`
	MetricsURL string `json:"metrics_url,omitempty"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	cfg := relay.DefaultConfig()

	listen := envString("FWDCAST_RELAY_LISTEN", "127.0.0.1:8080")
	publicBase := envString("FWDCAST_RELAY_PUBLIC_BASE_URL", "")
	metricsListen := envString("FWDCAST_RELAY_METRICS_LISTEN", "")
	logLevel := envString("FWDCAST_LOG_LEVEL", "info")

	maxViewers, err := envIntWithErr("FWDCAST_RELAY_MAX_VIEWERS", cfg.MaxViewers)
	if err != nil {
		fmt.Fprintf(stderr, "invalid FWDCAST_RELAY_MAX_VIEWERS: %v\n", err)
		return 2
	}
	requestTimeout, err := envDurationWithErr("FWDCAST_RELAY_REQUEST_TIMEOUT", cfg.RequestTimeout)
	if err != nil {
		fmt.Fprintf(stderr, "invalid FWDCAST_RELAY_REQUEST_TIMEOUT: %v\n", err)
		return 2
	}
	sweepInterval, err := envDurationWithErr("FWDCAST_RELAY_SWEEP_INTERVAL", cfg.SweepInterval)
	if err != nil {
		fmt.Fprintf(stderr, "invalid FWDCAST_RELAY_SWEEP_INTERVAL: %v\n", err)
		return 2
	}
	insecureCookies, err := envBoolWithErr("FWDCAST_RELAY_INSECURE_COOKIES", cfg.InsecureCookies)
	if err != nil {
		fmt.Fprintf(stderr, "invalid FWDCAST_RELAY_INSECURE_COOKIES: %v\n", err)
		return 2
	}

	fs := flag.NewFlagSet("fwdcast-relay", flag.ContinueOnError)
	fs.SetOutput(stderr)

	showVersion := false
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&listen, "listen", listen, "listen address (env: FWDCAST_RELAY_LISTEN)")
	fs.StringVar(&publicBase, "public-base-url", publicBase, "public base URL for generated share links, e.g. https://share.example.com (env: FWDCAST_RELAY_PUBLIC_BASE_URL)")
	fs.IntVar(&maxViewers, "max-viewers", maxViewers, "concurrent viewer cap per session (env: FWDCAST_RELAY_MAX_VIEWERS)")
	fs.DurationVar(&requestTimeout, "request-timeout", requestTimeout, "viewer wait for a complete origin response (env: FWDCAST_RELAY_REQUEST_TIMEOUT)")
	fs.DurationVar(&sweepInterval, "sweep-interval", sweepInterval, "expiry sweeper period (env: FWDCAST_RELAY_SWEEP_INTERVAL)")
	fs.BoolVar(&insecureCookies, "insecure-cookies", insecureCookies, "drop the Secure attribute from auth cookies; plain-HTTP deployments only (env: FWDCAST_RELAY_INSECURE_COOKIES)")
	fs.StringVar(&metricsListen, "metrics-listen", metricsListen, "listen address for metrics server (empty disables) (env: FWDCAST_RELAY_METRICS_LISTEN)")
	fs.StringVar(&logLevel, "log-level", logLevel, "log level: trace, debug, info, warn, error (env: FWDCAST_LOG_LEVEL)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if showVersion {
		_, _ = fmt.Fprintln(stdout, "fwdcast-relay "+version.String(buildVersion, commit, date))
		return 0
	}

	logging.Configure(logging.Config{Level: logLevel, Output: stderr, Service: "fwdcast-relay"})
	logger := logging.WithComponent("main")

	observer := observability.NewAtomicRelayObserver()
	cfg.Host = listen
	cfg.PublicBaseURL = publicBase
	cfg.MaxViewers = maxViewers
	cfg.RequestTimeout = requestTimeout
	cfg.SweepInterval = sweepInterval
	cfg.InsecureCookies = insecureCookies
	cfg.Observer = observer

	s := relay.New(cfg)
	defer s.Close()

	var metrics *metricsController
	var metricsSrv *http.Server
	var metricsLn net.Listener
	if metricsListen != "" {
		metricsMux := http.NewServeMux()
		metricsHandler := newSwitchHandler()
		metricsMux.Handle("/metrics", metricsHandler)
		metrics = &metricsController{handler: metricsHandler, observer: observer, srv: s}
		metrics.Enable()

		metricsLn, err = net.Listen("tcp", metricsListen)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		metricsSrv = newHTTPServer(metricsMux)
		go func() {
			if err := metricsSrv.Serve(metricsLn); err != nil && err != http.ErrServerClosed {
				logger.Fatal().Err(err).Msg("metrics server failed")
			}
		}()
	}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	srv := newHTTPServer(s.Router())
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("relay server failed")
		}
	}()

	bindAddr := ln.Addr().String()
	httpURL := "http://" + bindAddr
	if publicBase != "" {
		httpURL = strings.TrimRight(publicBase, "/")
	}
	out := ready{
		Version:    buildVersion,
		Commit:     commit,
		Date:       date,
		Listen:     bindAddr,
		WSURL:      "ws://" + bindAddr + "/ws",
		HTTPURL:    httpURL,
		HealthzURL: httpURL + "/healthz",
	}
	if metricsLn != nil {
		out.MetricsURL = "http://" + metricsLn.Addr().String() + "/metrics"
	}
	_ = json.NewEncoder(stdout).Encode(out)

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)

	for {
		switch <-sig {
		case syscall.SIGUSR1:
			if metrics == nil {
				logger.Info().Msg("metrics server disabled (missing --metrics-listen)")
				continue
			}
			metrics.Enable()
			logger.Info().Msg("metrics enabled")
		case syscall.SIGUSR2:
			if metrics == nil {
				continue
			}
			metrics.Disable()
			logger.Info().Msg("metrics disabled")
		default:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = srv.Shutdown(ctx)
			if metricsSrv != nil {
				_ = metricsSrv.Shutdown(ctx)
			}
			cancel()
			return 0
		}
	}
}

func envString(key string, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envBoolWithErr(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, err
	}
	return v, nil
}

func envIntWithErr(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	return v, nil
}

func envDurationWithErr(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	return d, nil
}
