// Package main implements a local HTTP CONNECT proxy server.
//
// This command starts a local HTTP proxy server that accepts CONNECT requests
// and tunnels them through a remote HTTP/1.1 CONNECT proxy. This allows any
// tool that supports HTTP CONNECT proxies (curl, browsers, SSH via nc) to
// tunnel through the remote proxy.
//
// Example:
//
//	local-connect-proxy -proxy https://proxy.example.com:443 -listen localhost:8080
//
//	# Then use with any tool:
//	curl -x http://localhost:8080 https://example.com
//	ssh -o ProxyCommand='nc -X connect -x localhost:8080 %h %p' user@server
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/oauth2"

	"lds.li/netrelay/connecttunnel"
)

// options holds the parsed command line.
type options struct {
	listen           string
	proxyURL         string
	proxyAuth        string
	token            string
	oidcIssuer       string
	oidcClientID     string
	oidcClientSecret string
	oidcScopes       string
	insecure         bool
	verbose          bool
	handshakeTimeout time.Duration
	maxHeaderBytes   int
	metricsListen    string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string, output io.Writer) (*options, error) {
	opts := &options{}
	flags := flag.NewFlagSet("local-connect-proxy", flag.ContinueOnError)
	flags.SetOutput(output)
	flags.StringVar(&opts.listen, "listen", "localhost:8080", "Local proxy listen address")
	flags.StringVar(&opts.proxyURL, "proxy", "", "CONNECT proxy URL (required, e.g., https://proxy.example.com:443)")
	flags.StringVar(&opts.proxyAuth, "auth", "", "Proxy-Authorization header value (e.g., 'Basic dXNlcjpwYXNz')")
	flags.StringVar(&opts.token, "token", "", "Bearer token sent as Proxy-Authorization")

	// OIDC authentication flags
	flags.StringVar(&opts.oidcIssuer, "oidc-issuer", "", "OIDC issuer URL for automatic token acquisition")
	flags.StringVar(&opts.oidcClientID, "oidc-client-id", "", "OIDC client ID (required if -oidc-issuer is set)")
	flags.StringVar(&opts.oidcClientSecret, "oidc-client-secret", "", "OIDC client secret")
	flags.StringVar(&opts.oidcScopes, "oidc-scopes", "openid", "OIDC scopes (comma-separated)")

	flags.BoolVar(&opts.insecure, "insecure", false, "Skip TLS verification")
	flags.BoolVar(&opts.verbose, "verbose", false, "Enable verbose logging")
	flags.DurationVar(&opts.handshakeTimeout, "handshake-timeout", 30*time.Second, "Timeout for dialing and the CONNECT handshake")
	flags.IntVar(&opts.maxHeaderBytes, "max-header-bytes", connecttunnel.DefaultMaxHeaderBytes, "Maximum size of the proxy's response headers")
	flags.StringVar(&opts.metricsListen, "metrics-listen", "", "Address to serve Prometheus metrics on (disabled if empty)")

	flags.Usage = func() {
		fmt.Fprintf(output, "Usage: local-connect-proxy [options]\n\n")
		fmt.Fprintf(output, "Start a local HTTP CONNECT proxy that tunnels through a remote CONNECT proxy.\n\n")
		fmt.Fprintf(output, "Examples:\n")
		fmt.Fprintf(output, "  # Start local proxy\n")
		fmt.Fprintf(output, "  local-connect-proxy -proxy https://proxy.example.com:443\n\n")
		fmt.Fprintf(output, "  # Authenticate to the remote proxy with OIDC\n")
		fmt.Fprintf(output, "  local-connect-proxy -proxy https://proxy.example.com:443 -oidc-issuer https://issuer.example.com -oidc-client-id cli\n\n")
		fmt.Fprintf(output, "  # Use with curl\n")
		fmt.Fprintf(output, "  curl -x http://localhost:8080 https://example.com\n\n")
		fmt.Fprintf(output, "  # Use with SSH\n")
		fmt.Fprintf(output, "  ssh -o ProxyCommand='nc -X connect -x localhost:8080 %%h %%p' user@server\n\n")
		fmt.Fprintf(output, "Options:\n")
		flags.PrintDefaults()
	}

	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	if opts.proxyURL == "" {
		flags.Usage()
		return nil, errors.New("-proxy is required")
	}

	// Validate OIDC configuration
	if opts.oidcIssuer != "" && opts.oidcClientID == "" {
		flags.Usage()
		return nil, errors.New("-oidc-client-id is required when -oidc-issuer is set")
	}

	// Only one source of Proxy-Authorization
	var auth []string
	if opts.proxyAuth != "" {
		auth = append(auth, "-auth")
	}
	if opts.token != "" {
		auth = append(auth, "-token")
	}
	if opts.oidcIssuer != "" {
		auth = append(auth, "-oidc-issuer")
	}
	if len(auth) > 1 {
		flags.Usage()
		return nil, fmt.Errorf("cannot use both %s (choose one)", strings.Join(auth, " and "))
	}
	return opts, nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	logConfig := zap.NewProductionConfig()
	logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if verbose {
		logConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		logConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return logConfig.Build()
}

// newDialer creates the upstream CONNECT dialer from the options. A non-nil
// tokenSource supplies the Proxy-Authorization header for every CONNECT.
func newDialer(opts *options, tokenSource oauth2.TokenSource, metrics *handshakeMetrics, logger *zap.Logger) connecttunnel.Dialer {
	clientCfg := &connecttunnel.ClientConfig{
		ProxyURL:       opts.proxyURL,
		MaxHeaderBytes: opts.maxHeaderBytes,
		OnHandshake: func(info connecttunnel.HandshakeInfo) {
			metrics.observe(info)
			if info.Err != nil {
				return
			}
			logger.Debug("proxy accepted tunnel",
				zap.String("target", info.Target),
				zap.String("status", info.Response.Status()),
				zap.Int("leftover_bytes", info.Leftover),
				zap.Duration("duration", info.Duration))
		},
	}

	if opts.proxyAuth != "" {
		clientCfg.Header = http.Header{
			"Proxy-Authorization": []string{opts.proxyAuth},
		}
	}
	if tokenSource != nil {
		clientCfg.HeadersForRequest = tokenHeaders(tokenSource, opts.oidcIssuer != "")
	}

	if opts.insecure {
		logger.Warn("TLS verification disabled")
		clientCfg.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return connecttunnel.NewH1Dialer(clientCfg)
}

func run(ctx context.Context, args []string, output io.Writer) error {
	opts, err := parseFlags(args, output)
	if err != nil {
		return err
	}

	logger, err := newLogger(opts.verbose)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer logger.Sync()

	// Acquire OIDC token source if configured
	tokenSource, err := newTokenSource(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to create token source: %w", err)
	}
	if opts.oidcIssuer != "" {
		logger.Info("OIDC authentication enabled", zap.String("issuer", opts.oidcIssuer))
	}

	registry := prometheus.NewRegistry()
	metrics := newHandshakeMetrics(registry)

	handler := &proxyHandler{
		dialer:  newDialer(opts, tokenSource, metrics, logger),
		timeout: opts.handshakeTimeout,
		logger:  logger,
	}

	server := &http.Server{
		Addr:    opts.listen,
		Handler: handler,
		// Only CONNECT is served, so HTTP/2 is disabled.
		TLSNextProto: make(map[string]func(*http.Server, *tls.Conn, http.Handler)),
		ErrorLog:     zap.NewStdLog(logger.Named("http")),
	}

	servers := []*http.Server{server}
	if opts.metricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer := &http.Server{Addr: opts.metricsListen, Handler: mux}
		servers = append(servers, metricsServer)
		go func() {
			logger.Info("metrics listening", zap.String("addr", opts.metricsListen))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, s := range servers {
			if err := s.Shutdown(shutdownCtx); err != nil {
				logger.Error("server shutdown error", zap.Error(err))
			}
		}
	}()

	logger.Info("local proxy listening",
		zap.String("addr", opts.listen),
		zap.String("proxy", opts.proxyURL))

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
