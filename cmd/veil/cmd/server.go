package cmd

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/veilmsg/veil/api"
	"github.com/veilmsg/veil/auth"
	"github.com/veilmsg/veil/internal/util"
	bboltstorage "github.com/veilmsg/veil/storage/bbolt"
	"github.com/veilmsg/veil/ws"
)

var (
	port           int
	dataDir        string
	jwtSecret      string
	tlsCert        string
	tlsKey         string
	trustedProxies []string
)

// sweepInterval is how often abandoned nonces and stale rate-limit records
// are garbage-collected.
const sweepInterval = time.Minute

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the messaging server",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		store, err := bboltstorage.NewStoreFromFile(dataDir+"/veil.db", nil)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer store.Close()

		secret := []byte(jwtSecret)
		if env := os.Getenv("VEIL_JWT_SECRET"); jwtSecret == "" && env != "" {
			secret = []byte(env)
		}
		if len(secret) == 0 {
			// An ephemeral secret keeps the server usable for trials, but
			// every session dies with the process.
			raw, err := util.RandomBytes(32)
			if err != nil {
				return fmt.Errorf("failed to generate session secret: %w", err)
			}
			secret = []byte(hex.EncodeToString(raw))
			logger.Warn("no JWT secret configured, sessions will not survive restart")
		}

		proxies, err := parseTrustedProxies(trustedProxies)
		if err != nil {
			return err
		}

		tokens := auth.NewTokenIssuer(secret)
		authenticator := auth.NewAuthenticator(store, store, tokens, auth.WithLogger(logger))
		a := api.New(store, authenticator, api.WithLogger(logger), api.WithTrustedProxies(proxies...))
		delivery := ws.NewServer(tokens, store, store, ws.WithLogger(logger))

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		r.Mount("/api/v1", a.Router())
		r.Handle("/ws", delivery)

		var tlsConfig *tls.Config
		if tlsCert != "" && tlsKey != "" {
			cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Background sweep of expired nonces and rate-limit records.
		sweepCtx, stopSweep := context.WithCancel(context.Background())
		defer stopSweep()
		go func() {
			ticker := time.NewTicker(sweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-sweepCtx.Done():
					return
				case <-ticker.C:
					if n, err := store.SweepExpiredNonces(); err != nil {
						logger.Error("nonce sweep failed", "error", err)
					} else if n > 0 {
						logger.Info("swept expired nonces", "count", n)
					}
					a.Sweep()
				}
			}
		}()

		done := make(chan error, 1)
		go func() {
			var err error
			if tlsConfig != nil {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		logger.Info("server started", "port", port, "data_dir", dataDir, "tls", tlsConfig != nil)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("shutting down", "signal", sig.String())
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data")
	serverCmd.Flags().StringVar(&jwtSecret, "jwt-secret", "", "HMAC secret for session tokens (or VEIL_JWT_SECRET)")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
	serverCmd.Flags().StringSliceVar(&trustedProxies, "trusted-proxies", nil, "CIDR ranges whose X-Forwarded-For headers are trusted for rate limiting")
}

// parseTrustedProxies accepts CIDR ranges, plus bare addresses as a
// convenience for a single reverse proxy.
func parseTrustedProxies(raw []string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, s := range raw {
		if prefix, err := netip.ParsePrefix(s); err == nil {
			prefixes = append(prefixes, prefix)
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: expected a CIDR range or IP address", s)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}
