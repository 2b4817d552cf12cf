// Copyright 2024-2026 Aiku AI

// Package bridge assembles a running relay from a loaded configuration:
// the mapping database, one portal per configured chat, retention and the
// admin HTTP API.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/aiku/relaybridge/pkg/config"
	"github.com/aiku/relaybridge/pkg/connector/matrix"
	"github.com/aiku/relaybridge/pkg/connector/mattermost"
	"github.com/aiku/relaybridge/pkg/mapping"
	"github.com/aiku/relaybridge/pkg/relay"
)

// Bridge owns every long-lived component of the process.
type Bridge struct {
	cfg *config.Config
	log zerolog.Logger

	store     *mapping.Store
	relay     *relay.Relay
	retention *mapping.Retention
	registry  *prometheus.Registry
}

// New opens the database and builds every configured portal. Nothing
// connects to a chat platform until Run.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Bridge, error) {
	store, err := mapping.Open(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}
	b, err := newWithStore(cfg, store, log)
	if err != nil {
		store.Close()
		return nil, err
	}
	return b, nil
}

func newWithStore(cfg *config.Config, store *mapping.Store, log zerolog.Logger) (*Bridge, error) {
	retention, err := mapping.NewRetention(store, cfg.Retention.Cron, cfg.Retention.MaxAge, log)
	if err != nil {
		return nil, err
	}
	reg := prometheus.NewRegistry()
	r := relay.New(store, log,
		relay.WithEventBuffer(cfg.EventBuffer),
		relay.WithMetrics(relay.NewMetrics(reg)),
	)
	for i, pc := range cfg.Portals {
		p, err := buildPortal(pc, log)
		if err != nil {
			return nil, fmt.Errorf("portal %d: %w", i, err)
		}
		r.Register(p)
	}
	return &Bridge{
		cfg:       cfg,
		log:       log,
		store:     store,
		relay:     r,
		retention: retention,
		registry:  reg,
	}, nil
}

func buildPortal(pc config.PortalConfig, log zerolog.Logger) (relay.Portal, error) {
	switch pc.Type {
	case config.TypeMattermost:
		if pc.Mattermost == nil {
			return nil, fmt.Errorf("type %s needs a mattermost block", pc.Type)
		}
		return mattermost.New(*pc.Mattermost, log), nil
	case config.TypeMatrix:
		if pc.Matrix == nil {
			return nil, fmt.Errorf("type %s needs a matrix block", pc.Type)
		}
		return matrix.New(*pc.Matrix, log)
	default:
		return nil, fmt.Errorf("unknown portal type %q", pc.Type)
	}
}

// Run starts retention and the admin API, then relays events until ctx is
// done. The database is closed before Run returns.
func (b *Bridge) Run(ctx context.Context) error {
	defer func() {
		if err := b.store.Close(); err != nil {
			b.log.Warn().Err(err).Msg("Failed to close mapping database")
		}
	}()

	b.retention.Start(ctx)

	var server *http.Server
	if b.cfg.AdminAPIAddr != "" {
		server = &http.Server{
			Addr:         b.cfg.AdminAPIAddr,
			Handler:      b.AdminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			b.log.Info().Str("addr", server.Addr).Msg("Starting bridge admin API")
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				b.log.Error().Err(err).Msg("Bridge admin API error")
			}
		}()
	}

	err := b.relay.Run(ctx)

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			b.log.Warn().Err(err).Msg("Failed to stop bridge admin API")
		}
	}
	return err
}

// AdminHandler serves /metrics and /api/prune.
func (b *Bridge) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(b.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/api/prune", b.HandlePrune)
	return mux
}

// HandlePrune runs retention immediately and reports how many messages
// were removed. A prune that is already running yields 409.
func (b *Bridge) HandlePrune(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	b.log.Info().Str("remote_addr", r.RemoteAddr).Msg("Prune requested")

	n, err := b.retention.RunImmediate(r.Context())
	switch {
	case errors.Is(err, mapping.ErrPruneRunning):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		b.log.Err(err).Msg("Requested prune failed")
		http.Error(w, "prune failed", http.StatusInternalServerError)
		return
	}

	resp := map[string]int64{
		"pruned": n,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		b.log.Warn().Err(err).Msg("Failed to write prune response")
	}
}
