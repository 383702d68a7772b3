// Package gateway is the HTTP edge: WebSocket upgrades, topic history,
// the root admin surface, health, and metrics. Routing is thin; everything
// stateful lives in the brokers.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/erebus-sh/erebus/internal/auth"
	"github.com/erebus-sh/erebus/internal/broker"
	"github.com/erebus-sh/erebus/internal/key"
	"github.com/erebus-sh/erebus/internal/metrics"
	"github.com/erebus-sh/erebus/internal/registry"
	"github.com/erebus-sh/erebus/internal/wire"
)

// RegionHintHeader lets edge infrastructure suggest where the client is.
// Absent a hint, the gateway's own region is assumed.
const RegionHintHeader = "X-Erebus-Region-Hint"

// RootAPIKeyHeader authenticates the admin surface.
const RootAPIKeyHeader = "x-root-api-key"

// Admin command vocabulary.
const (
	CommandPause   = "pause_project_id"
	CommandUnpause = "unpause_project_id"
)

// Gateway routes edge traffic to brokers.
type Gateway struct {
	verifier *auth.Verifier
	host     *broker.Host
	reg      *registry.Global
	peers    broker.PeerLink
	rdb      *redis.Client
	rootKey  string
	region   string
	log      zerolog.Logger
}

// New assembles the gateway.
func New(
	verifier *auth.Verifier,
	host *broker.Host,
	reg *registry.Global,
	peers broker.PeerLink,
	rdb *redis.Client,
	rootKey, region string,
	log zerolog.Logger,
) *Gateway {
	return &Gateway{
		verifier: verifier,
		host:     host,
		reg:      reg,
		peers:    peers,
		rdb:      rdb,
		rootKey:  rootKey,
		region:   region,
		log:      log.With().Str("component", "gateway").Logger(),
	}
}

// Routes builds the HTTP handler.
func (g *Gateway) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/pubsub/topics/{name}/history", g.handleHistory)
	mux.HandleFunc("/v1/pubsub/", g.handleUpgrade)
	mux.HandleFunc("/v1/pubsub", g.handleUpgrade)
	mux.HandleFunc("/v1/root/command", g.handleRootCommand)
	mux.HandleFunc("/healthz", g.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// authenticate pulls and verifies the grant on a request.
func (g *Gateway) authenticate(r *http.Request) (*auth.Grant, error) {
	token, err := auth.TokenFromRequest(r)
	if err != nil {
		return nil, err
	}
	return g.verifier.Verify(token)
}

func (g *Gateway) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	grant, err := g.authenticate(r)
	if err != nil {
		metrics.ConnectionsFailed.Inc()
		http.Error(w, wire.AsWireError(err).Message, http.StatusUnauthorized)
		return
	}

	// The hint steers edge routing and diagnostics only. The broker's
	// stored location stays the region this process serves.
	regionHint := r.Header.Get(RegionHintHeader)
	if regionHint == "" {
		regionHint = g.region
	}

	channelKey := key.ForChannel(grant.Project, grant.Channel)
	b, err := g.host.GetOrCreate(r.Context(), channelKey)
	if err != nil {
		metrics.ConnectionsFailed.Inc()
		g.log.Error().Str("channel", channelKey.String()).Err(err).Msg("broker creation failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		metrics.ConnectionsFailed.Inc()
		g.log.Debug().Err(err).Msg("upgrade failed")
		return
	}

	g.log.Info().
		Str("channel", channelKey.String()).
		Str("region_hint", regionHint).
		Str("client", grant.UserID).
		Msg("socket upgraded")
	b.Attach(uuid.NewString(), conn)
}

type historyResponse struct {
	Items      []wire.Message `json:"items"`
	NextCursor string         `json:"nextCursor,omitempty"`
}

func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	grant, err := g.authenticate(r)
	if err != nil {
		http.Error(w, wire.AsWireError(err).Message, http.StatusUnauthorized)
		return
	}

	topic := r.PathValue("name")
	if topic == "" {
		http.Error(w, "missing topic", http.StatusBadRequest)
		return
	}
	if !grant.Covers(topic) {
		http.Error(w, "grant does not cover topic", http.StatusForbidden)
		return
	}

	q := r.URL.Query()
	cursor := q.Get("cursor")
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}
	backward := false
	switch q.Get("direction") {
	case "", "forward":
	case "backward":
		backward = true
	default:
		http.Error(w, "invalid direction", http.StatusBadRequest)
		return
	}

	channelKey := key.ForChannel(grant.Project, grant.Channel)
	b, err := g.host.GetOrCreate(r.Context(), channelKey)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	items, next, err := b.History(r.Context(), topic, cursor, limit, backward)
	if err != nil {
		g.log.Error().Str("topic", topic).Err(err).Msg("history read failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if grant.InfoOnly(topic) {
		for i := range items {
			items[i] = wire.InformationalCopy(items[i])
		}
	}
	if items == nil {
		items = []wire.Message{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(historyResponse{Items: items, NextCursor: next})
}

type rootCommand struct {
	Command   string `json:"command"`
	ProjectID string `json:"projectId"`
}

func (g *Gateway) handleRootCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if g.rootKey == "" || r.Header.Get(RootAPIKeyHeader) != g.rootKey {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var cmd rootCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "malformed command", http.StatusBadRequest)
		return
	}
	if cmd.ProjectID == "" {
		http.Error(w, "missing projectId", http.StatusBadRequest)
		return
	}
	if cmd.Command != CommandPause && cmd.Command != CommandUnpause {
		http.Error(w, "unknown command", http.StatusBadRequest)
		return
	}

	channels, err := g.reg.ChannelsForProject(r.Context(), cmd.ProjectID)
	if err != nil {
		g.log.Error().Str("project", cmd.ProjectID).Err(err).Msg("channel enumeration failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	for _, ch := range channels {
		b, err := g.host.GetOrCreate(r.Context(), ch)
		if err != nil {
			g.log.Error().Str("channel", ch.String()).Err(err).Msg("broker lookup failed during admin command")
			continue
		}
		switch cmd.Command {
		case CommandPause:
			b.Pause()
		case CommandUnpause:
			b.Resume()
		}
	}

	// Other regions apply the same command through the admin subject.
	if err := g.peers.PublishAdmin(broker.AdminCommand{Command: cmd.Command, ProjectID: cmd.ProjectID}); err != nil {
		g.log.Error().Err(err).Msg("admin fan-out failed")
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "ok", "channels": len(channels)})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := g.rdb.Ping(ctx).Err(); err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}

	// A down peer link degrades cross-region fan-out but local traffic
	// still works, so it never fails the probe.
	nats := "connected"
	if !g.peers.Connected() {
		nats = "disconnected"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"region":  g.region,
		"brokers": len(g.host.Brokers()),
		"nats":    nats,
	})
}
