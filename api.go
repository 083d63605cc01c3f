package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go-meshcore-gateway/app/metrics"
	"go-meshcore-gateway/app/models"
	"go-meshcore-gateway/app/route"
	"go-meshcore-gateway/app/shared"
	"go-meshcore-gateway/app/storage"
	"go-meshcore-gateway/app/worker"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// server holds what the HTTP handlers need.
type server struct {
	ctx      context.Context
	store    *shared.Store
	archive  *storage.MessageArchive
	resolver *route.Resolver
	cmds     Commander
	hub      *Hub
	metrics  *metrics.Metrics
	log      *zap.Logger
}

type statusResponse struct {
	Connected       bool                 `json:"connected"`
	Status          string               `json:"status"`
	Device          models.DeviceInfo    `json:"device"`
	Channels        []models.Channel     `json:"channels"`
	PendingChannels []models.Channel     `json:"pendingChannels"`
	Archive         storage.ArchiveStats `json:"archive"`
}

type archiveResponse struct {
	Messages []models.Message `json:"messages"`
	Total    int              `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

type routeResponse struct {
	Message models.Message `json:"message"`
	Route   route.Route    `json:"route"`
}

func (s *server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWs(s.ctx, s.hub, s.cmds, s.store, s.log, w, r)
	})

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/route/{hash}", s.handleRoute).Methods(http.MethodGet)
	api.HandleFunc("/archive", s.handleArchive).Methods(http.MethodGet)
	api.HandleFunc("/archive/channels", s.handleArchiveChannels).Methods(http.MethodGet)
	api.HandleFunc("/contacts/{pubkey}/messages", s.handleContactMessages).Methods(http.MethodGet)
	api.HandleFunc("/channels/pending", s.handlePendingChannels).Methods(http.MethodGet)
	api.HandleFunc("/add-channel", s.handleAddChannel).Methods(http.MethodPost)
	api.HandleFunc("/command", s.handleCommand).Methods(http.MethodPost)

	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	return r
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("could not write response", zap.Error(err))
	}
}

func (s *server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]interface{}{"success": false, "error": msg})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Snapshot()
	resp := statusResponse{
		Connected:       snap.Connected,
		Status:          snap.Status,
		Device:          snap.Device,
		Channels:        snap.Channels,
		PendingChannels: s.store.PendingChannels(),
	}
	if s.archive != nil {
		resp.Archive = s.archive.Stats()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleRoute resolves the route of a message, looked up in memory first
// and then in the archive.
func (s *server) handleRoute(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]
	msg, ok := s.store.MessageByHash(hash)
	if !ok && s.archive != nil {
		msg, ok = s.archive.MessageByHash(hash)
	}
	if !ok {
		s.writeError(w, http.StatusNotFound, "message not found")
		return
	}

	dev := s.store.Device()
	self := models.RouteNode{
		Name:   dev.Name,
		Lat:    dev.AdvLat,
		Lon:    dev.AdvLon,
		Type:   models.NodeTypeClient,
		PubKey: dev.PublicKey,
	}
	rt := s.resolver.Build(msg, self, s.store.Contacts().Snapshot())
	s.writeJSON(w, http.StatusOK, routeResponse{Message: msg, Route: rt})
}

func (s *server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		s.writeError(w, http.StatusServiceUnavailable, "archive disabled")
		return
	}
	q, err := parseQuery(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	msgs, total := s.archive.Query(q)
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	s.writeJSON(w, http.StatusOK, archiveResponse{Messages: msgs, Total: total, Limit: limit, Offset: q.Offset})
}

func parseQuery(r *http.Request) (storage.Query, error) {
	v := r.URL.Query()
	var q storage.Query
	if _, ok := v["channel"]; ok {
		name := v.Get("channel")
		q.ChannelName = &name
	}
	q.Sender = v.Get("sender")
	q.Text = v.Get("text")

	var err error
	if s := v.Get("after"); s != "" {
		if q.After, err = time.Parse(time.RFC3339, s); err != nil {
			return q, errors.New("after must be an RFC 3339 time")
		}
	}
	if s := v.Get("before"); s != "" {
		if q.Before, err = time.Parse(time.RFC3339, s); err != nil {
			return q, errors.New("before must be an RFC 3339 time")
		}
	}
	if s := v.Get("limit"); s != "" {
		if q.Limit, err = strconv.Atoi(s); err != nil || q.Limit < 0 {
			return q, errors.New("limit must be a non-negative integer")
		}
	}
	if s := v.Get("offset"); s != "" {
		if q.Offset, err = strconv.Atoi(s); err != nil || q.Offset < 0 {
			return q, errors.New("offset must be a non-negative integer")
		}
	}
	return q, nil
}

func (s *server) handleArchiveChannels(w http.ResponseWriter, r *http.Request) {
	names := []string{}
	if s.archive != nil {
		names = s.archive.ChannelNames()
	}
	s.writeJSON(w, http.StatusOK, names)
}

// handleContactMessages returns the archived history of one sender, e.g.
// a room server.
func (s *server) handleContactMessages(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		s.writeError(w, http.StatusServiceUnavailable, "archive disabled")
		return
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	s.writeJSON(w, http.StatusOK, s.archive.MessagesBySender(mux.Vars(r)["pubkey"], limit))
}

func (s *server) handlePendingChannels(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.PendingChannels())
}

func (s *server) handleAddChannel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChannelIdx int    `json:"channelIdx"`
		Name       string `json:"name"`
		Secret     string `json:"secret"` // hex-encoded 16-byte secret
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	s.submit(w, r, worker.Command{
		Action:  worker.ActionAddChannel,
		Channel: req.ChannelIdx,
		Name:    req.Name,
		Secret:  req.Secret,
	})
}

func (s *server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var cmd worker.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	s.submit(w, r, cmd)
}

func (s *server) submit(w http.ResponseWriter, r *http.Request, cmd worker.Command) {
	if err := cmd.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	if err := s.cmds.Submit(ctx, cmd); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}
