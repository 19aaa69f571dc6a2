// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// Package api provides the read-only HTTP status API of the daemon, and a
// websocket stream of modem events.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/warthog618/ubloxmodem/gprs"
	"github.com/warthog618/ubloxmodem/internal/store"
	"github.com/warthog618/ubloxmodem/netmon"
	"github.com/warthog618/ubloxmodem/netreg"
)

// Status is a snapshot of the modem state.
type Status struct {
	Properties   map[string]string   `json:"properties"`
	Registration *netreg.Status      `json:"registration,omitempty"`
	Operator     *netreg.Operator    `json:"operator,omitempty"`
	Strength     int                 `json:"strength"`
	Cell         *netmon.ServingCell `json:"cell,omitempty"`
}

// ContextStatus is a snapshot of a GPRS context.
type ContextStatus struct {
	CID      uint          `json:"cid"`
	ID       int           `json:"id"`
	State    string        `json:"state"`
	Settings gprs.Settings `json:"settings"`
}

// Source provides the current modem state.
type Source interface {
	Status() Status
	Contexts() []ContextStatus
}

// History provides the recorded samples and events.
type History interface {
	Cells(limit int) ([]store.CellSample, error)
	ContextEvents(cid uint, limit int) ([]store.ContextEvent, error)
}

// Event is a change published to the websocket clients.
type Event struct {
	Type string      `json:"type"`
	Time time.Time   `json:"time"`
	Data interface{} `json:"data,omitempty"`
}

// Server is the status API.
type Server struct {
	router   *mux.Router
	source   Source
	history  History
	upgrader websocket.Upgrader
	log      *logrus.Entry
	ping     time.Duration

	// covers subs
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// Option is a construction option for a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *logrus.Entry) Option {
	return func(s *Server) {
		s.log = l
	}
}

// WithPingInterval sets the period of websocket keepalive pings.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) {
		s.ping = d
	}
}

const defaultLimit = 100

// New creates the API server.
func New(source Source, history History, options ...Option) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		source:  source,
		history: history,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ping: 30 * time.Second,
		subs: make(map[chan Event]struct{}),
	}
	for _, option := range options {
		option(s)
	}
	if s.log == nil {
		s.log = logrus.WithField("component", "api")
	}
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.getStatus).Methods("GET")
	api.HandleFunc("/contexts", s.getContexts).Methods("GET")
	api.HandleFunc("/contexts/{cid:[0-9]+}/events", s.getContextEvents).Methods("GET")
	api.HandleFunc("/events", s.getContextEvents).Methods("GET")
	api.HandleFunc("/cells", s.getCells).Methods("GET")
	s.router.HandleFunc("/ws/events", s.handleWebSocket)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Publish sends the event to all connected websocket clients.
//
// Clients that are not keeping up miss the event.
func (s *Server) Publish(eventType string, data interface{}) {
	e := Event{Type: eventType, Time: time.Now(), Data: data}
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- e:
		default:
			s.log.WithField("type", eventType).Debug("dropped event for slow client")
		}
	}
}

// Clients returns the number of connected websocket clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Server) subscribe() chan Event {
	ch := make(chan Event, 16)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *Server) unsubscribe(ch chan Event) {
	s.mu.Lock()
	delete(s.subs, ch)
	s.mu.Unlock()
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.source.Status())
}

func (s *Server) getContexts(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.source.Contexts())
}

func (s *Server) getContextEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	var cid uint64
	if v, ok := mux.Vars(r)["cid"]; ok {
		var err error
		if cid, err = strconv.ParseUint(v, 10, 32); err != nil {
			respondJSON(w, http.StatusBadRequest, H{"error": "invalid cid"})
			return
		}
	}
	events, err := s.history.ContextEvents(uint(cid), limit)
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, H{"error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, events)
}

func (s *Server) getCells(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	cells, err := s.history.Cells(limit)
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, H{"error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, cells)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Info("websocket upgrade failed")
		return
	}
	defer conn.Close()
	log := s.log.WithField("remote", r.RemoteAddr)
	log.Debug("websocket client connected")
	ch := s.subscribe()
	defer s.unsubscribe(ch)

	// reader detects the client closing
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	ticker := time.NewTicker(s.ping)
	defer ticker.Stop()
	for {
		select {
		case e := <-ch:
			if err := conn.WriteJSON(e); err != nil {
				log.WithError(err).Debug("websocket client disconnected")
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.WithError(err).Debug("websocket client disconnected")
				return
			}
		case <-closed:
			log.Debug("websocket client closed")
			return
		}
	}
}

// H is a JSON object.
type H map[string]interface{}

func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultLimit, true
	}
	limit, err := strconv.Atoi(v)
	if err != nil || limit <= 0 {
		respondJSON(w, http.StatusBadRequest, H{"error": "invalid limit"})
		return 0, false
	}
	return limit, true
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
