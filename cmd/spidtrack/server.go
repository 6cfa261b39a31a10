package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/josephwkania/gospid/tracker"
)

// Server exposes the tracker's pointing over HTTP and rotctld.
type Server struct {
	// mu serializes commands arriving from websocket and rotctld
	// clients.
	mu  sync.Mutex
	trk *tracker.Tracker
	log logrus.FieldLogger
}

func NewServer(trk *tracker.Tracker, log logrus.FieldLogger) *Server {
	return &Server{trk: trk, log: log}
}

// PointingStatus is the JSON snapshot served to clients.
type PointingStatus struct {
	Time      time.Time `json:"time"`
	State     string    `json:"state"`
	OnSource  bool      `json:"on_source"`
	Azimuth   float64   `json:"azimuth"`
	Altitude  float64   `json:"altitude"`
	RA        float64   `json:"ra"`
	Dec       float64   `json:"dec"`
	GalacticL float64   `json:"galactic_l"`
	GalacticB float64   `json:"galactic_b"`
}

func (s *Server) snapshot() PointingStatus {
	alt, az := s.trk.AltAz()
	radec := s.trk.RADec()
	l, b := s.trk.Galactic()
	return PointingStatus{
		Time:      time.Now(),
		State:     s.trk.State().String(),
		OnSource:  s.trk.OnSource(),
		Azimuth:   az,
		Altitude:  alt,
		RA:        radec.RA,
		Dec:       radec.Dec,
		GalacticL: l,
		GalacticB: b,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.snapshot()); err != nil {
		s.log.Errorf("writing status: %v", err)
	}
}

// Command is a client request arriving over the status websocket.
type Command struct {
	Command  string  `json:"command"`
	Azimuth  float64 `json:"azimuth"`
	Altitude float64 `json:"altitude"`
}

func (s *Server) StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("upgrading websocket: %v", err)
		return
	}
	defer conn.Close()

	// Read and process incoming commands.
	go func() {
		for {
			var msg Command
			if err := conn.ReadJSON(&msg); err != nil {
				cancel()
				return
			}
			s.mu.Lock()
			switch msg.Command {
			case "stop":
				if err := s.trk.Stop(); err != nil {
					s.log.Errorf("stop command: %v", err)
				}
			case "move":
				// Honored in location-only mode; the tracking loop
				// owns the pointing otherwise.
				s.trk.Move(msg.Azimuth, msg.Altitude)
			default:
				s.log.Warnf("unknown websocket command %q", msg.Command)
			}
			s.mu.Unlock()
		}
	}()

	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		if err := conn.WriteJSON(s.snapshot()); err != nil {
			s.log.Debugf("writing status to websocket: %v", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// ListenHTTP serves the status API until the context is canceled.
func (s *Server) ListenHTTP(ctx context.Context, addr string) error {
	r := mux.NewRouter()
	r.HandleFunc("/api/status", s.StatusHandler)
	r.HandleFunc("/api/ws", s.StatusSocketHandler)
	srv := &http.Server{
		Handler:     r,
		Addr:        addr,
		ReadTimeout: 15 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	s.log.Infof("status server listening on %s", addr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
