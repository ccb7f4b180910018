package roistream

import (
	"context"
	"net/http"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// StatsFunc returns the JSON-encodable object served by /api/stats
type StatsFunc func() any

// FrameSink decodes an encoded image and submits it for analysis, returning the frame's sequence number
type FrameSink func(encoded []byte) (uint64, error)

// Largest image accepted by /api/frame
const MaxFrameBytes = 16 * 1024 * 1024

// Server exposes a Hub over HTTP
type Server struct {
	log        logs.Log
	hub        *Hub
	stats      StatsFunc
	frames     FrameSink
	wsUpgrader websocket.Upgrader
	httpServer *http.Server
}

func NewServer(log logs.Log, hub *Hub, stats StatsFunc) *Server {
	return &Server{
		log:   log,
		hub:   hub,
		stats: stats,
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Results are consumed by the on-device UI, which may be served from another origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// AcceptFrames enables POST /api/frame, for frame sources that push encoded images.
// Must be called before Router or ListenAndServe.
func (s *Server) AcceptFrames(sink FrameSink) {
	s.frames = sink
}

// Router returns the HTTP routes
func (s *Server) Router() http.Handler {
	router := httprouter.New()

	ratelimited := func(method, route string, handle func(w http.ResponseWriter, r *http.Request), requestLimit int, windowLength time.Duration) {
		limited := httprate.Limit(requestLimit, windowLength, httprate.WithKeyFuncs(httprate.KeyByIP))
		www.Handle(s.log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			limited(http.HandlerFunc(handle)).ServeHTTP(w, r)
		})
	}

	ratelimited("GET", "/api/ws/results", s.httpResults, 30, time.Minute)
	ratelimited("GET", "/api/stats", s.httpStats, 10, time.Second)
	if s.frames != nil {
		www.Handle(s.log, router, "POST", "/api/frame", s.httpFrame)
	}
	return router
}

// ListenAndServe blocks until the server is shut down
func (s *Server) ListenAndServe(addr string) error {
	s.log.Infof("Listening on %v", addr)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) httpResults(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("Results websocket upgrade failed: %v", err)
		return
	}
	c := newClient(s.log)
	s.hub.add(c)
	c.infof("Connected from %v", r.RemoteAddr)
	c.run(conn)
	s.hub.remove(c)
	c.infof("Disconnected after %v results (%v dropped)", c.nSent.Load(), c.nDropped.Load())
}

func (s *Server) httpStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		www.SendJSON(w, s.hub.Stats())
		return
	}
	www.SendJSON(w, s.stats())
}

type frameResponse struct {
	Seq uint64 `json:"seq"`
}

func (s *Server) httpFrame(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	body := www.ReadLimited(w, r, MaxFrameBytes)
	seq, err := s.frames(body)
	if err != nil {
		www.PanicBadRequestf("Invalid frame: %v", err)
	}
	www.SendJSON(w, &frameResponse{Seq: seq})
}
