package server

import (
	"net/http"
	"time"

	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
)

func (s *Server) setupHttpRoutes() {
	logEveryRequest := false
	router := httprouter.New()

	handle := func(method, route string, handle httprouter.Handle) {
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			if logEveryRequest {
				s.Log.Infof("HTTP %v %v", method, r.URL.Path)
			}
			handle(w, r, params)
		})
	}

	// Processing a video ties up the tracker for a long time. One limiter per endpoint, keyed by client IP.
	ratelimited := func(method, route string, handle httprouter.Handle, requestLimit int, windowLength time.Duration) {
		limited := httprate.Limit(requestLimit, windowLength, httprate.WithKeyFuncs(httprate.KeyByIP))
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			limited(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handle(w, r, params)
			})).ServeHTTP(w, r)
		})
	}

	handle("GET", "/api/ping", s.httpPing)
	ratelimited("POST", "/api/process", s.httpProcess, 10, time.Minute)
	ratelimited("POST", "/api/consume", s.httpConsume, 30, time.Minute)
	handle("GET", "/api/events", s.httpListEvents)
	handle("GET", "/api/events/recent", s.httpRecentEvents)
	handle("GET", "/api/queue", s.httpQueueStatus)
	handle("GET", "/api/frame", s.httpFrame)
	handle("GET", "/api/ws/events", s.httpEventStream)

	s.httpRouter = router
}
