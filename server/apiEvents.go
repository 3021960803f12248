package server

import (
	"net/http"
	"os"
	"time"

	"github.com/cyclopcam/vew/server/eventdb"
	"github.com/cyclopcam/vew/server/events"
	"github.com/cyclopcam/vew/server/router"
	"github.com/cyclopcam/www"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

type eventJSON struct {
	Timestamp  int64  `json:"timestamp"` // unix milliseconds
	VideoPath  string `json:"videoPath"`
	TracksPath string `json:"tracksPath"`
	FrameIndex int    `json:"frameIndex"`
	TrackID    int    `json:"trackID"`
	EventName  string `json:"eventName"`
	X          int    `json:"x"`
	Y          int    `json:"y"`
}

func toEventJSON(ev *events.Event) *eventJSON {
	return &eventJSON{
		Timestamp:  ev.Timestamp.UnixMilli(),
		VideoPath:  ev.VideoPath,
		TracksPath: ev.TracksPath,
		FrameIndex: ev.FrameIndex,
		TrackID:    ev.TrackID,
		EventName:  string(ev.Name),
		X:          ev.Position.X,
		Y:          ev.Position.Y,
	}
}

func toEventJSONList(evs []events.Event) []*eventJSON {
	out := make([]*eventJSON, 0, len(evs))
	for i := range evs {
		out = append(out, toEventJSON(&evs[i]))
	}
	return out
}

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	type pingJSON struct {
		Time int64 `json:"time"`
	}
	www.SendJSON(w, &pingJSON{Time: time.Now().Unix()})
}

func (s *Server) httpProcess(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	filename, err := s.Config.InputPath(www.RequiredQueryValue(r, "video"))
	www.CheckClient(err)
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		www.PanicNotFound()
	}
	evs, err := s.ProcessVideo(r.Context(), filename)
	www.Check(err)
	www.SendJSON(w, toEventJSONList(evs))
}

func (s *Server) httpConsume(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	stats, err := s.Consume(r.Context())
	www.Check(err)
	www.SendJSON(w, &stats)
}

func (s *Server) httpListEvents(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	filter := eventdb.Filter{
		VideoPath: www.QueryValue(r, "video"),
		TrackID:   www.QueryInt(r, "track"),
		Limit:     www.QueryInt(r, "limit"),
	}
	if name := www.QueryValue(r, "event"); name != "" {
		n, err := events.ParseName(name)
		www.CheckClient(err)
		filter.EventName = n
	}
	records, err := s.eventDB.List(filter)
	www.Check(err)
	www.SendJSON(w, records)
}

func (s *Server) httpRecentEvents(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendJSON(w, toEventJSONList(s.RecentEvents()))
}

func (s *Server) httpQueueStatus(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if s.dbQueue == nil {
		www.PanicBadRequestf("Queue status is only available with the '%v' broker", "db")
	}
	type statusJSON struct {
		Queue   string `json:"queue"`
		Ready   int64  `json:"ready"`
		Unacked int64  `json:"unacked"`
		Dead    int64  `json:"dead"`
	}
	queue := s.Config.Router.Queue
	status := statusJSON{Queue: queue}
	var err error
	status.Ready, err = s.dbQueue.Count(queue, router.StateReady)
	www.Check(err)
	status.Unacked, err = s.dbQueue.Count(queue, router.StateUnacked)
	www.Check(err)
	status.Dead, err = s.dbQueue.Count(queue, router.StateDead)
	www.Check(err)
	www.SendJSON(w, &status)
}

// httpEventStream sends every accepted event to a websocket, as JSON, until the client goes away
func (s *Server) httpEventStream(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	c, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Errorf("httpEventStream websocket upgrade failed: %v", err)
		return
	}
	defer c.Close()

	ch := s.addListener()
	defer s.removeListener(ch)

	// We never expect anything from the client, but we must read in order to notice when it closes
	closed := make(chan bool)
	go func() {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				close(closed)
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case ev := <-ch:
			if err := c.WriteJSON(toEventJSON(&ev)); err != nil {
				s.Log.Infof("Event stream closed: %v", err)
				return
			}
		case <-ping.C:
			if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
