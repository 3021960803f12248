package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/bmharper/ringbuffer"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/vew/pkg/nn"
	"github.com/cyclopcam/vew/pkg/videox"
	"github.com/cyclopcam/vew/pkg/videox/cvio"
	"github.com/cyclopcam/vew/server/archive"
	"github.com/cyclopcam/vew/server/config"
	"github.com/cyclopcam/vew/server/eventdb"
	"github.com/cyclopcam/vew/server/events"
	"github.com/cyclopcam/vew/server/extractor"
	"github.com/cyclopcam/vew/server/notifications"
	"github.com/cyclopcam/vew/server/processor"
	"github.com/cyclopcam/vew/server/router"
	"github.com/cyclopcam/vew/server/tracks"
	"github.com/cyclopcam/vew/server/visualizer"
	"github.com/cyclopcam/vew/server/watcher"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// Number of events that GET /api/events/recent can return
const RecentEventsSize = 200

// Server owns every component of the pipeline.
// The producer side (ProcessVideo) and the consumer side (Consume) can run in the same
// process, or in different processes that share a queue.
type Server struct {
	Log              logs.Log
	Config           *config.Config
	ShutdownComplete chan error

	tracker   nn.Tracker
	processor *processor.Processor
	watcher   *watcher.Watcher
	sender    *router.Sender
	receiver  *router.Receiver
	dbQueue   *router.DBQueue // nil unless the db broker is used
	eventDB   *eventdb.EventDB
	mqtt      *notifications.MQTTNotifier
	webhook   *notifications.WebhookNotifier
	uploader  *archive.ClipUploader
	newWriter videox.WriterFactory

	// The tracker is stateful, so only one video is processed at a time
	processLock sync.Mutex

	consumeLock sync.Mutex
	extractors  map[string]*extractor.Extractor // Consumer side clip extraction, keyed by video path

	eventsLock sync.Mutex
	recent     ringbuffer.RingP[events.Event]
	listeners  map[chan events.Event]bool

	signalIn   chan os.Signal
	httpServer *http.Server
	httpRouter *httprouter.Router
	wsUpgrader websocket.Upgrader
}

// NewServer opens every component described by cfg.
// newWriter may be nil, in which case clips and annotated videos are written with gocv.
func NewServer(ctx context.Context, logger logs.Log, cfg *config.Config, newWriter videox.WriterFactory) (*Server, error) {
	s := &Server{
		Log:              logger,
		Config:           cfg,
		ShutdownComplete: make(chan error, 1),
		newWriter:        newWriter,
		extractors:       map[string]*extractor.Extractor{},
		recent:           ringbuffer.NewRingP[events.Event](RecentEventsSize),
		listeners:        map[chan events.Event]bool{},
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if s.newWriter == nil {
		s.newWriter = cvio.Factory(cfg.Extractor.FourCC, cfg.Extractor.FPS)
	}
	if err := s.open(ctx); err != nil {
		s.Close()
		return nil, err
	}
	s.setupHttpRoutes()
	return s, nil
}

func (s *Server) open(ctx context.Context) error {
	cfg := s.Config
	var err error

	if cfg.Processor.ReplayTracks != "" {
		s.Log.Infof("Replaying tracks from %v", cfg.Processor.ReplayTracks)
		if s.tracker, err = tracks.NewReplayTracker(cfg.Processor.ReplayTracks); err != nil {
			return err
		}
	} else {
		s.Log.Infof("Connecting to tracker at %v", cfg.Processor.TrackerURL)
		if s.tracker, err = nn.NewRemoteTracker(ctx, cfg.Processor.TrackerURL); err != nil {
			return err
		}
	}
	s.processor = processor.NewProcessor(s.Log, s.tracker, cfg.ProcessorSettings())

	var dial router.Dialer
	switch cfg.Router.Broker {
	case config.BrokerDB:
		if err := os.MkdirAll(filepath.Dir(cfg.Router.QueueDatabase), 0770); err != nil {
			return err
		}
		if s.dbQueue, err = router.OpenDBQueue(s.Log, dbh.MakeSqliteConfig(cfg.Router.QueueDatabase), cfg.Router.VisibilityTimeout); err != nil {
			return err
		}
		dial = s.dbQueue.Dial
	case config.BrokerAMQP:
		dial = router.DialAMQP(cfg.BrokerURL())
	}
	s.sender = router.NewSender(s.Log, dial, cfg.Router.Queue)
	s.receiver = router.NewReceiver(s.Log, dial, cfg.Router.Queue, cfg.Router.PollTimeout, cfg.AllowedEvents())

	if cfg.Database.Driver == dbh.DriverSqlite {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Database), 0770); err != nil {
			return err
		}
	}
	if s.eventDB, err = eventdb.NewEventDB(s.Log, cfg.Database.DBConfig, cfg.Database.MaxEvents); err != nil {
		return err
	}

	if cfg.MQTT.Broker != "" {
		if s.mqtt, err = notifications.ConnectMQTT(s.Log, cfg.MQTT); err != nil {
			return err
		}
	}
	if cfg.Webhook != "" {
		s.webhook = notifications.NewWebhookNotifier(s.Log, cfg.Webhook)
	}

	storage, err := archive.Open(ctx, s.Log, cfg.Archive)
	if err != nil {
		return fmt.Errorf("Failed to open archive: %w", err)
	}
	if storage != nil {
		s.uploader = archive.NewClipUploader(s.Log, storage, cfg.Watcher.EventsRoot, cfg.Archive.Prefix)
	}

	var extract *extractor.Settings
	if cfg.Watcher.ExtractInline {
		es := cfg.ExtractorSettings()
		extract = &es
	}
	s.watcher = watcher.NewWatcher(s.Log, cfg.WatcherSettings(), s.processor, s.sender, s.newWriter, extract)
	s.watcher.OnEvent = s.publishEvent
	s.watcher.OnExtractor = s.attachUploader
	return nil
}

// ProcessVideo runs the producer side of the pipeline over one video file
func (s *Server) ProcessVideo(ctx context.Context, filename string) ([]events.Event, error) {
	s.processLock.Lock()
	defer s.processLock.Unlock()
	return s.watcher.WatchEvents(ctx, filename)
}

// Consume drains the queue, and hands every allowed event to the consumer actions:
// persist, notify, and optionally extract a clip.
func (s *Server) Consume(ctx context.Context) (router.ReceiveStats, error) {
	s.consumeLock.Lock()
	defer s.consumeLock.Unlock()

	actions := []router.Action{s.eventDB.SaveAction()}
	if s.mqtt != nil {
		actions = append(actions, s.mqtt.Notify)
	}
	if s.webhook != nil {
		actions = append(actions, s.webhook.Notify)
	}
	if s.Config.Router.ExtractOnReceive {
		actions = append(actions, s.extractOnReceive)
	}
	stats, err := s.receiver.ReceiveEvents(ctx, actions...)
	if s.Config.Router.ExtractOnReceive {
		s.flushExtractors(ctx)
	}
	return stats, err
}

// ConsumeForever polls the queue until ctx is cancelled
func (s *Server) ConsumeForever(ctx context.Context, interval time.Duration) error {
	for {
		if stats, err := s.Consume(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.Log.Errorf("Consume failed: %v", err)
		} else if stats.Received != 0 {
			s.Log.Infof("Consumed %v", stats)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// extractOnReceive queues a clip for an event that arrived over the queue.
// Pending requests survive from one Consume to the next, so a consumer can run ahead of the watcher.
func (s *Server) extractOnReceive(ctx context.Context, ev *events.Event) error {
	ws := s.Config.WatcherSettings()
	if len(ws.ExtractEvents) != 0 && !events.MakeNameSet(ws.ExtractEvents)[ev.Name] {
		return nil
	}
	ext, err := s.consumerExtractor(ev.VideoPath)
	if err != nil {
		return err
	}
	if ext.TotalFrames() == 0 {
		s.countFrames(ext, ev.VideoPath)
	}
	ext.Enqueue(ev.FrameIndex, ev.TrackID, ev.Name)
	// A clip that fails to render must not dead-letter an event that was already stored
	if _, err := ext.ExtractEvents(ctx); err != nil {
		s.Log.Warnf("Extracting clips of %v: %v", ev.VideoPath, err)
	}
	return nil
}

func (s *Server) consumerExtractor(videoPath string) (*extractor.Extractor, error) {
	if ext := s.extractors[videoPath]; ext != nil {
		return ext, nil
	}
	framesDir, tracksDir, eventsDir := s.watcher.Dirs(videoPath)
	store, err := tracks.NewStore(tracksDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(eventsDir, 0770); err != nil {
		return nil, fmt.Errorf("Failed to create events directory '%v': %w", eventsDir, err)
	}
	vis := visualizer.New(s.processor.Line(), s.Config.WatcherSettings().VisualizerSeed)
	ext := extractor.New(s.Log, s.Config.ExtractorSettings(), framesDir, store, eventsDir, vis, s.newWriter)
	s.attachUploader(ext)
	s.extractors[videoPath] = ext
	return ext, nil
}

// countFrames tells a consumer side extractor how long its video is, so that clips near the end are clamped.
// The watcher splits the whole video before it sends any events. If the frames are not visible yet,
// we try again on the next event.
func (s *Server) countFrames(ext *extractor.Extractor, videoPath string) {
	framesDir, _, _ := s.watcher.Dirs(videoPath)
	frames, err := videox.ListFrames(framesDir, s.Config.Watcher.FrameExt)
	if err != nil {
		s.Log.Debugf("Frames of %v are not available yet: %v", videoPath, err)
		return
	}
	if len(frames) != 0 {
		ext.SetTotalFrames(frames[len(frames)-1])
	}
}

// flushExtractors retries pending clips, and forgets extractors that have nothing left to do
func (s *Server) flushExtractors(ctx context.Context) {
	for video, ext := range s.extractors {
		if _, err := ext.ExtractEvents(ctx); err != nil {
			s.Log.Warnf("Extracting clips of %v: %v", video, err)
		}
		if len(ext.Pending()) == 0 {
			delete(s.extractors, video)
		}
	}
}

func (s *Server) attachUploader(ext *extractor.Extractor) {
	if s.uploader != nil {
		ext.OnClip = s.uploader.Upload
	}
}

// publishEvent records an accepted event for the HTTP API, and fans it out to websocket listeners
func (s *Server) publishEvent(ev events.Event) {
	s.eventsLock.Lock()
	defer s.eventsLock.Unlock()
	s.recent.Add(ev)
	for ch := range s.listeners {
		select {
		case ch <- ev:
		default:
			// Slow listener. Drop rather than stall the watcher.
		}
	}
}

// RecentEvents returns the most recently accepted events, oldest first
func (s *Server) RecentEvents() []events.Event {
	s.eventsLock.Lock()
	defer s.eventsLock.Unlock()
	out := make([]events.Event, 0, s.recent.Len())
	for i := 0; i < s.recent.Len(); i++ {
		out = append(out, s.recent.Peek(i))
	}
	return out
}

func (s *Server) addListener() chan events.Event {
	ch := make(chan events.Event, 100)
	s.eventsLock.Lock()
	s.listeners[ch] = true
	s.eventsLock.Unlock()
	return ch
}

func (s *Server) removeListener(ch chan events.Event) {
	s.eventsLock.Lock()
	delete(s.listeners, ch)
	s.eventsLock.Unlock()
}

// port example: ":8080"
func (s *Server) ListenHTTP(port string) error {
	s.Log.Infof("Listening on %v", port)
	s.httpServer = &http.Server{
		Addr:    port,
		Handler: s.httpRouter,
	}
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) ListenForKillSignals() {
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v'. Shutting down", sig.String())
			s.Shutdown()
		}
	}()
}

// Shutdown stops the HTTP server and closes every component. ShutdownComplete receives the result.
func (s *Server) Shutdown() {
	s.Log.Infof("Shutdown")
	if s.signalIn != nil {
		signal.Stop(s.signalIn)
		close(s.signalIn)
		s.signalIn = nil
	}
	var err error
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = s.httpServer.Shutdown(ctx)
		cancel()
	}
	s.Close()
	if err != nil {
		s.Log.Warnf("Shutdown complete, with error: %v", err)
	} else {
		s.Log.Infof("Shutdown complete")
	}
	s.ShutdownComplete <- err
}

// Close releases every component. It is safe to call on a partially opened server.
func (s *Server) Close() {
	if s.webhook != nil {
		s.webhook.Close()
		s.webhook = nil
	}
	if s.mqtt != nil {
		s.mqtt.Close()
		s.mqtt = nil
	}
	if s.eventDB != nil {
		s.eventDB.Close()
		s.eventDB = nil
	}
	if s.dbQueue != nil {
		s.dbQueue.Close()
		s.dbQueue = nil
	}
	if s.tracker != nil {
		s.tracker.Close()
		s.tracker = nil
	}
}
