package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/vew/pkg/geom"
	"github.com/cyclopcam/vew/pkg/nn"
	"github.com/cyclopcam/vew/server/archive"
	"github.com/cyclopcam/vew/server/events"
	"github.com/cyclopcam/vew/server/extractor"
	"github.com/cyclopcam/vew/server/notifications"
	"github.com/cyclopcam/vew/server/processor"
	"github.com/cyclopcam/vew/server/router"
	"github.com/cyclopcam/vew/server/watcher"
	"gopkg.in/yaml.v3"
)

const (
	BrokerAMQP = "amqp"
	BrokerDB   = "db"
)

type Config struct {
	Watcher   WatcherConfig            `yaml:"watcher"`
	Processor ProcessorConfig          `yaml:"processor"`
	Extractor ExtractorConfig          `yaml:"extractor"`
	Router    RouterConfig             `yaml:"router"`
	Database  DatabaseConfig           `yaml:"database"`
	MQTT      notifications.MQTTConfig `yaml:"mqtt"`
	Webhook   string                   `yaml:"webhook"` // URL that receives every consumed event. Optional.
	Archive   archive.Config           `yaml:"archive"`
	HTTP      HTTPConfig               `yaml:"http"`
}

type WatcherConfig struct {
	TargetEvents      []string `yaml:"target_events"`      // Events that are forwarded to the queue
	ExtractEvents     []string `yaml:"extract_events"`     // Events that get a clip
	DuplicateInterval float64  `yaml:"duplicate_interval"` // Seconds
	FPS               float64  `yaml:"fps"`                // Zero reads the frame rate from each video
	InputsRoot        string   `yaml:"inputs_root"`
	FramesRoot        string   `yaml:"frames_root"`
	TracksRoot        string   `yaml:"tracks_root"`
	OutputsRoot       string   `yaml:"outputs_root"` // Empty to disable the annotated copy of the video
	EventsRoot        string   `yaml:"events_root"`
	FrameExt          string   `yaml:"frame_ext"`
	ExtractInline     bool     `yaml:"extract_inline"` // Extract clips while the video is being processed
}

type ProcessorConfig struct {
	TrackerURL         string    `yaml:"tracker_url"`   // Base URL of the tracker service
	ReplayTracks       string    `yaml:"replay_tracks"` // Replay an aggregate tracks file instead of calling the tracker
	FramesSkip         int       `yaml:"frames_skip"`
	TargetLabels       []int     `yaml:"target_labels"`  // COCO class indices
	TargetClasses      []string  `yaml:"target_classes"` // COCO class names, added to TargetLabels
	LineAngle          *float64  `yaml:"line_angle"`     // Degrees, -180..180. No line if omitted.
	LinePoint          []float64 `yaml:"line_point"`     // [x, y]
	IntersectThreshold float64   `yaml:"intersect_threshold"`
}

type ExtractorConfig struct {
	SecondsBefore float64       `yaml:"sec_before"`
	SecondsAfter  float64       `yaml:"sec_after"`
	FourCC        string        `yaml:"fourcc"`
	FPS           float64       `yaml:"fps"`
	Container     string        `yaml:"container"`
	MaxWait       time.Duration `yaml:"max_wait"` // Zero waits forever
}

type RouterConfig struct {
	Broker            string        `yaml:"broker"` // "amqp" or "db"
	Host              string        `yaml:"host"`   // RabbitMQ host, used if URL is empty
	URL               string        `yaml:"url"`
	Queue             string        `yaml:"queue"`
	PollTimeout       time.Duration `yaml:"poll_timeout"`
	AllowedEvents     []string      `yaml:"allowed_events"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"` // db broker only
	QueueDatabase     string        `yaml:"queue_database"`     // sqlite file of the db broker
	ExtractOnReceive  bool          `yaml:"extract_on_receive"`
}

type DatabaseConfig struct {
	dbh.DBConfig `yaml:",inline"`
	MaxEvents    int64 `yaml:"max_events"` // Purge the oldest events beyond this count. Zero keeps everything.
}

type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns a configuration that runs everything on one machine, relative to the current directory
func Default() *Config {
	return &Config{
		Watcher: WatcherConfig{
			TargetEvents:      []string{string(events.NewObject), string(events.LineIntersection)},
			ExtractEvents:     []string{string(events.LineIntersection)},
			DuplicateInterval: 1,
			FPS:               25,
			InputsRoot:        "inputs",
			FramesRoot:        "frames",
			TracksRoot:        "tracks",
			OutputsRoot:       "outputs",
			EventsRoot:        "events",
			FrameExt:          "png",
			ExtractInline:     true,
		},
		Processor: ProcessorConfig{
			TrackerURL:         "http://localhost:8100",
			IntersectThreshold: geom.IntersectThreshold,
		},
		Extractor: ExtractorConfig{
			SecondsBefore: 2,
			SecondsAfter:  2,
			FourCC:        "mp4v",
			FPS:           25,
			Container:     "mp4",
		},
		Router: RouterConfig{
			Broker:            BrokerDB,
			Host:              "localhost",
			Queue:             "vew_events",
			PollTimeout:       router.DefaultPollTimeout,
			VisibilityTimeout: router.DefaultVisibilityTimeout,
			QueueDatabase:     "db/queue.sqlite",
		},
		Database: DatabaseConfig{
			DBConfig: dbh.MakeSqliteConfig("db/events.sqlite"),
		},
		MQTT: notifications.MQTTConfig{
			TopicPrefix: notifications.DefaultTopicPrefix,
		},
		HTTP: HTTPConfig{
			Listen: ":8080",
		},
	}
}

// Load reads a YAML file on top of the defaults, and validates the result
func Load(filename string) (*Config, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("Error parsing %v: %w", filename, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("Invalid configuration in %v: %w", filename, err)
	}
	return cfg, nil
}

// Validate checks for values that would make the pipeline misbehave
func (c *Config) Validate() error {
	errs := []error{}
	if _, err := events.ParseNames(c.Watcher.TargetEvents); err != nil {
		errs = append(errs, fmt.Errorf("watcher.target_events: %w", err))
	}
	if _, err := events.ParseNames(c.Watcher.ExtractEvents); err != nil {
		errs = append(errs, fmt.Errorf("watcher.extract_events: %w", err))
	}
	if _, err := events.ParseNames(c.Router.AllowedEvents); err != nil {
		errs = append(errs, fmt.Errorf("router.allowed_events: %w", err))
	}
	if c.Watcher.FPS < 0 {
		errs = append(errs, fmt.Errorf("watcher.fps may not be negative"))
	}
	if c.Watcher.DuplicateInterval < 0 {
		errs = append(errs, fmt.Errorf("watcher.duplicate_interval may not be negative"))
	}
	if c.Extractor.FPS <= 0 {
		errs = append(errs, fmt.Errorf("extractor.fps must be positive"))
	}
	if c.Extractor.SecondsBefore < 0 || c.Extractor.SecondsAfter < 0 {
		errs = append(errs, fmt.Errorf("extractor.sec_before and extractor.sec_after may not be negative"))
	}
	if c.Extractor.MaxWait < 0 {
		errs = append(errs, fmt.Errorf("extractor.max_wait may not be negative"))
	}
	if len(c.Extractor.FourCC) != 4 {
		errs = append(errs, fmt.Errorf("extractor.fourcc must be 4 characters, not '%v'", c.Extractor.FourCC))
	}
	if c.Processor.FramesSkip < 0 {
		errs = append(errs, fmt.Errorf("processor.frames_skip may not be negative"))
	}
	if c.Processor.LineAngle != nil {
		if *c.Processor.LineAngle < -180 || *c.Processor.LineAngle > 180 {
			errs = append(errs, fmt.Errorf("processor.line_angle must be between -180 and 180"))
		}
		if len(c.Processor.LinePoint) != 2 {
			errs = append(errs, fmt.Errorf("processor.line_point must be [x, y]"))
		}
	}
	if _, err := c.Processor.Classes(); err != nil {
		errs = append(errs, err)
	}
	if c.Processor.TrackerURL == "" && c.Processor.ReplayTracks == "" {
		errs = append(errs, fmt.Errorf("processor.tracker_url or processor.replay_tracks is required"))
	}
	switch c.Router.Broker {
	case BrokerAMQP, BrokerDB:
	default:
		errs = append(errs, fmt.Errorf("router.broker must be '%v' or '%v', not '%v'", BrokerAMQP, BrokerDB, c.Router.Broker))
	}
	if c.Router.PollTimeout < 0 {
		errs = append(errs, fmt.Errorf("router.poll_timeout may not be negative"))
	}
	if err := c.Archive.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("archive: %w", err))
	}
	return errors.Join(errs...)
}

// Classes returns the union of target_labels and target_classes
func (p *ProcessorConfig) Classes() ([]int, error) {
	classes := append([]int{}, p.TargetLabels...)
	for _, name := range p.TargetClasses {
		idx := nn.ClassIndex(name)
		if idx == -1 {
			return nil, fmt.Errorf("processor.target_classes: unknown class '%v'", name)
		}
		classes = append(classes, idx)
	}
	for _, c := range classes {
		if c < 0 || c >= len(nn.COCOClasses) {
			return nil, fmt.Errorf("processor.target_labels: invalid class %v", c)
		}
	}
	return classes, nil
}

// Line returns the configured reference line, or nil
func (p *ProcessorConfig) Line() *geom.Line {
	if p.LineAngle == nil || len(p.LinePoint) != 2 {
		return nil
	}
	line := geom.LineFromAngle(*p.LineAngle, geom.Point{X: int(p.LinePoint[0]), Y: int(p.LinePoint[1])})
	return &line
}

func (c *Config) ProcessorSettings() processor.Settings {
	classes, _ := c.Processor.Classes()
	return processor.Settings{
		AllowedClasses:     classes,
		Line:               c.Processor.Line(),
		IntersectThreshold: c.Processor.IntersectThreshold,
	}
}

func (c *Config) WatcherSettings() watcher.Settings {
	target, _ := events.ParseNames(c.Watcher.TargetEvents)
	extract, _ := events.ParseNames(c.Watcher.ExtractEvents)
	return watcher.Settings{
		TargetEvents:      target,
		ExtractEvents:     extract,
		DuplicateInterval: c.Watcher.DuplicateInterval,
		FPS:               c.Watcher.FPS,
		FramesSkip:        c.Processor.FramesSkip,
		FramesRoot:        c.Watcher.FramesRoot,
		TracksRoot:        c.Watcher.TracksRoot,
		OutputsRoot:       c.Watcher.OutputsRoot,
		EventsRoot:        c.Watcher.EventsRoot,
		FrameExt:          c.Watcher.FrameExt,
		Container:         c.Extractor.Container,
		VisualizerSeed:    1,
	}
}

func (c *Config) ExtractorSettings() extractor.Settings {
	return extractor.Settings{
		SecondsBefore: c.Extractor.SecondsBefore,
		SecondsAfter:  c.Extractor.SecondsAfter,
		FPS:           c.Extractor.FPS,
		Container:     c.Extractor.Container,
		FrameExt:      c.Watcher.FrameExt,
		MaxWait:       c.Extractor.MaxWait,
	}
}

// AllowedEvents returns the Receiver's allow-list. Empty means all events.
func (c *Config) AllowedEvents() []events.Name {
	allowed, _ := events.ParseNames(c.Router.AllowedEvents)
	return allowed
}

// BrokerURL returns the AMQP URL of the broker
func (c *Config) BrokerURL() string {
	if c.Router.URL != "" {
		return c.Router.URL
	}
	return router.AMQPURL(c.Router.Host)
}

// InputPath returns the full path of a video inside the inputs directory.
// Returns an error if name tries to escape the inputs directory.
func (c *Config) InputPath(name string) (string, error) {
	if name == "" || filepath.Base(name) != name {
		return "", fmt.Errorf("Invalid video name '%v'", name)
	}
	return filepath.Join(c.Watcher.InputsRoot, name), nil
}
