package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"net/url"
	"os"
	"reflect"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aukilabs/go-tooling/pkg/cli"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/events"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/go-tooling/pkg/metrics"
	"github.com/aukilabs/quadmap/download"
	"github.com/aukilabs/quadmap/featureflag"
	quadmaphttp "github.com/aukilabs/quadmap/http"
	"github.com/aukilabs/quadmap/persist"
	"github.com/aukilabs/quadmap/quadmap"
	"github.com/aukilabs/quadmap/smoketest"
	qwebsocket "github.com/aukilabs/quadmap/websocket"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/encoding/json"
	"golang.org/x/net/websocket"
)

var (
	// The quadmap version number. Set at build.
	version = "v0.1.0"

	infoGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name:        "quadmap_info",
		Help:        "Quadmap information.",
		ConstLabels: prometheus.Labels{"version": version},
	})
)

// This will effectively disable obfuscation of the config struct. Without it, the keys would get obfuscated causing the cli package to generate garbled command-line options.
// https://github.com/burrowers/garble/issues/403
var _ = reflect.TypeOf(config{})

type config struct {
	Addr               string         `cli:""        env:"QUADMAP_ADDR"                 help:"Listening address for API clients."`
	AdminAddr          string         `cli:""        env:"QUADMAP_ADMIN_ADDR"           help:"Admin listening address."`
	PublicEndpoint     string         `cli:""        env:"QUADMAP_PUBLIC_ENDPOINT"      help:"The public endpoint where this server is reachable."`
	Region             string         `cli:""        env:"QUADMAP_REGION"               help:"The name of the served region."`
	DataEndpoint       string         `cli:""        env:"QUADMAP_DATA_ENDPOINT"        help:"The map data endpoint where missing areas are fetched."`
	LogLevel           string         `cli:""        env:"QUADMAP_LOG_LEVEL"            help:"Log level (debug|info|warning|error)."`
	LogIndent          bool           `cli:""        env:"QUADMAP_LOG_INDENT"           help:"Indent logs."`
	LogSummaryInterval time.Duration  `cli:",hidden" env:"QUADMAP_LOG_SUMMARY_INTERVAL" help:"The duration between each log summary by stream connection."`
	Fetch              fetchConfig    `cli:",hidden" env:"-"                            help:"Fetch configuration."`
	Coverage           coverageConfig `cli:""        env:"-"                            help:"Coverage configuration."`
	Redis              redisConfig    `cli:""        env:"-"                            help:"Redis configuration."`
	Events             eventsConfig   `cli:",hidden" env:"-"                            help:"Event pusher configuration."`
	StreamBufferSize   int            `cli:",hidden" env:"QUADMAP_STREAM_BUFFER_SIZE"   help:"The number of events buffered by stream connection."`
	FeatureFlags       []string       `cli:",hidden" env:"QUADMAP_FEATURE_FLAGS"        help:"Comma separated feature flags"`
	Version            bool           `cli:""        env:"-"                            help:"Show version."`
	Help               bool           `cli:""        env:"-"                            help:"Show help."`
}

type fetchConfig struct {
	Workers int           `cli:",hidden" env:"QUADMAP_FETCH_WORKERS" help:"The number of concurrent fetches."`
	Timeout time.Duration `cli:",hidden" env:"QUADMAP_FETCH_TIMEOUT" help:"The maximum duration of a fetch."`
}

type coverageConfig struct {
	File             string        `cli:""        env:"QUADMAP_COVERAGE_FILE"              help:"The file where the coverage is saved."`
	SaveInterval     time.Duration `cli:",hidden" env:"QUADMAP_COVERAGE_SAVE_INTERVAL"     help:"The duration between each coverage save."`
	EvictionInterval time.Duration `cli:",hidden" env:"QUADMAP_COVERAGE_EVICTION_INTERVAL" help:"The duration between each eviction pass."`
	EvictionMinAge   time.Duration `cli:",hidden" env:"QUADMAP_COVERAGE_EVICTION_MIN_AGE"  help:"The age under which downloads are kept when there are too many objects."`
	MaxAge           time.Duration `cli:""        env:"QUADMAP_COVERAGE_MAX_AGE"           help:"The age after which downloads are discarded. Disabled when 0."`
	ObjectLimit      int           `cli:""        env:"QUADMAP_OBJECT_LIMIT"               help:"The number of objects above which old downloads are discarded. Disabled when 0."`
	UndoLimit        int           `cli:",hidden" env:"QUADMAP_UNDO_LIMIT"                 help:"The number of edits that can be undone."`
}

type redisConfig struct {
	Addr     string `cli:""        env:"QUADMAP_REDIS_ADDR"     help:"Redis address. When set, the coverage is saved in redis instead of a file."`
	Password string `cli:",hidden" env:"QUADMAP_REDIS_PASSWORD" help:"Redis password."`
	DB       int    `cli:",hidden" env:"QUADMAP_REDIS_DB"       help:"Redis database."`
	Key      string `cli:",hidden" env:"QUADMAP_REDIS_KEY"      help:"The redis key where the coverage is saved."`
}

type eventsConfig struct {
	Endpoint      string        `cli:",hidden" env:"QUADMAP_EVENTS_ENDPOINT"       help:"Endpoint to where log events are pushed. Disabled when empty."`
	FlushInterval time.Duration `cli:",hidden" env:"QUADMAP_EVENTS_FLUSH_INTERVAL" help:"The duration between each event flush."`
	BatchSize     int           `cli:",hidden" env:"QUADMAP_EVENTS_BATCH_SIZE"     help:"The maximum number of events sent at once."`
	QueueSize     int           `cli:",hidden" env:"QUADMAP_EVENTS_QUEUE_SIZE"     help:"The size of the queue where events are stored."`
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logs.Fatal(errors.New("loading .env file failed").Wrap(err))
	}

	conf := config{
		Addr:               ":4100",
		AdminAddr:          ":18191",
		PublicEndpoint:     "http://localhost:4100",
		Region:             "world",
		LogLevel:           logs.InfoLevel.String(),
		LogSummaryInterval: time.Minute,
		Fetch: fetchConfig{
			Workers: download.DefaultWorkers,
			Timeout: download.DefaultFetchTimeout,
		},
		Coverage: coverageConfig{
			File:             "quadmap.coverage",
			SaveInterval:     download.DefaultSaveInterval,
			EvictionInterval: download.DefaultEvictionInterval,
			EvictionMinAge:   download.DefaultEvictionMinAge,
			UndoLimit:        download.DefaultUndoLimit,
		},
		Redis: redisConfig{
			Key: "quadmap:coverage",
		},
		Events: eventsConfig{
			FlushInterval: events.DefaultFlushInterval,
			BatchSize:     events.DefaultBatchSize,
			QueueSize:     events.DefaultQueueSize,
		},
		StreamBufferSize: 256,
	}

	// set the information gauge to 1, useful for SUM query
	infoGauge.Set(1)

	ctx, cancel := cli.ContextWithSignals(context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer cancel()

	cli.Register().
		Help("Starts quadmap server.").
		Options(&conf)
	cli.Load()

	if conf.Version {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := validateConfig(conf); err != nil {
		logs.Fatal(err)
	}

	logs.SetLevel(logs.ParseLevel(conf.LogLevel))
	logs.Encoder = json.Marshal
	if conf.LogIndent {
		logs.Encoder = func(v any) ([]byte, error) {
			return json.MarshalIndent(v, "", "  ")
		}
	}

	errors.Encoder = json.Marshal

	transport := metrics.HTTPTransport(http.DefaultTransport)

	if conf.Events.Endpoint != "" {
		eventsPusher := events.Pusher{
			Endpoint:      conf.Events.Endpoint,
			FlushInterval: conf.Events.FlushInterval,
			BatchSize:     conf.Events.BatchSize,
			QueueSize:     conf.Events.QueueSize,
			Transport:     transport,
		}
		go eventsPusher.Start()
		defer eventsPusher.Close()

		eventsLogger := events.Logger{
			Pusher:           &eventsPusher,
			SDKType:          "quadmap",
			SDKVersionFamily: version,
		}
		logs.SetLogger(eventsLogger.Log)
	}

	featureFlags := featureflag.New(conf.FeatureFlags)

	store, closeStore := newStore(conf)
	defer closeStore()

	region := quadmap.NewRegion(conf.Region)
	if store != nil && !featureFlags.IsSet(featureflag.FlagDisablePersistence) {
		region = quadmap.LoadRegion(ctx, conf.Region, store)
	}

	manager := download.NewManager(download.Config{
		Region: region,
		Fetcher: download.HTTPFetcher{
			Endpoint:  conf.DataEndpoint,
			UserAgent: fmt.Sprintf("quadmap %s", version),
			Transport: transport,
		},
		Workers:          conf.Fetch.Workers,
		FetchTimeout:     conf.Fetch.Timeout,
		Store:            store,
		SaveInterval:     conf.Coverage.SaveInterval,
		EvictionInterval: conf.Coverage.EvictionInterval,
		EvictionMinAge:   conf.Coverage.EvictionMinAge,
		MaxAge:           conf.Coverage.MaxAge,
		ObjectLimit:      conf.Coverage.ObjectLimit,
		UndoLimit:        conf.Coverage.UndoLimit,
		FeatureFlags:     featureFlags,
	})

	var ready atomic.Bool
	readinessCheck := ready.Load

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ready.Store(true)
		manager.Run(ctx)
		ready.Store(false)
	}()

	var service http.ServeMux
	service.Handle("/", quadmaphttp.HandleWithCORS(quadmaphttp.NewAPI(manager)))
	service.Handle("/health", quadmaphttp.HandleWithCORS(http.HandlerFunc(quadmaphttp.HandleHealthCheck)))
	service.Handle("/version", quadmaphttp.HandleWithCORS(http.HandlerFunc(quadmaphttp.HandleVersion(version))))
	service.Handle("/ready", quadmaphttp.HandleWithCORS(http.HandlerFunc(quadmaphttp.HandleReadyCheck(readinessCheck))))

	featureFlags.IfNotSet(featureflag.FlagDisableStream, func() {
		service.Handle("/coverage/stream", websocket.Server{
			Handler: func(conn *websocket.Conn) {
				defer conn.Close()

				var h qwebsocket.Handler = &qwebsocket.StreamHandler{
					Subscriber: manager,
					BufferSize: conf.StreamBufferSize,
				}
				h = qwebsocket.HandlerWithLogs(h, conf.LogSummaryInterval)
				h = qwebsocket.HandlerWithMetrics(h, conf.PublicEndpoint)
				defer h.Close()

				qwebsocket.Handle(ctx, conn, h)
			},
		})
	})

	var admin http.ServeMux
	admin.Handle("/metrics", promhttp.Handler())
	admin.HandleFunc("/health", quadmaphttp.HandleHealthCheck)
	admin.HandleFunc("/ready", quadmaphttp.HandleReadyCheck(readinessCheck))
	admin.HandleFunc("POST /smoke-test", smoketest.HandleSmokeTest(smoketest.Options{
		SendResult: func(ctx context.Context, res smoketest.Result) error {
			logs.WithTag("status", res.Status).
				WithTag("objects", res.Objects).
				WithTag("pieces", res.Pieces).
				WithTag("latency_ms", res.LatencyMilliSec).
				Info("smoke test completed")
			return nil
		},
	}))
	admin.HandleFunc("POST /consistency-check", handleConsistencyCheck(manager))
	admin.HandleFunc("POST /save", handleSave(manager))
	admin.HandleFunc("/debug/pprof/", pprof.Index)
	admin.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	admin.HandleFunc("/debug/pprof/profile", pprof.Profile)
	admin.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	admin.HandleFunc("/debug/pprof/trace", pprof.Trace)
	admin.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	admin.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	admin.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
	admin.Handle("/debug/pprof/block", pprof.Handler("block"))

	logs.WithTag("version", version).
		WithTag("log_level", conf.LogLevel).
		WithTag("endpoint", conf.PublicEndpoint).
		WithTag("data_endpoint", conf.DataEndpoint).
		WithTag("region", conf.Region).
		WithTag("feature_flags", conf.FeatureFlags).
		Info("starting quadmap server")

	quadmaphttp.ListenAndServe(ctx,
		&http.Server{Addr: conf.Addr, Handler: metrics.HTTPHandler(&service,
			quadmaphttp.MetricsPathFormatter)},
		&http.Server{Addr: conf.AdminAddr, Handler: &admin},
	)

	wg.Wait()
}

// newStore returns the store where the coverage is saved, or nil when the
// coverage is not saved.
func newStore(conf config) (persist.Store, func()) {
	if conf.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     conf.Redis.Addr,
			Password: conf.Redis.Password,
			DB:       conf.Redis.DB,
		})

		return persist.RedisStore{
				Client: client,
				Key:    conf.Redis.Key,
			}, func() {
				if err := client.Close(); err != nil {
					logs.Warn(errors.New("closing redis client failed").Wrap(err))
				}
			}
	}

	if conf.Coverage.File != "" {
		return persist.FileStore{Path: conf.Coverage.File}, func() {}
	}
	return nil, func() {}
}

func handleConsistencyCheck(m *download.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := m.ConsistencyCheck(r.Context()); err != nil {
			logs.Error(err)
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(err.Error()))
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func handleSave(m *download.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := m.Save(r.Context()); err != nil {
			logs.Error(err)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func validateConfig(conf config) error {
	if _, err := url.ParseRequestURI(conf.PublicEndpoint); err != nil {
		return errors.New("invalid public endpoint").Wrap(err)
	}

	if _, err := url.ParseRequestURI(conf.DataEndpoint); err != nil {
		return errors.New("invalid data endpoint").
			WithTag("data_endpoint", conf.DataEndpoint).
			Wrap(err)
	}

	if conf.Region == "" {
		return errors.New("region name is empty")
	}

	if conf.Redis.Addr != "" && conf.Redis.Key == "" {
		return errors.New("redis key is empty")
	}

	return nil
}
