package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"optionflow/config"
	"optionflow/internal/channel"
	"optionflow/internal/metrics"
	"optionflow/internal/scheduler"
	"optionflow/logger"
	"optionflow/models"
)

// JobSource reports per-job scheduler state.
type JobSource interface {
	Status() []scheduler.JobStatus
}

// StateSource reports the persisted tracker state of an asset and whether
// its last completed run is older than interval*tolerance.
type StateSource interface {
	Get(asset models.Asset) (models.State, bool)
	IsStale(asset models.Asset, interval time.Duration, tolerance float64, now time.Time) bool
}

type ChannelSource interface {
	GetStats() channel.ChannelStats
}

// Sources are the pipeline parts exposed on /health and /api/status. Any of
// them may be nil. RunInterval is the shortest publishing job interval; an
// asset whose lastRunAt falls behind RunInterval*StaleTolerance is stale.
type Sources struct {
	Jobs           JobSource
	States         StateSource
	Channels       ChannelSource
	Assets         []models.Asset
	Ping           func(ctx context.Context) error
	RunInterval    time.Duration
	StaleTolerance float64
}

// Server hosts the status API of the aggregation service.
type Server struct {
	cfg             config.DashboardConfig
	log             *logger.Log
	sources         Sources
	startedAt       time.Time
	now             func() time.Time
	metricStore     *metricStore
	logStore        *logStore
	metricHandler   metrics.MetricHandlerID
	httpServer      *http.Server
	resourceSampler *resourceSampler
}

// NewServer returns nil when the status server is disabled.
func NewServer(cfg config.DashboardConfig, log *logger.Log, sources Sources) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if log == nil {
		log = logger.GetLogger()
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}
	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}
	if cfg.MetricsHistory <= 0 {
		cfg.MetricsHistory = 200
	}

	metricStore := newMetricStore(cfg.MetricsHistory)
	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	return &Server{
		cfg:             cfg,
		log:             log,
		sources:         sources,
		startedAt:       time.Now(),
		now:             time.Now,
		metricStore:     metricStore,
		logStore:        logStore,
		metricHandler:   metrics.RegisterMetricHandler(metricStore.handle),
		resourceSampler: newResourceSampler(cfg.MetricsHistory, cfg.RefreshInterval, "/", log),
	}, nil
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}

	defer s.cleanup()

	router, err := s.buildRouter(appName)
	if err != nil {
		return err
	}

	s.resourceSampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithComponent("dashboard").WithField("address", s.cfg.Address).Info("status server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	s.logStore.close()
	s.resourceSampler.stop()
}

func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

type healthResponse struct {
	Status    string   `json:"status"`
	Timestamp string   `json:"timestamp"`
	Uptime    float64  `json:"uptime"`
	Stale     []string `json:"stale,omitempty"`
	Store     string   `json:"store,omitempty"`
}

// health reports "ok", "degraded" when a job or an asset's last completed
// run is stale, or "unavailable" with 503 when the shared store does not
// answer.
func (s *Server) health(ctx context.Context) (int, healthResponse) {
	now := s.now()
	resp := healthResponse{
		Status:    "ok",
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Uptime:    now.Sub(s.startedAt).Seconds(),
	}

	if s.sources.Jobs != nil {
		for _, js := range s.sources.Jobs.Status() {
			if js.Stale {
				resp.Stale = append(resp.Stale, string(js.Asset)+"/"+string(js.Job))
			}
		}
	}
	if s.sources.States != nil && s.sources.RunInterval > 0 {
		tolerance := s.sources.StaleTolerance
		if tolerance <= 0 {
			tolerance = 3
		}
		for _, asset := range s.sources.Assets {
			if s.sources.States.IsStale(asset, s.sources.RunInterval, tolerance, now) {
				resp.Stale = append(resp.Stale, string(asset)+"/last_run")
			}
		}
	}
	if len(resp.Stale) > 0 {
		resp.Status = "degraded"
	}

	if s.sources.Ping != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.sources.Ping(pingCtx); err != nil {
			resp.Status = "unavailable"
			resp.Store = err.Error()
			return http.StatusServiceUnavailable, resp
		}
	}
	return http.StatusOK, resp
}

type statusResponse struct {
	App      string                        `json:"app"`
	Jobs     []scheduler.JobStatus         `json:"jobs"`
	State    map[models.Asset]models.State `json:"state"`
	Channels *channel.ChannelStats         `json:"channels,omitempty"`
}

func (s *Server) status(appName string) statusResponse {
	resp := statusResponse{
		App:   appName,
		Jobs:  []scheduler.JobStatus{},
		State: make(map[models.Asset]models.State, len(s.sources.Assets)),
	}
	if s.sources.Jobs != nil {
		resp.Jobs = s.sources.Jobs.Status()
	}
	if s.sources.States != nil {
		for _, asset := range s.sources.Assets {
			if st, ok := s.sources.States.Get(asset); ok {
				resp.State[asset] = st
			}
		}
	}
	if s.sources.Channels != nil {
		stats := s.sources.Channels.GetStats()
		resp.Channels = &stats
	}
	return resp
}

func (s *Server) buildRouter(appName string) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/health", func(c *gin.Context) {
		code, body := s.health(c.Request.Context())
		c.JSON(code, body)
	})

	router.GET("/api/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.status(appName))
	})

	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	router.GET("/api/metrics", func(c *gin.Context) {
		metricsSnapshot := s.metricStore.snapshot()
		payload := make([]gin.H, 0, len(metricsSnapshot))
		for _, m := range metricsSnapshot {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		logsSnapshot := s.logStore.snapshot()
		payload := make([]gin.H, 0, len(logsSnapshot))
		for _, l := range logsSnapshot {
			payload = append(payload, gin.H{
				"timestamp": l.Timestamp.Format(time.RFC3339Nano),
				"level":     l.Level,
				"component": l.Component,
				"message":   l.Message,
				"fields":    l.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"logs": payload})
	})

	router.GET("/api/resources", func(c *gin.Context) {
		snapshots := s.resourceSampler.snapshot()
		payload := make([]gin.H, 0, len(snapshots))
		for _, snap := range snapshots {
			payload = append(payload, gin.H{
				"timestamp":      snap.Timestamp.Format(time.RFC3339Nano),
				"cpu_percent":    snap.CPUPercent,
				"memory_used":    snap.MemoryUsed,
				"memory_total":   snap.MemoryTotal,
				"memory_percent": snap.MemoryPct,
				"disk_used":      snap.DiskUsed,
				"disk_total":     snap.DiskTotal,
				"disk_percent":   snap.DiskPct,
			})
		}
		c.JSON(http.StatusOK, gin.H{"resources": payload, "failed_samples": s.resourceSampler.failed()})
	})

	return router, nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
