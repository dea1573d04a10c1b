package handlers

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-forecast/internal/cache"
)

const healthCheckTimeout = 5 * time.Second

// HealthChecker is implemented by the Postgres and Redis connections.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type HealthHandler struct {
	db         HealthChecker
	redis      HealthChecker
	cacheStats func() cache.CacheStats
	version    string
	startTime  time.Time
	logger     *logrus.Logger
}

type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Services  map[string]string `json:"services"`
	Cache     *CacheHealth      `json:"cache,omitempty"`
	Memory    *MemoryHealth     `json:"memory,omitempty"`
}

type CacheHealth struct {
	Backend   string  `json:"backend"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Sets      int64   `json:"sets"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hit_rate_percent"`
	Capacity  int     `json:"capacity"`
	TTL       float64 `json:"ttl_seconds"`
}

type MemoryHealth struct {
	SystemTotalBytes     uint64  `json:"system_total_bytes"`
	SystemAvailableBytes uint64  `json:"system_available_bytes"`
	SystemUsedPercent    float64 `json:"system_used_percent"`
	ProcessRSSBytes      uint64  `json:"process_rss_bytes,omitempty"`
}

// NewHealthHandler builds the /health handler. db and redis may be nil when not configured.
func NewHealthHandler(db, redis HealthChecker, cacheStats func() cache.CacheStats, version string, logger *logrus.Logger) *HealthHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &HealthHandler{
		db:         db,
		redis:      redis,
		cacheStats: cacheStats,
		version:    version,
		startTime:  time.Now(),
		logger:     logger,
	}
}

func (h *HealthHandler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	services := map[string]string{
		"database": checkDependency(ctx, h.db),
		"redis":    checkDependency(ctx, h.redis),
	}

	overallStatus := "healthy"
	for name, status := range services {
		if status != "healthy" && status != "not configured" {
			overallStatus = "unhealthy"
			h.logger.WithField("service", name).Warn("Health check failed: " + status)
		}
	}

	response := HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now().UTC(),
		Version:   h.version,
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Services:  services,
		Memory:    h.memoryUsage(ctx),
	}

	if h.cacheStats != nil {
		stats := h.cacheStats()
		response.Cache = &CacheHealth{
			Backend:   stats.Backend,
			Hits:      stats.Hits,
			Misses:    stats.Misses,
			Sets:      stats.Sets,
			Evictions: stats.Evictions,
			HitRate:   stats.HitRate(),
			Capacity:  stats.Capacity,
			TTL:       stats.TTL,
		}
	}

	statusCode := http.StatusOK
	if overallStatus != "healthy" {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, response)
}

func checkDependency(ctx context.Context, checker HealthChecker) string {
	if checker == nil {
		return "not configured"
	}
	if err := checker.HealthCheck(ctx); err != nil {
		return "unhealthy: " + err.Error()
	}
	return "healthy"
}

// memoryUsage reports host and process memory. Missing numbers are left out rather than failing the probe.
func (h *HealthHandler) memoryUsage(ctx context.Context) *MemoryHealth {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		h.logger.WithError(err).Debug("Failed to read system memory")
		return nil
	}

	usage := &MemoryHealth{
		SystemTotalBytes:     vm.Total,
		SystemAvailableBytes: vm.Available,
		SystemUsedPercent:    vm.UsedPercent,
	}

	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return usage
	}
	if info, err := proc.MemoryInfoWithContext(ctx); err == nil && info != nil {
		usage.ProcessRSSBytes = info.RSS
	}
	return usage
}
