package rest

import (
	"time"

	"github.com/AzielCF/az-publisher/pkg/utils"
	"github.com/gofiber/fiber/v2"
)

// MonitoringSources feeds the read-only monitoring endpoints. Nil readers
// make their endpoint answer 503.
type MonitoringSources struct {
	Queue       QueueStatsReader
	Workers     WorkerStatsReader
	Events      EventReader
	Performance PerformanceReader
	Sessions    SessionReader
	Window      time.Duration
}

type MonitoringHandler struct {
	src MonitoringSources
}

func InitRestMonitoring(app fiber.Router, src MonitoringSources) *MonitoringHandler {
	if src.Window <= 0 {
		src.Window = time.Hour
	}
	h := &MonitoringHandler{src: src}

	app.Get("/queues/stats", h.GetQueueStats)
	app.Get("/workers/stats", h.GetWorkerStats)
	app.Get("/monitoring/events", h.GetRecentEvents)
	app.Get("/monitoring/performance", h.GetPerformance)
	app.Get("/monitoring/sessions", h.GetSessions)

	return h
}

func unavailable(c *fiber.Ctx, what string) error {
	return c.Status(fiber.StatusServiceUnavailable).JSON(utils.ResponseData{
		Status:  fiber.StatusServiceUnavailable,
		Code:    "SERVICE_UNAVAILABLE",
		Message: what + " not initialized",
	})
}

func (h *MonitoringHandler) GetQueueStats(c *fiber.Ctx) error {
	if h.src.Queue == nil {
		return unavailable(c, "queue")
	}
	stats, err := h.src.Queue.Stats(c.UserContext())
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Queue stats",
		Results: stats,
	})
}

func (h *MonitoringHandler) GetWorkerStats(c *fiber.Ctx) error {
	if h.src.Workers == nil {
		return unavailable(c, "worker pools")
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Worker pool stats",
		Results: h.src.Workers.Stats(),
	})
}

// GetRecentEvents returns totals plus recent job events, optionally filtered
// by ?platform= and capped by ?limit=.
func (h *MonitoringHandler) GetRecentEvents(c *fiber.Ctx) error {
	if h.src.Events == nil {
		return unavailable(c, "event monitor")
	}
	stats := h.src.Events.GetStats()
	if platform := c.Query("platform"); platform != "" || c.QueryInt("limit", 0) > 0 {
		stats.RecentEvents = h.src.Events.Filter(platform, c.QueryInt("limit", 0))
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Recent job events",
		Results: stats,
	})
}

func (h *MonitoringHandler) GetPerformance(c *fiber.Ctx) error {
	if h.src.Performance == nil {
		return unavailable(c, "performance collector")
	}
	window := h.src.Window
	if v := c.Query("window"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			window = d
		}
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Performance summaries",
		Results: h.src.Performance.Summaries(window),
	})
}

func (h *MonitoringHandler) GetSessions(c *fiber.Ctx) error {
	if h.src.Sessions == nil {
		return unavailable(c, "session monitor")
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Session records",
		Results: h.src.Sessions.Records(),
	})
}
