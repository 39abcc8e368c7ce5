package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"egress-pool/pkg/database"
	"egress-pool/pkg/models"
	"egress-pool/pkg/pool"

	"github.com/gin-gonic/gin"
)

// ==================== Admin API Handlers ====================

func (h *Handler) ListResources(c *gin.Context) {
	f := database.ResourceFilter{
		Status:   models.Status(c.Query("status")),
		Type:     models.ResourceType(c.Query("type")),
		Country:  c.Query("country"),
		Provider: c.Query("provider"),
	}
	if f.Status != "" && !f.Status.Valid() {
		badRequest(c, fmt.Errorf("unknown status %q", f.Status))
		return
	}
	if f.Type != "" && !f.Type.Valid() {
		badRequest(c, fmt.Errorf("unknown resource type %q", f.Type))
		return
	}
	var err error
	if f.Limit, err = intQuery(c, "limit", 0); err != nil {
		badRequest(c, err)
		return
	}
	if f.Offset, err = intQuery(c, "offset", 0); err != nil {
		badRequest(c, err)
		return
	}

	resources, err := h.pool.List(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resources": resources, "count": len(resources)})
}

// AddResource registers a resource by hand. An already pooled address
// returns the existing resource with 200.
func (h *Handler) AddResource(c *gin.Context) {
	var req models.Candidate
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Type != "" && !req.Type.Valid() {
		badRequest(c, fmt.Errorf("unknown resource type %q", req.Type))
		return
	}
	res, created, err := h.pool.Register(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, res)
}

func (h *Handler) GetResource(c *gin.Context) {
	res, err := h.pool.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) DeleteResource(c *gin.Context) {
	if err := h.pool.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *Handler) SetStatus(c *gin.Context) {
	var req struct {
		Status models.Status `json:"status" binding:"required"`
		Reason string        `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if !req.Status.Valid() {
		badRequest(c, fmt.Errorf("unknown status %q", req.Status))
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "set by admin"
	}

	res, err := h.pool.SetStatus(c.Request.Context(), c.Param("id"), req.Status, reason)
	if err != nil {
		writeError(c, err)
		return
	}
	if res == nil {
		c.JSON(http.StatusOK, gin.H{"status": "removed"})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) RotateResource(c *gin.Context) {
	released, err := h.pool.Rotate(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": released})
}

func (h *Handler) ResetResource(c *gin.Context) {
	res, err := h.pool.ResetFailures(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) ResourceFailures(c *gin.Context) {
	limit, err := intQuery(c, "limit", 50)
	if err != nil {
		badRequest(c, err)
		return
	}
	records, err := h.pool.Failures(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"failures": records})
}

func (h *Handler) RotateAll(c *gin.Context) {
	n, err := h.pool.RotateAll(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rotated": n})
}

func (h *Handler) Stats(c *gin.Context) {
	ctx := c.Request.Context()
	counts, err := h.pool.Counts(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	providers, err := h.pool.ListProviders(ctx, false)
	if err != nil {
		writeError(c, err)
		return
	}

	total := 0
	byStatus := make(map[string]int, len(models.AllStatuses))
	for _, s := range models.AllStatuses {
		byStatus[string(s)] = counts[s]
		total += counts[s]
	}
	active := 0
	for _, p := range providers {
		if p.Active {
			active++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"total":            total,
		"by_status":        byStatus,
		"providers":        len(providers),
		"active_providers": active,
	})
}

func (h *Handler) ListProviders(c *gin.Context) {
	activeOnly := c.Query("active") == "true"
	providers, err := h.pool.ListProviders(c.Request.Context(), activeOnly)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"providers": providers})
}

func (h *Handler) AddProvider(c *gin.Context) {
	var req pool.ProviderInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p, err := h.pool.AddProvider(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *Handler) UpdateProvider(c *gin.Context) {
	var req pool.ProviderInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p, err := h.pool.UpdateProvider(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) DeleteProvider(c *gin.Context) {
	if err := h.pool.DeleteProvider(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// Replenish runs one replenishment now. ?min overrides the configured
// minimum.
func (h *Handler) Replenish(c *gin.Context) {
	minAvailable, err := intQuery(c, "min", h.cfg.MinAvailable)
	if err != nil {
		badRequest(c, err)
		return
	}
	report, err := h.replenish.EnsureMinimumAvailable(c.Request.Context(), minAvailable)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// HealthCheck probes every resource, or one with ?resource_id. With
// ?apply=true the health policy runs afterwards.
func (h *Handler) HealthCheck(c *gin.Context) {
	ctx := c.Request.Context()
	resp := gin.H{}

	if id := c.Query("resource_id"); id != "" {
		result, err := h.health.ProbeResource(ctx, id)
		if err != nil {
			writeError(c, err)
			return
		}
		resp["results"] = []interface{}{result}
	} else {
		results, err := h.health.ProbeAll(ctx)
		if err != nil {
			writeError(c, err)
			return
		}
		resp["results"] = results
	}

	if c.Query("apply") == "true" {
		report, err := h.health.ApplyHealthPolicy(ctx)
		if err != nil {
			writeError(c, err)
			return
		}
		resp["policy"] = report
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) ResourceHealth(c *gin.Context) {
	window, err := durationQuery(c, "window", h.cfg.HealthWindow)
	if err != nil {
		badRequest(c, err)
		return
	}
	rows, err := h.health.AggregateHealth(c.Request.Context(), window)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"window": window.String(), "resources": rows})
}

func (h *Handler) ProviderHealth(c *gin.Context) {
	window, err := durationQuery(c, "window", h.cfg.HealthWindow)
	if err != nil {
		badRequest(c, err)
		return
	}
	rows, err := h.health.ProviderHealth(c.Request.Context(), window)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"window": window.String(), "providers": rows})
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return n, nil
}

func durationQuery(c *gin.Context, key string, def time.Duration) (time.Duration, error) {
	raw := c.Query(key)
	if raw == "" {
		if def <= 0 {
			def = 24 * time.Hour
		}
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return d, nil
}
