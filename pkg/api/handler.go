package api

import (
	"fmt"
	"net/http"

	"egress-pool/pkg/health"
	"egress-pool/pkg/models"
	"egress-pool/pkg/pool"
	"egress-pool/pkg/replenish"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	pool      *pool.Manager
	replenish *replenish.Controller
	health    *health.Monitor
	cfg       Config
}

func NewHandler(p *pool.Manager, ctrl *replenish.Controller, mon *health.Monitor, cfg Config) *Handler {
	return &Handler{pool: p, replenish: ctrl, health: mon, cfg: cfg}
}

// ==================== Lease API Handlers ====================

type claimRequest struct {
	ConsumerID string              `json:"consumer_id" binding:"required"`
	ResourceID string              `json:"resource_id"`
	Country    string              `json:"country"`
	Type       models.ResourceType `json:"type"`
}

func (r claimRequest) toPool() (pool.ClaimRequest, error) {
	if r.Type != "" && !r.Type.Valid() {
		return pool.ClaimRequest{}, fmt.Errorf("unknown resource type %q", r.Type)
	}
	return pool.ClaimRequest{ResourceID: r.ResourceID, Country: r.Country, Type: r.Type}, nil
}

type leaseRequest struct {
	ConsumerID string `json:"consumer_id" binding:"required"`
	ResourceID string `json:"resource_id" binding:"required"`
}

// Claim leases a resource to the calling consumer.
func (h *Handler) Claim(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	claim, err := req.toPool()
	if err != nil {
		badRequest(c, err)
		return
	}

	res, err := h.pool.Claim(c.Request.Context(), req.ConsumerID, claim)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, leaseResponse(res))
}

func (h *Handler) Release(c *gin.Context) {
	var req leaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.pool.Release(c.Request.Context(), req.ConsumerID, req.ResourceID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "released"})
}

func (h *Handler) ReleaseAll(c *gin.Context) {
	var req struct {
		ConsumerID string `json:"consumer_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	n, err := h.pool.ReleaseAll(c.Request.Context(), req.ConsumerID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": n})
}

// RotateLease swaps the consumer's resource for another one.
func (h *Handler) RotateLease(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.ResourceID == "" {
		badRequest(c, fmt.Errorf("resource_id is required"))
		return
	}
	claim, err := req.toPool()
	if err != nil {
		badRequest(c, err)
		return
	}

	res, err := h.pool.RotateForConsumer(c.Request.Context(), req.ConsumerID, req.ResourceID, claim)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, leaseResponse(res))
}

func (h *Handler) RecordUsage(c *gin.Context) {
	var req pool.UsageReport
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.pool.RecordUsage(c.Request.Context(), req); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "recorded"})
}

// leaseResponse carries what a consumer needs to dial the resource,
// including the credentials the resource JSON hides.
func leaseResponse(res *models.IPResource) gin.H {
	return gin.H{
		"resource":  res,
		"proxy_url": res.ProxyURL(),
	}
}
