package api

import (
	"errors"
	"net/http"

	"egress-pool/pkg/pool"

	"github.com/gin-gonic/gin"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, pool.ErrNoResourceAvailable), errors.Is(err, pool.ErrPoolUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, pool.ErrResourceUnavailable),
		errors.Is(err, pool.ErrNotAssigned),
		errors.Is(err, pool.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, pool.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pool.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
