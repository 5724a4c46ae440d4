package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"noteops/internal/dispatcher"
	"noteops/internal/license"
	"noteops/internal/sidecar"
)

// License error codes surfaced to the UI.
const (
	codeLicenseNotActivated = "LICENSE_NOT_ACTIVATED"
	codeLicenseExpired      = "LICENSE_EXPIRED"
	codeTaskLimitReached    = "TASK_LIMIT_REACHED"
)

// fail writes the uniform error body.
func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"success": false, "error": msg})
}

func failCode(c *gin.Context, status int, msg, code string) {
	c.JSON(status, gin.H{"success": false, "error": msg, "error_code": code})
}

// failErr maps domain errors onto HTTP statuses.
func failErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, dispatcher.ErrNotFound):
		fail(c, http.StatusNotFound, err.Error())
	case errors.Is(err, dispatcher.ErrValidation):
		fail(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatcher.ErrConflict):
		fail(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, license.ErrNotActivated):
		failCode(c, http.StatusForbidden, err.Error(), codeLicenseNotActivated)
	case errors.Is(err, license.ErrExpired):
		failCode(c, http.StatusForbidden, err.Error(), codeLicenseExpired)
	case errors.Is(err, license.ErrTaskLimitReached):
		failCode(c, http.StatusForbidden, err.Error(), codeTaskLimitReached)
	case errors.Is(err, license.ErrInvalidLicense):
		fail(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, license.ErrServiceUnavailable):
		fail(c, http.StatusBadGateway, err.Error())
	case errors.Is(err, sidecar.ErrUnavailable):
		fail(c, http.StatusBadGateway, err.Error())
	default:
		fail(c, http.StatusInternalServerError, err.Error())
	}
}
