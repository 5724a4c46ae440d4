package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) licenseStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "license": s.deps.License.Status()})
}

func (s *Server) licenseActivate(c *gin.Context) {
	var req struct {
		LicenseCode string `json:"license_code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.LicenseCode == "" {
		fail(c, http.StatusBadRequest, "license_code is required")
		return
	}

	cfg, err := s.deps.License.Activate(c.Request.Context(), req.LicenseCode)
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "config": cfg, "license": s.deps.License.Status()})
}
