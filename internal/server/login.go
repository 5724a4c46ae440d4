package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) loginQRCode(c *gin.Context) {
	if _, ok := s.accountOf(c); !ok {
		return
	}
	qr, err := s.deps.Sidecar.LoginQRCode(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "qrcode": qr.Image, "timeout_seconds": qr.Timeout})
}

func (s *Server) loginStatus(c *gin.Context) {
	task, ok := s.accountOf(c)
	if !ok {
		return
	}
	force := c.Query("force") == "true"
	st, err := s.deps.Sidecar.CheckLogin(c.Request.Context(), task.AccountID, force)
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "login_status": st})
}

func (s *Server) loginConfirm(c *gin.Context) {
	task, ok := s.accountOf(c)
	if !ok {
		return
	}
	st, err := s.deps.Sidecar.ConfirmLogin(c.Request.Context(), task.AccountID)
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "login_status": st})
}
