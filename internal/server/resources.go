package server

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"noteops/internal/dispatcher"
	"noteops/internal/infra/filestore"
)

// accountOf resolves the task's owning account, or writes the error.
func (s *Server) accountOf(c *gin.Context) (*dispatcher.TaskInfo, bool) {
	task, err := s.deps.Scheduler.GetTask(c.Param("id"))
	if err != nil {
		failErr(c, err)
		return nil, false
	}
	return task, true
}

func (s *Server) getSource(c *gin.Context) {
	task, ok := s.accountOf(c)
	if !ok {
		return
	}
	path, err := s.deps.Layout.AccountSourceFile(task.AccountID)
	if err != nil {
		failErr(c, err)
		return
	}
	data, err := filestore.ReadFileOrEmpty(path)
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "content": string(data)})
}

func (s *Server) putSource(c *gin.Context) {
	task, ok := s.accountOf(c)
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	path, err := s.deps.Layout.AccountSourceFile(task.AccountID)
	if err != nil {
		failErr(c, err)
		return
	}
	if err := filestore.AtomicWrite(path, []byte(req.Content), 0o644); err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) uploadSource(c *gin.Context) {
	task, ok := s.accountOf(c)
	if !ok {
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		fail(c, http.StatusBadRequest, "multipart file field is required")
		return
	}
	path, err := s.deps.Layout.AccountSourceFile(task.AccountID)
	if err != nil {
		failErr(c, err)
		return
	}
	if err := c.SaveUploadedFile(file, path); err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "size": file.Size})
}

func (s *Server) downloadSource(c *gin.Context) {
	task, ok := s.accountOf(c)
	if !ok {
		return
	}
	path, err := s.deps.Layout.AccountSourceFile(task.AccountID)
	if err != nil {
		failErr(c, err)
		return
	}
	if _, err := os.Stat(path); err != nil {
		fail(c, http.StatusNotFound, "no source document for this task")
		return
	}
	c.FileAttachment(path, "source.md")
}

func (s *Server) listImages(c *gin.Context) {
	task, ok := s.accountOf(c)
	if !ok {
		return
	}
	dir, err := s.deps.Layout.AccountImagesDir(task.AccountID)
	if err != nil {
		failErr(c, err)
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		failErr(c, err)
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	c.JSON(http.StatusOK, gin.H{"success": true, "images": names, "count": len(names)})
}

func (s *Server) getImage(c *gin.Context) {
	task, ok := s.accountOf(c)
	if !ok {
		return
	}
	filename := c.Param("filename")
	// Serve only plain names inside the images directory.
	if filename != filepath.Base(filename) || strings.HasPrefix(filename, ".") {
		fail(c, http.StatusBadRequest, fmt.Sprintf("invalid image name %q", filename))
		return
	}
	dir, err := s.deps.Layout.AccountImagesDir(task.AccountID)
	if err != nil {
		failErr(c, err)
		return
	}
	path := filepath.Join(dir, filename)
	if _, err := os.Stat(path); err != nil {
		fail(c, http.StatusNotFound, "image not found")
		return
	}
	c.File(path)
}
