package http

import (
	"bufio"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultLogLines = 100
	maxLogLines     = 1000
)

// GetLogs returns the tail of the rolling migration log
func (h *Handlers) GetLogs(c *gin.Context) {
	n := defaultLogLines
	if raw := c.Query("lines"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			fail(c, http.StatusBadRequest, "lines must be a positive integer")
			return
		}
		n = min(parsed, maxLogLines)
	}
	if h.deps.LogPath == "" {
		fail(c, http.StatusNotFound, "migration log not configured")
		return
	}

	lines, err := tailFile(h.deps.LogPath, n)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		lines = []string{}
	case err != nil:
		h.logger.Error("Failed to read migration log", zap.String("path", h.deps.LogPath), zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to read migration log")
		return
	}

	respond(c, http.StatusOK, gin.H{
		"path":  h.deps.LogPath,
		"lines": lines,
	})
}

// tailFile returns the last n lines of the file at p.
func tailFile(p string, n int) ([]string, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]string, 0, n)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, sc.Text())
	}
	return ring, sc.Err()
}
