// Package api serves the state tree and file uploads over HTTP.
package api

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/aeg-devices/loki-update/pkg/pipeline"
	"github.com/aeg-devices/loki-update/pkg/tree"
)

// maxBodyMemory is the part of a multipart upload held in memory before
// spilling to temporary files.
const maxBodyMemory = 32 << 20

var errNoFiles = fmt.Errorf("no file parts named \"file\" in upload")

// Handler serves one pipeline.
type Handler struct {
	tree     *tree.Tree
	pipeline *pipeline.Pipeline
}

// NewRouter builds the gin engine with every route under prefix.
func NewRouter(prefix string, t *tree.Tree, p *pipeline.Pipeline) *gin.Engine {
	r := gin.New()
	r.MaxMultipartMemory = maxBodyMemory
	r.Use(gin.Recovery(), requestLogger())

	r.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "PUT", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Content-Length", "Accept"},
		ExposeHeaders: []string{"Content-Length", "Content-Type"},
		MaxAge:        12 * time.Hour,
	}))

	h := &Handler{tree: t, pipeline: p}
	group := r.Group(prefix)
	{
		group.GET("/*path", h.Get)
		group.PUT("/*path", h.Put)
		group.POST("/*path", h.Upload)
	}
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("http_request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

func fail(c *gin.Context, err error) {
	slog.Warn("http_request_rejected", "method", c.Request.Method, "path", c.Request.URL.Path, "error", err)
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// Get returns the sub-tree at the request path.
func (h *Handler) Get(c *gin.Context) {
	doc, err := h.tree.Get(c.Param("path"))
	if err != nil {
		fail(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", doc)
}

// Put writes the JSON body to the request path and returns the new value.
func (h *Handler) Put(c *gin.Context) {
	path := c.Param("path")
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		fail(c, err)
		return
	}
	if err := h.tree.Set(c.Request.Context(), path, body); err != nil {
		fail(c, err)
		return
	}
	doc, err := h.tree.Get(path)
	if err != nil {
		fail(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", doc)
}

// Upload stages every "file" part and commits the batch.
func (h *Handler) Upload(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		fail(c, err)
		return
	}
	files := form.File["file"]
	if len(files) == 0 {
		fail(c, errNoFiles)
		return
	}

	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			fail(c, err)
			return
		}
		err = h.pipeline.Stage(fh.Filename, f)
		f.Close()
		if err != nil {
			fail(c, err)
			return
		}
	}

	id, err := h.pipeline.CommitUpload()
	if err != nil {
		fail(c, err)
		return
	}
	slog.Info("http_upload_accepted", "job_id", id, "files", len(files))
	c.JSON(http.StatusOK, gin.H{"ok": "Files uploaded", "job_id": id})
}
