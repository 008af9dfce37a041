// Package receiver is a minimal upload endpoint for local testing: it accepts
// the multipart POST the upload client sends and optionally stores the file.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/rescale/rescale-upload/internal/constants"
	"github.com/rescale/rescale-upload/internal/logging"
)

// Config configures the receiver.
type Config struct {
	Addr    string // Listen address, e.g. ":8080"
	SaveDir string // Where received files are stored; empty discards them
}

// Server serves POST /api/upload and GET /healthz.
type Server struct {
	cfg      Config
	router   *gin.Engine
	logger   *logging.Logger
	received atomic.Int64
}

// NewServer creates a receiver. A nil logger discards output.
func NewServer(cfg Config, logger *logging.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = constants.DefaultReceiverAddr
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{cfg: cfg, logger: logger}

	router := gin.New()
	router.MaxMultipartMemory = constants.ReceiverMaxMultipartMemory
	router.Use(requestLogger(logger))
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	router.POST(constants.ReceiverUploadPath, s.handleUpload)

	s.router = router
	return s
}

// Handler returns the HTTP handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Received returns how many uploads were accepted.
func (s *Server) Received() int64 {
	return s.received.Load()
}

// Run listens on cfg.Addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.cfg.SaveDir != "" {
		if err := os.MkdirAll(s.cfg.SaveDir, 0755); err != nil {
			return fmt.Errorf("failed to create save directory: %w", err)
		}
	}

	server := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Receiver listening on %s (POST %s)", ln.Addr(), constants.ReceiverUploadPath)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info().Msg("Shutting down receiver...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ReceiverShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("receiver forced to shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleUpload(c *gin.Context) {
	file, err := c.FormFile(constants.FileFieldName)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file uploaded"})
		return
	}

	event := s.logger.Info().
		Str("file", file.Filename).
		Int64("size", file.Size)
	if c.Request.MultipartForm != nil {
		for k, v := range c.Request.MultipartForm.Value {
			event = event.Strs("field."+k, v)
		}
	}

	if s.cfg.SaveDir != "" {
		dst := filepath.Join(s.cfg.SaveDir, safeName(file.Filename))
		if err := c.SaveUploadedFile(file, dst); err != nil {
			s.logger.Error().Err(err).Str("file", file.Filename).Msg("Failed to save upload")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save file"})
			return
		}
		event = event.Str("saved", dst)
	}

	s.received.Add(1)
	event.Msg("Upload received")
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "File uploaded successfully",
	})
}

// safeName strips any directory part a client put in the filename.
func safeName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == ".." || base == "/" || base == "" {
		return "upload"
	}
	return base
}

// requestLogger logs each request through zerolog.
func requestLogger(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := logger.Debug()
		if status >= http.StatusInternalServerError {
			event = logger.Error()
		} else if status >= http.StatusBadRequest {
			event = logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client", c.ClientIP()).
			Msg("Request")
	}
}
