package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/lalith-99/relaychat/internal/blob"
	"github.com/lalith-99/relaychat/internal/middleware"
	"go.uber.org/zap"
)

// multipartOverhead is headroom above the file limit for the multipart
// envelope and form fields.
const multipartOverhead = 1 << 20

// FileHandler uploads and serves blobs. A message carries only the
// returned FileRef; the client uploads first, then sends file content.
type FileHandler struct {
	blobs   *blob.Store
	maxSize int64
	logger  *zap.Logger
}

func NewFileHandler(blobs *blob.Store, maxSize int64, logger *zap.Logger) *FileHandler {
	return &FileHandler{blobs: blobs, maxSize: maxSize, logger: logger}
}

// Upload handles POST /v1/files (multipart form, field "file").
func (h *FileHandler) Upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxSize+multipartOverhead)

	fh, err := c.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file exceeds " + humanize.Bytes(uint64(h.maxSize))})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field 'file' is required"})
		return
	}
	if fh.Size > h.maxSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file exceeds " + humanize.Bytes(uint64(h.maxSize))})
		return
	}

	f, err := fh.Open()
	if err != nil {
		h.logger.Error("failed to open upload", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload failed"})
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, h.maxSize+1))
	if err != nil {
		h.logger.Error("failed to read upload", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload failed"})
		return
	}

	ref, err := h.blobs.Put(c.Request.Context(), fh.Filename, data, middleware.GetUserID(c))
	if err != nil {
		respondError(c, h.logger, "upload failed", err)
		return
	}
	c.JSON(http.StatusCreated, ref)
}

// Download handles GET /v1/files/:id
func (h *FileHandler) Download(c *gin.Context) {
	data, rec, err := h.blobs.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, blob.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	if err != nil {
		respondError(c, h.logger, "download failed", err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="`+rec.Name+`"`)
	c.Header("X-Checksum-Sha256", rec.Checksum)
	c.Header("Content-Length", strconv.FormatInt(rec.Size, 10))
	c.Data(http.StatusOK, rec.MimeType, data)
}

// Delete handles DELETE /v1/files/:id. Only the uploader may delete.
func (h *FileHandler) Delete(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	rec, err := h.blobs.Stat(ctx, id)
	if errors.Is(err, blob.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	if err != nil {
		respondError(c, h.logger, "delete failed", err)
		return
	}
	if rec.UploadedBy != middleware.GetUserID(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "only the uploader can delete a file"})
		return
	}

	if err := h.blobs.Delete(ctx, id); err != nil {
		respondError(c, h.logger, "delete failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}
