package server

import (
	"bytes"
	"encoding/base64"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"

	"github.com/MarcoPoloResearchLab/chronosync/internal/blobstore"
	"github.com/MarcoPoloResearchLab/chronosync/internal/events"
	"github.com/MarcoPoloResearchLab/chronosync/internal/share"
	"github.com/MarcoPoloResearchLab/chronosync/internal/uploads"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const uploadFormField = "file"

var errMissingFilePart = errors.New("multipart body has no file part")

type shareResponsePayload struct {
	Token     string `json:"token"`
	URL       string `json:"url"`
	ExpiresAt int64  `json:"expiresAt"`
}

type legacyUploadPayload struct {
	Filename string `json:"filename"`
	Data     string `json:"data"`
	ClientID string `json:"clientId"`
}

func (h *httpHandler) handleListFiles(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"files": h.coordinator.Files()})
}

// handleUpload streams a multipart file part straight into a temp artifact.
func (h *httpHandler) handleUpload(c *gin.Context) {
	clientID, ok := h.resolveClient(c, "")
	if !ok {
		return
	}
	limit := h.coordinator.maxFileBytes
	if limit > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+multipartOverhead)
	}
	reader, err := c.Request.MultipartReader()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expecting_multipart"})
		return
	}
	part, err := nextFilePart(reader)
	if err != nil {
		status := http.StatusBadRequest
		if isBodyTooLarge(err) {
			status = http.StatusRequestEntityTooLarge
		}
		c.JSON(status, gin.H{"error": "missing_file"})
		return
	}
	defer part.Close()

	owner := uploads.Owner{ConnectionID: httpConnectionID, ClientID: clientID, Host: c.ClientIP()}
	record, err := h.coordinator.StoreFile(c.Request.Context(), owner, part.FileName(), part, limit)
	if err != nil {
		h.writeUploadError(c, err)
		return
	}
	h.respondMutation(c, http.StatusCreated, record)
}

// handleLegacyUpload accepts a small file as base64 inside a JSON body.
func (h *httpHandler) handleLegacyUpload(c *gin.Context) {
	limit := h.coordinator.legacyMaxBytes
	if limit > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, int64(base64.StdEncoding.EncodedLen(int(limit)))+legacyOverheadBytes)
	}
	var request legacyUploadPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		if isBodyTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file_too_large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	data, err := base64.StdEncoding.DecodeString(request.Data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_base64"})
		return
	}
	if limit > 0 && int64(len(data)) > limit {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file_too_large"})
		return
	}
	clientID, ok := h.resolveClient(c, request.ClientID)
	if !ok {
		return
	}

	owner := uploads.Owner{ConnectionID: httpConnectionID, ClientID: clientID, Host: c.ClientIP()}
	record, err := h.coordinator.StoreFile(c.Request.Context(), owner, request.Filename, bytes.NewReader(data), limit)
	if err != nil {
		h.writeUploadError(c, err)
		return
	}
	h.respondMutation(c, http.StatusCreated, record)
}

func (h *httpHandler) writeUploadError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, uploads.ErrFileTooLarge), isBodyTooLarge(err):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file_too_large"})
	case errors.Is(err, uploads.ErrEmptyFilename):
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_filename"})
	default:
		h.logger.Error("http upload failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload_failed"})
	}
}

func (h *httpHandler) handleDownload(c *gin.Context) {
	record, reader, size, err := h.coordinator.OpenFile(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.writeFileError(c, err)
		return
	}
	defer reader.Close()
	serveFile(c, record, reader, size)
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	clientID, ok := h.resolveClient(c, "")
	if !ok {
		return
	}
	record, err := h.coordinator.DeleteFile(c.Request.Context(), clientID, c.Param("name"))
	if err != nil {
		h.writeFileError(c, err)
		return
	}
	h.respondMutation(c, http.StatusOK, record)
}

func (h *httpHandler) handleShare(c *gin.Context) {
	link, err := h.coordinator.ShareFile(c.Param("name"))
	if err != nil {
		if errors.Is(err, share.ErrSharingDisabled) {
			c.JSON(http.StatusNotFound, gin.H{"error": "sharing_disabled"})
			return
		}
		h.writeFileError(c, err)
		return
	}
	c.JSON(http.StatusOK, shareResponsePayload{
		Token:     link.Token,
		URL:       "/api/shared/" + link.Token,
		ExpiresAt: link.ExpiresAt.UnixMilli(),
	})
}

func (h *httpHandler) handleShared(c *gin.Context) {
	record, reader, size, err := h.coordinator.OpenSharedFile(c.Request.Context(), c.Param("token"))
	if err != nil {
		if errors.Is(err, share.ErrInvalidLink) || errors.Is(err, share.ErrSharingDisabled) {
			c.JSON(http.StatusForbidden, gin.H{"error": "invalid_link"})
			return
		}
		h.writeFileError(c, err)
		return
	}
	defer reader.Close()
	serveFile(c, record, reader, size)
}

func (h *httpHandler) writeFileError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, blobstore.ErrInvalidName):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_name"})
	case errors.Is(err, ErrFileNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	default:
		h.logger.Error("file request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "file_request_failed"})
	}
}

func serveFile(c *gin.Context, record events.FileRecord, reader io.Reader, size int64) {
	contentType := mime.TypeByExtension(filepath.Ext(record.DisplayName))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": record.DisplayName})
	if disposition == "" {
		disposition = "attachment"
	}
	c.DataFromReader(http.StatusOK, size, contentType, reader, map[string]string{
		"Content-Disposition": disposition,
	})
}

func nextFilePart(reader *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return nil, errMissingFilePart
		}
		if err != nil {
			return nil, err
		}
		if part.FormName() == uploadFormField && part.FileName() != "" {
			return part, nil
		}
		part.Close()
	}
}

func isBodyTooLarge(err error) bool {
	var maxBytesError *http.MaxBytesError
	return errors.As(err, &maxBytesError)
}
