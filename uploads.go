package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/printshop_backend/config"
	"bitbucket.org/mmdatafocus/printshop_backend/models"
	"bitbucket.org/mmdatafocus/printshop_backend/utils"
	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type uploadSignRequest struct {
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
	Entity   string `json:"entity"`
}

type uploadCompleteRequest struct {
	ObjectKey string `json:"objectKey"`
	FileName  string `json:"fileName"`
}

type uploadSignResponse struct {
	UploadURL string            `json:"uploadUrl"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	ObjectKey string            `json:"objectKey"`
	AccessURL string            `json:"accessUrl"`
	ExpiresAt string            `json:"expiresAt"`
}

const defaultUploadEntity = "production_stages"

var uploadEntities = map[string]bool{
	"production_stages": true,
	"print_jobs":        true,
}

// checkUpload enforces the attachment limits before a URL is signed.
func checkUpload(req uploadSignRequest) (string, error) {
	if req.FileName == "" || req.MimeType == "" || req.Size <= 0 {
		return "", errors.New("fileName, mimeType and size are required")
	}
	if req.Size > models.MaxAttachmentSize {
		return "", fmt.Errorf("file size exceeds %dMB limit", models.MaxAttachmentSize>>20)
	}
	ext, ok := models.AllowedAttachmentTypes[req.MimeType]
	if !ok {
		return "", errors.New("unsupported file type")
	}
	return ext, nil
}

func uploadObjectKey(companyId, entity, ext string) string {
	entity = sanitizeSegment(strings.ToLower(strings.TrimSpace(entity)))
	if !uploadEntities[entity] {
		entity = defaultUploadEntity
	}
	return path.Join(companyId, entity, uuid.New().String()+ext)
}

func signUploadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		requestID := requestIDFromHeaders(c)

		actor, ok := actorFrom(c)
		if !ok {
			return
		}

		var req uploadSignRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		ext, err := checkUpload(req)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		objectKey := uploadObjectKey(actor.CompanyId, req.Entity, ext)
		signed, err := utils.SignUpload(c.Request.Context(), objectKey, req.MimeType, 15*time.Minute)
		if err != nil {
			logUploadError(logger, err, actor.CompanyId, requestID)
			message := "failed to sign upload"
			if !strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
				message = fmt.Sprintf("failed to sign upload: %v", err)
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": message})
			return
		}

		logger.WithFields(logrus.Fields{
			"company_id": actor.CompanyId,
			"mime_type":  req.MimeType,
			"size":       req.Size,
			"object_key": objectKey,
		}).Info("[upload.sign]")

		c.JSON(http.StatusOK, gin.H{
			"data": uploadSignResponse{
				UploadURL: signed.UploadURL,
				Method:    signed.Method,
				Headers:   signed.Headers,
				ObjectKey: signed.ObjectKey,
				AccessURL: signed.AccessURL,
				ExpiresAt: signed.ExpiresAt.UTC().Format(time.RFC3339),
			},
		})
	}
}

// completeUploadHandler checks the stored object and returns the attachment
// the client then sends with a stage transition or annotation.
func completeUploadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		requestID := requestIDFromHeaders(c)

		actor, ok := actorFrom(c)
		if !ok {
			return
		}

		var req uploadCompleteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if !utils.ValidObjectKeyForCompany(req.ObjectKey, actor.CompanyId) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid object key"})
			return
		}

		ctx := c.Request.Context()
		info, err := utils.StatObject(ctx, req.ObjectKey)
		if errors.Is(err, utils.ErrObjectNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "object not found"})
			return
		}
		if err != nil {
			logUploadError(logger, err, actor.CompanyId, requestID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read object"})
			return
		}
		if _, ok := models.AllowedAttachmentTypes[info.ContentType]; !ok || info.Size > models.MaxAttachmentSize {
			// the object never becomes an attachment; remove it
			if delErr := utils.DeleteObjectFromGCS(ctx, req.ObjectKey); delErr != nil {
				logUploadError(logger, delErr, actor.CompanyId, requestID)
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "uploaded file is not an accepted attachment"})
			return
		}

		attachment := models.StageAttachment{
			ObjectKey:  req.ObjectKey,
			Url:        utils.BuildObjectAccessURL(req.ObjectKey),
			FileName:   path.Base(req.FileName),
			MimeType:   info.ContentType,
			Size:       info.Size,
			UploadedAt: time.Now().UTC(),
			UploadedBy: actor.UserName,
		}
		if req.FileName == "" {
			attachment.FileName = path.Base(req.ObjectKey)
		}

		if strings.HasPrefix(info.ContentType, "image/") {
			thumbnailKey, err := createThumbnail(ctx, req.ObjectKey)
			if err != nil {
				// the attachment is still usable without a preview
				logUploadError(logger, err, actor.CompanyId, requestID)
			} else {
				attachment.ThumbnailUrl = utils.BuildObjectAccessURL(thumbnailKey)
			}
		}

		logger.WithFields(logrus.Fields{
			"company_id": actor.CompanyId,
			"object_key": req.ObjectKey,
			"status":     "completed",
		}).Info("[upload.complete]")

		c.JSON(http.StatusOK, gin.H{"data": attachment})
	}
}

func createThumbnail(ctx context.Context, objectKey string) (string, error) {
	data, err := utils.ReadObject(ctx, objectKey, models.MaxAttachmentSize)
	if err != nil {
		return "", err
	}
	thumbnail, err := renderThumbnail(data)
	if err != nil {
		return "", err
	}
	thumbnailKey := thumbnailObjectKey(objectKey)
	if err := utils.UploadBytesToGCS(ctx, thumbnailKey, thumbnail, "image/jpeg"); err != nil {
		return "", err
	}
	return thumbnailKey, nil
}

// renderThumbnail scales an image to 200px wide and re-encodes it as JPEG.
func renderThumbnail(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, err
	}
	thumbnail := imaging.Resize(img, 200, 0, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumbnail, imaging.JPEG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func thumbnailObjectKey(objectKey string) string {
	dir := path.Dir(objectKey)
	filename := strings.TrimSuffix(path.Base(objectKey), path.Ext(objectKey))
	return path.Join(dir, "thumbnails", filename+".jpg")
}

func sanitizeSegment(input string) string {
	var out strings.Builder
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			out.WriteRune(r)
		}
	}
	return out.String()
}

func logUploadError(logger *logrus.Logger, err error, companyId string, requestID string) {
	logger.WithFields(logrus.Fields{
		"error":      err.Error(),
		"company_id": companyId,
		"request_id": requestID,
	}).Error("[upload.error]")
}

func requestIDFromHeaders(c *gin.Context) string {
	if id, ok := utils.GetCorrelationIdFromContext(c.Request.Context()); ok && id != "" {
		return id
	}
	if id := strings.TrimSpace(c.GetHeader("X-Request-Id")); id != "" {
		return id
	}
	return fmt.Sprintf("upload-%d", time.Now().UnixNano())
}
