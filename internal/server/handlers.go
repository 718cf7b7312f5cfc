package server

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"imgconvert/internal/artifacts"
	"imgconvert/internal/batch"
	"imgconvert/internal/models"
	"imgconvert/internal/quota"
)

const maxKeywords = 10

type uploadForm struct {
	Format      string `form:"format"`
	Quality     int    `form:"quality"`
	MaxWidth    int    `form:"max_width"`
	MaxHeight   int    `form:"max_height"`
	AspectRatio string `form:"aspect_ratio"`
	Keywords    string `form:"keywords"`
	AI          bool   `form:"ai"`
}

func (f uploadForm) settings() models.Settings {
	s := models.DefaultSettings()
	if f.Format != "" {
		s.Format = strings.ToLower(f.Format)
	}
	if f.Quality != 0 {
		s.Quality = f.Quality
	}
	if f.AspectRatio != "" {
		s.AspectRatio = strings.ToLower(f.AspectRatio)
	}
	s.MaxWidth = f.MaxWidth
	s.MaxHeight = f.MaxHeight
	return s
}

func (f uploadForm) keywords() []string {
	seen := make(map[string]bool)
	var out []string
	for _, k := range strings.Split(f.Keywords, ",") {
		k = strings.TrimSpace(k)
		if k == "" || seen[strings.ToLower(k)] {
			continue
		}
		seen[strings.ToLower(k)] = true
		out = append(out, k)
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}

type upload struct {
	name        string
	format      string
	contentType string
	data        []byte
	width       int
	height      int
}

var extensions = map[string]string{
	"jpeg": "jpg",
	"png":  "png",
	"gif":  "gif",
	"webp": "webp",
	"bmp":  "bmp",
	"tiff": "tif",
}

func (s *Server) readUpload(fh *multipart.FileHeader) (upload, error) {
	limit := int64(s.cfg.Server.MaxUploadMB) << 20
	if fh.Size > limit {
		return upload{}, fmt.Errorf("%s is larger than %d MB", fh.Filename, s.cfg.Server.MaxUploadMB)
	}

	f, err := fh.Open()
	if err != nil {
		return upload{}, fmt.Errorf("%s: %w", fh.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return upload{}, fmt.Errorf("%s: %w", fh.Filename, err)
	}
	if int64(len(data)) > limit {
		return upload{}, fmt.Errorf("%s is larger than %d MB", fh.Filename, s.cfg.Server.MaxUploadMB)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return upload{}, fmt.Errorf("%s is not a supported image", fh.Filename)
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return upload{}, fmt.Errorf("%s has no pixels", fh.Filename)
	}

	return upload{
		name:        path.Base(fh.Filename),
		format:      format,
		contentType: http.DetectContentType(data),
		data:        data,
		width:       cfg.Width,
		height:      cfg.Height,
	}, nil
}

// handleCreateBatch validates the upload, reserves quota for every file in
// one step, stores the originals and hands the batch to the converter.
func (s *Server) handleCreateBatch(c *gin.Context) {
	const op = "server.handleCreateBatch"
	ctx := c.Request.Context()

	var form uploadForm
	if err := c.ShouldBind(&form); err != nil {
		respondError(c, http.StatusBadRequest, CodeValidation, err.Error(), nil)
		return
	}
	settings := form.settings()
	if err := s.validate.Struct(settings); err != nil {
		respondError(c, http.StatusBadRequest, CodeValidation, err.Error(), nil)
		return
	}

	mf, err := c.MultipartForm()
	if err != nil {
		respondError(c, http.StatusBadRequest, CodeValidation, "expected a multipart form", nil)
		return
	}
	headers := mf.File["images[]"]
	if len(headers) == 0 {
		headers = mf.File["images"]
	}
	if len(headers) == 0 {
		respondError(c, http.StatusBadRequest, CodeValidation, batch.ErrEmptyBatch.Error(), nil)
		return
	}
	if len(headers) > s.cfg.Server.MaxFiles {
		respondError(c, http.StatusBadRequest, CodeValidation,
			fmt.Sprintf("at most %d images per batch", s.cfg.Server.MaxFiles), nil)
		return
	}

	uploads := make([]upload, len(headers))
	for i, fh := range headers {
		u, err := s.readUpload(fh)
		if err != nil {
			respondError(c, http.StatusBadRequest, CodeValidation, err.Error(), nil)
			return
		}
		uploads[i] = u
	}

	subj, err := s.subject(c)
	if err != nil {
		s.respondErr(c, op, err)
		return
	}
	decision, err := s.quota.CheckAndReserve(ctx, subj, quota.KindImages, len(uploads))
	if err != nil {
		s.respondErr(c, op, err)
		return
	}
	if err := decision.Err(); err != nil {
		s.respondErr(c, op, err)
		return
	}

	batchID := uuid.New()
	files := make([]models.UploadedFile, len(uploads))
	for i, u := range uploads {
		imageID := uuid.New()
		p := artifacts.OriginalPath(batchID, imageID, extensions[u.format])
		if err := s.store.Put(ctx, p, bytes.NewReader(u.data), int64(len(u.data)), u.contentType); err != nil {
			s.discard(c, batchID)
			s.respondErr(c, op, err)
			return
		}
		files[i] = models.UploadedFile{
			ImageID: imageID,
			Original: models.FileDescriptor{
				Name:   u.name,
				Format: u.format,
				Size:   int64(len(u.data)),
				Width:  u.width,
				Height: u.height,
				Path:   p,
			},
		}
	}

	var owner *string
	if id := userID(c); id != "" {
		owner = &id
	}
	b, images, err := s.batches.Create(ctx, batch.CreateRequest{
		ID:        batchID,
		OwnerID:   owner,
		SessionID: c.GetHeader(fingerprintHeader),
		Settings:  settings,
		Keywords:  form.keywords(),
		Files:     files,
		TTL:       s.cfg.RetentionFor(subj.Plan == quota.PlanPro),
	})
	if err != nil {
		s.discard(c, batchID)
		s.respondErr(c, op, err)
		return
	}

	if err := s.convert.Submit(ctx, b, images, form.AI); err != nil {
		s.respondErr(c, op, err)
		return
	}

	respond(c, http.StatusAccepted, gin.H{
		"batch_id":   b.ID,
		"images":     images,
		"expires_at": b.ExpiresAt,
		"quota":      decision,
	})
}

// discard removes originals stored for a batch that was never created.
// The reserved quota is not returned.
func (s *Server) discard(c *gin.Context, batchID uuid.UUID) {
	if err := s.store.DeleteDir(c.Request.Context(), artifacts.BatchDir(batchID)); err != nil {
		s.log.Error("discard originals", slog.String("batch_id", batchID.String()), slog.Any("error", err))
	}
}

func (s *Server) handleGetBatch(c *gin.Context) {
	const op = "server.handleGetBatch"

	b, ok := s.loadBatch(c, op)
	if !ok {
		return
	}
	p, err := s.batches.Progress(c.Request.Context(), b.ID)
	if err != nil {
		s.respondErr(c, op, err)
		return
	}
	respond(c, http.StatusOK, p)
}

func (s *Server) handleListImages(c *gin.Context) {
	const op = "server.handleListImages"

	b, ok := s.loadBatch(c, op)
	if !ok {
		return
	}
	images, err := s.batches.Images(c.Request.Context(), b.ID)
	if err != nil {
		s.respondErr(c, op, err)
		return
	}
	respond(c, http.StatusOK, images)
}

func (s *Server) handleCancelBatch(c *gin.Context) {
	const op = "server.handleCancelBatch"

	b, ok := s.loadBatch(c, op)
	if !ok {
		return
	}
	if b.Status.Terminal() {
		respondError(c, http.StatusConflict, CodeConflict, fmt.Sprintf("batch is already %s", b.Status), nil)
		return
	}
	b, err := s.batches.Cancel(c.Request.Context(), b.ID)
	if err != nil {
		s.respondErr(c, op, err)
		return
	}
	respond(c, http.StatusOK, b)
}

func (s *Server) handleDeleteImage(c *gin.Context) {
	const op = "server.handleDeleteImage"

	b, ok := s.loadBatch(c, op)
	if !ok {
		return
	}
	imageID, err := uuid.Parse(c.Param("image_id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, CodeValidation, "invalid image id", nil)
		return
	}

	img, b, err := s.batches.DeleteImage(c.Request.Context(), b.ID, imageID)
	if err != nil {
		s.respondErr(c, op, err)
		return
	}

	paths := []string{img.Original.Path}
	for _, out := range img.Outputs {
		paths = append(paths, out.Path)
	}
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := s.store.Delete(c.Request.Context(), p); err != nil {
			s.log.Error("delete artifact",
				slog.String("batch_id", b.ID.String()),
				slog.String("path", p),
				slog.Any("error", err))
		}
	}
	respond(c, http.StatusOK, b)
}

func (s *Server) handleCreateExport(c *gin.Context) {
	const op = "server.handleCreateExport"
	ctx := c.Request.Context()

	b, ok := s.loadBatch(c, op)
	if !ok {
		return
	}
	if b.Status != models.StatusCompleted {
		respondError(c, http.StatusConflict, CodeConflict, fmt.Sprintf("batch is %s", b.Status), nil)
		return
	}

	images, err := s.batches.Images(ctx, b.ID)
	if err != nil {
		s.respondErr(c, op, err)
		return
	}
	p, err := artifacts.Export(ctx, s.store, b.ID, images)
	if err != nil {
		s.respondErr(c, op, err)
		return
	}
	if err := s.batches.SetExportPath(ctx, b.ID, p); err != nil {
		s.respondErr(c, op, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"export_path": p})
}

func (s *Server) handleDownloadExport(c *gin.Context) {
	const op = "server.handleDownloadExport"

	b, ok := s.loadBatch(c, op)
	if !ok {
		return
	}
	if b.ExportPath == "" {
		respondError(c, http.StatusNotFound, CodeNotFound, "batch has not been exported", nil)
		return
	}

	rc, err := s.store.Open(c.Request.Context(), b.ExportPath)
	if err != nil {
		s.respondErr(c, op, err)
		return
	}
	defer rc.Close()

	c.DataFromReader(http.StatusOK, -1, "application/zip", rc, map[string]string{
		"Content-Disposition": fmt.Sprintf(`attachment; filename="%s.zip"`, b.ID),
	})
}

func (s *Server) handleUsage(c *gin.Context) {
	const op = "server.handleUsage"
	ctx := c.Request.Context()

	subj, err := s.subject(c)
	if err != nil {
		s.respondErr(c, op, err)
		return
	}
	usage, err := s.quota.Usage(ctx, subj)
	if err != nil {
		s.respondErr(c, op, err)
		return
	}

	data := gin.H{"usage": usage}
	if id := userID(c); id != "" {
		n, err := s.batches.ConvertedSince(ctx, id, subj.Window.Start)
		if err != nil {
			s.respondErr(c, op, err)
			return
		}
		data["converted_this_period"] = n
	}
	respond(c, http.StatusOK, data)
}

// handleBackgroundRemoval reserves one background removal. Removals are
// never billed as overage.
func (s *Server) handleBackgroundRemoval(c *gin.Context) {
	const op = "server.handleBackgroundRemoval"

	subj, err := s.subject(c)
	if err != nil {
		s.respondErr(c, op, err)
		return
	}
	decision, err := s.quota.CheckAndReserve(c.Request.Context(), subj, quota.KindBgRemoval, 1)
	if err != nil {
		s.respondErr(c, op, err)
		return
	}
	if err := decision.Err(); err != nil {
		s.respondErr(c, op, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"quota": decision, "reserved_at": time.Now().UTC()})
}

type linkRequest struct {
	SubscriptionID string `json:"subscription_id" binding:"required"`
}

// handleLinkSubscription stores the caller's Stripe subscription so quota
// checks see the pro plan.
func (s *Server) handleLinkSubscription(c *gin.Context) {
	const op = "server.handleLinkSubscription"

	id := userID(c)
	if id == "" {
		respondError(c, http.StatusUnauthorized, CodeUnauthorized, "sign in to link a subscription", nil)
		return
	}

	var req linkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, CodeValidation, err.Error(), nil)
		return
	}

	sub, err := s.subs.Link(c.Request.Context(), id, req.SubscriptionID)
	if err != nil {
		s.respondErr(c, op, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"subscription_id": sub.ID, "status": sub.Status})
}
