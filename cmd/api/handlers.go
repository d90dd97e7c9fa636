package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vidrelay/vidrelay/internal/auth"
	"github.com/vidrelay/vidrelay/internal/config"
	"github.com/vidrelay/vidrelay/internal/credstore"
	"github.com/vidrelay/vidrelay/internal/logging"
	"github.com/vidrelay/vidrelay/internal/metrics"
	"github.com/vidrelay/vidrelay/internal/middleware"
	"github.com/vidrelay/vidrelay/internal/publisher"
	"github.com/vidrelay/vidrelay/internal/relay"
	"github.com/vidrelay/vidrelay/pkg/models"
)

// authFlow is the slice of the auth service the handlers need.
type authFlow interface {
	LoginURL(ctx context.Context) (string, error)
	CompleteLogin(ctx context.Context, code, state string) (*models.CredentialRecord, error)
	Resolve(ctx context.Context, userID string) (*http.Client, error)
}

type relayRunner interface {
	HandleUpload(ctx context.Context, req *models.UploadRequest) (*models.UploadOutcome, error)
}

type credentialFinder interface {
	FindByEmail(ctx context.Context, email string) (*models.CredentialRecord, error)
}

type categoryLister interface {
	Categories(ctx context.Context, client *http.Client, regionCode string) ([]publisher.Category, error)
}

type recordLister interface {
	ListPublishRecords(ctx context.Context, email string, limit, offset int) ([]*models.PublishRecord, error)
}

type healthChecker interface {
	Health(ctx context.Context) error
}

type API struct {
	cfg        *config.Config
	auth       authFlow
	relay      relayRunner
	categories categoryLister
	creds      credentialFinder
	records    recordLister
	health     map[string]healthChecker
	log        *logging.Logger
}

func newAPI(cfg *config.Config, authSvc authFlow, relaySvc relayRunner, pub categoryLister, creds *credstore.Store, records recordLister, db healthChecker, log *logging.Logger) *API {
	return &API{
		cfg:        cfg,
		auth:       authSvc,
		relay:      relaySvc,
		categories: pub,
		creds:      creds,
		records:    records,
		health: map[string]healthChecker{
			"credentials": creds,
			"database":    db,
		},
		log: log,
	}
}

func (api *API) setupRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(api.log))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	rl := middleware.NewRateLimiter(api.cfg.RateLimit.RPS, api.cfg.RateLimit.Burst)

	router.GET("/health", api.healthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authGroup := router.Group("/auth")
	{
		authGroup.GET("/login", api.login)
		authGroup.GET("/callback", api.callback)
	}

	router.GET("/categories/", api.listCategories)
	router.GET("/privacy-options/", api.privacyOptions)
	router.POST("/upload/", middleware.ExtractEmail(), middleware.RateLimit(rl), api.upload)
	router.GET("/uploads/", api.listUploads)

	return router
}

func (api *API) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	for name, dep := range api.health {
		if dep == nil {
			continue
		}
		if err := dep.Health(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"failed": name,
				"error":  err.Error(),
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// login starts the authorization flow by redirecting to the provider's
// consent screen.
func (api *API) login(c *gin.Context) {
	url, err := api.auth.LoginURL(c.Request.Context())
	if err != nil {
		api.log.ErrorWithErr("failed to build login URL", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start login"})
		return
	}

	c.Redirect(http.StatusTemporaryRedirect, url)
}

func (api *API) callback(c *gin.Context) {
	code := c.Query("code")
	state := c.Query("state")
	if code == "" || state == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code and state are required"})
		return
	}

	rec, err := api.auth.CompleteLogin(c.Request.Context(), code, state)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidState) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid or expired state"})
			return
		}
		api.log.ErrorWithErr("authorization callback failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to complete login"})
		return
	}

	metrics.LoginsTotal.Inc()
	c.JSON(http.StatusOK, gin.H{
		"message": "Authentication successful. You can now upload videos.",
		"email":   rec.Email,
	})
}

func (api *API) listCategories(c *gin.Context) {
	email := c.Query("email")
	if email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email is required"})
		return
	}

	client, err := api.resolveByEmail(c.Request.Context(), email)
	if err != nil {
		api.respondError(c, err)
		return
	}

	categories, err := api.categories.Categories(c.Request.Context(), client, c.Query("regionCode"))
	if err != nil {
		api.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"categories": categories})
}

func (api *API) privacyOptions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"privacy_options": models.PrivacyStatuses})
}

func (api *API) upload(c *gin.Context) {
	req, err := api.parseUploadRequest(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome, err := api.relay.HandleUpload(c.Request.Context(), req)
	if err != nil {
		api.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, outcome)
}

func (api *API) listUploads(c *gin.Context) {
	email := c.Query("email")
	if email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email is required"})
		return
	}

	limit := intQuery(c, "limit", 20)
	offset := intQuery(c, "offset", 0)

	records, err := api.records.ListPublishRecords(c.Request.Context(), email, limit, offset)
	if err != nil {
		api.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"uploads": records,
		"limit":   limit,
		"offset":  offset,
	})
}

// uploadBody is the JSON shape accepted for URL sources.
type uploadBody struct {
	UploadType          string   `json:"upload_type"`
	VideoURL            string   `json:"video_url"`
	Email               string   `json:"email"`
	Title               string   `json:"title"`
	Description         string   `json:"description"`
	Tags                []string `json:"tags"`
	CategoryID          string   `json:"category_id"`
	PrivacyStatus       string   `json:"privacy_status"`
	PublishAt           string   `json:"publish_at"`
	ThumbnailURL        string   `json:"thumbnail_url"`
	Embeddable          *bool    `json:"embeddable"`
	PublicStatsViewable *bool    `json:"public_stats_viewable"`
	NotifySubscribers   *bool    `json:"notify_subscribers"`
	MadeForKids         *bool    `json:"made_for_kids"`
	PaidPromotion       *bool    `json:"paid_promotion"`
}

// parseUploadRequest reads either a JSON body (url sources) or a multipart
// form into an upload request. All semantic validation happens in the relay
// service.
func (api *API) parseUploadRequest(c *gin.Context) (*models.UploadRequest, error) {
	if strings.HasPrefix(c.ContentType(), "application/json") {
		return api.parseJSONUpload(c)
	}

	req := &models.UploadRequest{
		Source:   models.SourceType(c.DefaultPostForm("upload_type", string(models.SourceURL))),
		VideoURL: c.PostForm("video_url"),
		Email:    actingEmail(c, c.PostForm("email")),
		Metadata: models.VideoMetadata{
			Title:               c.PostForm("title"),
			Description:         c.PostForm("description"),
			CategoryID:          c.PostForm("category_id"),
			PrivacyStatus:       models.PrivacyStatus(c.DefaultPostForm("privacy_status", string(models.PrivacyPrivate))),
			PublishAt:           c.PostForm("publish_at"),
			ThumbnailURL:        c.PostForm("thumbnail_url"),
			Embeddable:          boolForm(c, "embeddable", true),
			PublicStatsViewable: boolForm(c, "public_stats_viewable", true),
			NotifySubscribers:   boolForm(c, "notify_subscribers", true),
			MadeForKids:         boolForm(c, "made_for_kids", false),
			PaidPromotion:       boolForm(c, "paid_promotion", false),
		},
	}

	if tags := c.PostForm("tags"); tags != "" {
		for _, tag := range strings.Split(tags, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				req.Metadata.Tags = append(req.Metadata.Tags, tag)
			}
		}
	}

	if file, err := c.FormFile("file"); err == nil {
		req.File = file
	}

	return req, nil
}

func (api *API) parseJSONUpload(c *gin.Context) (*models.UploadRequest, error) {
	var body uploadBody
	if err := c.ShouldBindJSON(&body); err != nil {
		return nil, err
	}

	if body.UploadType == "" {
		body.UploadType = string(models.SourceURL)
	}
	if body.PrivacyStatus == "" {
		body.PrivacyStatus = string(models.PrivacyPrivate)
	}

	return &models.UploadRequest{
		Source:   models.SourceType(body.UploadType),
		VideoURL: body.VideoURL,
		Email:    actingEmail(c, body.Email),
		Metadata: models.VideoMetadata{
			Title:               body.Title,
			Description:         body.Description,
			Tags:                body.Tags,
			CategoryID:          body.CategoryID,
			PrivacyStatus:       models.PrivacyStatus(body.PrivacyStatus),
			PublishAt:           body.PublishAt,
			ThumbnailURL:        body.ThumbnailURL,
			Embeddable:          boolOr(body.Embeddable, true),
			PublicStatsViewable: boolOr(body.PublicStatsViewable, true),
			NotifySubscribers:   boolOr(body.NotifySubscribers, true),
			MadeForKids:         boolOr(body.MadeForKids, false),
			PaidPromotion:       boolOr(body.PaidPromotion, false),
		},
	}, nil
}

// actingEmail prefers the email carried in the request body but also accepts
// it as a query parameter on the upload endpoint.
func actingEmail(c *gin.Context, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return c.Query("email")
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}

func (api *API) resolveByEmail(ctx context.Context, email string) (*http.Client, error) {
	rec, err := api.creds.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return nil, auth.ErrUnauthenticated
		}
		return nil, err
	}
	return api.auth.Resolve(ctx, rec.UserID)
}

// respondError maps domain errors onto HTTP status codes.
func (api *API) respondError(c *gin.Context, err error) {
	var verr *relay.ValidationError
	if errors.As(err, &verr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Reason})
		return
	}

	if errors.Is(err, auth.ErrUnauthenticated) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "No stored credentials for this email. Complete the login flow first."})
		return
	}

	var terr *relay.TransferError
	if errors.As(err, &terr) {
		api.log.ErrorWithErr("transfer failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": terr.Error()})
		return
	}

	api.log.ErrorWithErr("request failed", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
}

func boolForm(c *gin.Context, key string, fallback bool) bool {
	raw, ok := c.GetPostForm(key)
	if !ok || raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func intQuery(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
