package predict

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/cryptoguard/internal/features"
	"github.com/mbd888/cryptoguard/internal/logging"
	"github.com/mbd888/cryptoguard/internal/model"
	"github.com/mbd888/cryptoguard/internal/provider"
	"github.com/mbd888/cryptoguard/internal/scoring"
	"github.com/mbd888/cryptoguard/internal/validation"
)

// Handler exposes the prediction pipeline over HTTP.
type Handler struct {
	svc         *Service
	registry    *model.Registry
	modelPath   string
	adminSecret string
}

// NewHandler creates the HTTP handler for prediction routes.
func NewHandler(svc *Service, registry *model.Registry, modelPath, adminSecret string) *Handler {
	return &Handler{
		svc:         svc,
		registry:    registry,
		modelPath:   modelPath,
		adminSecret: adminSecret,
	}
}

// RegisterRoutes mounts the prediction endpoints on the router.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.POST("/predict", h.predict)
	r.POST("/batch/predict", h.predictBatch)
	r.GET("/model/info", h.modelInfo)
	r.POST("/model/reload", h.reloadModel)

	addresses := r.Group("/addresses/:address")
	addresses.Use(validation.AddressParamMiddleware())
	addresses.GET("/features", h.addressFeatures)
	addresses.GET("/history", h.addressHistory)
}

type predictRequest struct {
	Address string `json:"address" binding:"required"`
}

func (h *Handler) predict(c *gin.Context) {
	var req predictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "body must be JSON with an address field",
		})
		return
	}

	res, cached, err := h.svc.Predict(c.Request.Context(), req.Address)
	if err != nil {
		abortWithPipelineError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address":         res.Address,
		"probability":     res.Probability,
		"risk_score":      res.Score,
		"risk_tier":       res.Tier,
		"top_factors":     res.TopFactors,
		"recommendations": scoring.Recommendations(res.Tier),
		"model_version":   res.ModelVersion,
		"timestamp":       res.ComputedAt,
		"cached":          cached,
	})
}

type batchRequest struct {
	Addresses []string `json:"addresses" binding:"required,min=1"`
}

func (h *Handler) predictBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "body must be JSON with a non-empty addresses array",
		})
		return
	}

	items, err := h.svc.PredictBatch(c.Request.Context(), req.Addresses)
	if err != nil {
		abortWithPipelineError(c, err)
		return
	}

	// Flatten per-item results: score and tier on success, error code on
	// failure, always in request order.
	results := make([]gin.H, len(items))
	for i, item := range items {
		if item.Error != "" {
			results[i] = gin.H{"address": item.Address, "error": item.Error}
			continue
		}
		results[i] = gin.H{
			"address":    item.Address,
			"risk_score": item.Result.Score,
			"risk_tier":  item.Result.Tier,
			"cached":     item.Cached,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"count":   len(results),
		"results": results,
	})
}

func (h *Handler) addressFeatures(c *gin.Context) {
	address, vec, err := h.svc.FeaturesFor(c.Request.Context(), c.Param("address"))
	if err != nil {
		abortWithPipelineError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address":        address,
		"schema_version": vec.SchemaVersion,
		"features":       vec.Named(),
	})
}

func (h *Handler) addressHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	records, err := h.svc.History(c.Request.Context(), c.Param("address"), limit)
	if err != nil {
		abortWithPipelineError(c, err)
		return
	}
	if records == nil {
		records = []*ScoreRecord{}
	}

	c.JSON(http.StatusOK, gin.H{
		"count":   len(records),
		"records": records,
	})
}

func (h *Handler) modelInfo(c *gin.Context) {
	bundle, err := h.registry.Current()
	if err != nil {
		abortWithPipelineError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"model_version":  bundle.Version,
		"trained_at":     bundle.TrainedAt,
		"schema_version": features.SchemaVersion,
		"feature_count":  bundle.FeatureCount(),
		"features":       bundle.FeatureNames,
		"trees":          len(bundle.Trees),
	})
}

func (h *Handler) reloadModel(c *gin.Context) {
	if h.adminSecret == "" {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "admin_disabled",
			"message": "model reload requires ADMIN_SECRET to be configured",
		})
		return
	}
	got := c.GetHeader("X-Admin-Secret")
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.adminSecret)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "invalid admin secret",
		})
		return
	}

	if err := h.registry.Reload(h.modelPath); err != nil {
		logging.L(c.Request.Context()).Error("model reload failed", "path", h.modelPath, "error", err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "model_load_error",
			"message": err.Error(),
		})
		return
	}

	bundle, _ := h.registry.Current()
	logging.L(c.Request.Context()).Info("model reloaded", "version", bundle.Version)
	c.JSON(http.StatusOK, gin.H{
		"status":        "reloaded",
		"model_version": bundle.Version,
	})
}

// abortWithPipelineError maps pipeline errors onto HTTP statuses.
func abortWithPipelineError(c *gin.Context, err error) {
	label := errorLabel(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, validation.ErrInvalidAddress), errors.Is(err, ErrBatchTooLarge):
		status = http.StatusBadRequest
	case errors.Is(err, provider.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, provider.ErrUnavailable):
		status = http.StatusBadGateway
	case errors.Is(err, model.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	if errors.Is(err, ErrBatchTooLarge) {
		label = "batch_too_large"
	}

	c.JSON(status, gin.H{
		"error":   label,
		"message": err.Error(),
	})
}
