package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"marketplace/internal/config"
	"marketplace/internal/market"
	"marketplace/internal/metrics"
	"marketplace/internal/middleware"
	rediskey "marketplace/pkg/redis"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// requestLockTTL bounds how long an idempotency key stays claimed if the
// process dies mid-request.
const requestLockTTL = 30 * time.Second

// Deps are the collaborators the HTTP layer needs.
type Deps struct {
	Market   *market.Marketplace
	Redis    *rd.Client
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Config   config.AppConfig
	Log      *zap.Logger
}

type handlers struct {
	Deps
}

// Setup registers every route.
func Setup(r *gin.Engine, d Deps) {
	h := &handlers{Deps: d}

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api")
	api.GET("/products", h.listProducts)
	api.GET("/products/:id", h.getProduct)
	api.GET("/referrals/:address", h.getReferrals)
	api.GET("/accounts/:address", h.getAccount)
	api.GET("/config", h.getConfig)

	authed := api.Group("/")
	authed.Use(middleware.Auth(d.Config.JWTSecret))
	{
		limit := middleware.RedisRateLimit(d.Redis, d.Config.TxRateLimit, d.Config.TxRateWindow, d.Log)
		authed.POST("/products", h.addProduct)
		authed.POST("/products/:id/buy", limit, h.pay("buy_product", h.Market.BuyProduct))
		authed.POST("/products/:id/rent", limit, h.pay("rent_product", h.Market.RentProduct))
		authed.PUT("/admin/config/:field", h.updateConfig)
		authed.POST("/admin/withdraw", h.withdraw)
		authed.POST("/accounts/:address/deposit", h.deposit)
		authed.POST("/pool/fund", h.fund)
	}
}

// statusOf maps a failure kind to its HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, market.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, market.ErrInvalidListing), errors.Is(err, market.ErrInvalidConfig), errors.Is(err, market.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, market.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, market.ErrNotForSale), errors.Is(err, market.ErrNotForRent), errors.Is(err, market.ErrAlreadyRented):
		return http.StatusConflict
	case errors.Is(err, market.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, market.ErrReentrantCall):
		return http.StatusLocked
	default:
		return http.StatusInternalServerError
	}
}

func failure(err error) (int, gin.H) {
	status := statusOf(err)
	return status, gin.H{"code": status, "kind": market.ErrorKind(err), "msg": err.Error()}
}

func (h *handlers) fail(c *gin.Context, err error) {
	status, body := failure(err)
	if status == http.StatusInternalServerError {
		h.Log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": msg})
}

func parseID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "invalid product id")
		return 0, false
	}
	return id, true
}

func parseAddress(c *gin.Context, s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		badRequest(c, "invalid address "+strconv.Quote(s))
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

func mustCaller(c *gin.Context) common.Address {
	caller, _ := middleware.Caller(c)
	return caller
}

func (h *handlers) listProducts(c *gin.Context) {
	list, err := h.Market.Products(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": list})
}

func (h *handlers) getProduct(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	p, err := h.Market.Product(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": p})
}

func (h *handlers) getReferrals(c *gin.Context) {
	addr, ok := parseAddress(c, c.Param("address"))
	if !ok {
		return
	}
	n, err := h.Market.ReferralCount(c.Request.Context(), addr)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"referrer": addr, "referrals": n}})
}

func (h *handlers) getAccount(c *gin.Context) {
	addr, ok := parseAddress(c, c.Param("address"))
	if !ok {
		return
	}
	b, err := h.Market.Balance(c.Request.Context(), addr)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"address": addr, "balance": b}})
}

func (h *handlers) getConfig(c *gin.Context) {
	cfg, err := h.Market.Config(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": cfg})
}

// addProduct lists a product; the marketplace rejects non-admin callers.
func (h *handlers) addProduct(c *gin.Context) {
	var req struct {
		Name              string `json:"name" binding:"required,max=128"`
		Price             int64  `json:"price" binding:"min=0"`
		IsForSale         bool   `json:"is_for_sale"`
		IsForRent         bool   `json:"is_for_rent"`
		RentalDurationSec int64  `json:"rental_duration_sec" binding:"min=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	p, err := h.Market.AddProduct(c.Request.Context(), mustCaller(c), market.ProductInput{
		Name:           req.Name,
		Price:          req.Price,
		IsForSale:      req.IsForSale,
		IsForRent:      req.IsForRent,
		RentalDuration: time.Duration(req.RentalDurationSec) * time.Second,
	})
	h.Metrics.ObserveOperation("add_product", err)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": p})
}

type payFunc func(ctx context.Context, caller common.Address, id uint64, referrer common.Address, value int64) (market.Receipt, error)

// pay handles buy and rent. With an Idempotency-Key header the outcome is
// stored and replayed for retries of the same key.
func (h *handlers) pay(operation string, fn payFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		var req struct {
			Value    int64  `json:"value" binding:"min=0"`
			Referrer string `json:"referrer"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		var referrer common.Address
		if req.Referrer != "" {
			if referrer, ok = parseAddress(c, req.Referrer); !ok {
				return
			}
		}
		caller := mustCaller(c)

		h.withReceipt(c, caller, func() (int, any) {
			rc, err := fn(c.Request.Context(), caller, id, referrer, req.Value)
			h.Metrics.ObserveOperation(operation, err)
			if err != nil {
				if statusOf(err) == http.StatusInternalServerError {
					h.Log.Error("payment failed", zap.String("operation", operation), zap.Error(err))
				}
				return failure(err)
			}
			return http.StatusOK, gin.H{"code": 0, "data": rc}
		})
	}
}

func (h *handlers) withReceipt(c *gin.Context, caller common.Address, run func() (int, any)) {
	idemKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if idemKey == "" {
		status, body := run()
		c.JSON(status, body)
		return
	}
	ctx := c.Request.Context()
	who := caller.Hex()

	stored, found, err := rediskey.GetReceipt(ctx, h.Redis, who, idemKey)
	if err != nil {
		h.fail(c, err)
		return
	}
	if found {
		c.Header("Idempotent-Replayed", "true")
		c.Data(stored.Status, "application/json; charset=utf-8", []byte(stored.Body))
		return
	}

	requestID := uuid.New().String()
	acquired, err := rediskey.AcquireRequestLock(ctx, h.Redis, who, idemKey, requestID, requestLockTTL)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !acquired {
		c.JSON(http.StatusConflict, gin.H{"code": 409, "msg": "a request with this Idempotency-Key is in progress"})
		return
	}
	defer func() {
		if err := rediskey.ReleaseRequestLockIfMatch(ctx, h.Redis, who, idemKey, requestID); err != nil {
			h.Log.Warn("release request lock", zap.String("request_id", requestID), zap.Error(err))
		}
	}()

	status, body := run()
	b, err := json.Marshal(body)
	if err != nil {
		h.fail(c, err)
		return
	}
	// 5xx outcomes are not stored so the client may retry with the same key.
	if status < http.StatusInternalServerError {
		rc := rediskey.Receipt{RequestID: requestID, Status: status, Body: string(b)}
		if err := rediskey.PutReceipt(ctx, h.Redis, who, idemKey, rc, h.Config.ReceiptTTL); err != nil {
			h.Log.Warn("store receipt", zap.String("request_id", requestID), zap.Error(err))
		}
	}
	c.Data(status, "application/json; charset=utf-8", b)
}

func (h *handlers) updateConfig(c *gin.Context) {
	var req struct {
		Value *int64 `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	ctx, caller, v := c.Request.Context(), mustCaller(c), *req.Value

	var err error
	switch field := c.Param("field"); field {
	case "referral_bonus":
		err = h.Market.UpdateReferralBonus(ctx, caller, v)
	case "min_sale_price":
		err = h.Market.UpdateMinSalePrice(ctx, caller, v)
	case "min_rent_price":
		err = h.Market.UpdateMinRentPrice(ctx, caller, v)
	case "fee_percentage":
		err = h.Market.UpdateFeePercentage(ctx, caller, v)
	case "default_expiration_sec":
		err = h.Market.UpdateDefaultExpiration(ctx, caller, time.Duration(v)*time.Second)
	default:
		c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "unknown config field " + strconv.Quote(field)})
		return
	}
	h.Metrics.ObserveOperation("update_config", err)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.getConfig(c)
}

func (h *handlers) withdraw(c *gin.Context) {
	amount, err := h.Market.WithdrawFunds(c.Request.Context(), mustCaller(c))
	h.Metrics.ObserveOperation("withdraw_funds", err)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"amount": amount}})
}

func (h *handlers) deposit(c *gin.Context) {
	account, ok := parseAddress(c, c.Param("address"))
	if !ok {
		return
	}
	var req struct {
		Amount int64 `json:"amount" binding:"min=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	balance, err := h.Market.Deposit(c.Request.Context(), mustCaller(c), account, req.Amount)
	h.Metrics.ObserveOperation("deposit", err)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"address": account, "balance": balance}})
}

func (h *handlers) fund(c *gin.Context) {
	var req struct {
		Amount int64 `json:"amount" binding:"min=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	pool, err := h.Market.Fund(c.Request.Context(), mustCaller(c), req.Amount)
	h.Metrics.ObserveOperation("fund_pool", err)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"pool": pool}})
}
