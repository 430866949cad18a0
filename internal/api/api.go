// Package api exposes the engine's control surface over HTTP. It is a
// machine interface for CLIs and external tooling; there is no UI and no
// auth layer here.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"polytrigger/internal/engine"
	"polytrigger/internal/model"
)

// Server is the HTTP control surface.
type Server struct {
	logger *zap.Logger
	engine *engine.Engine
	http   *http.Server
}

// NewServer builds the router and server. Run starts listening.
func NewServer(logger *zap.Logger, eng *engine.Engine, addr string) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{logger: logger.Named("api"), engine: eng}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/markets", s.handleAddMarket)
	router.GET("/markets", s.handleListMarkets)
	router.DELETE("/markets/:id", s.handleRemoveMarket)

	router.POST("/alerts", s.handleAddAlert)
	router.GET("/alerts", s.handleListAlerts)
	router.DELETE("/alerts/:id", s.handleDeleteAlert)

	router.POST("/autotrades", s.handleAddAutoTrade)
	router.GET("/autotrades", s.handleListAutoTrades)
	router.DELETE("/autotrades/:id", s.handleDeleteAutoTrade)

	router.POST("/positions", s.handleAddPMConfig)
	router.GET("/positions", s.handleListPMConfigs)
	router.PUT("/positions/:id", s.handleEditPMConfig)
	router.DELETE("/positions/:id", s.handleDeletePMConfig)

	router.POST("/copytraders", s.handleAddCopyTrader)
	router.GET("/copytraders", s.handleListCopyTraders)
	router.PUT("/copytraders/:id", s.handleEditCopyTrader)
	router.DELETE("/copytraders/:id", s.handleDeleteCopyTrader)
	router.GET("/copytraders/:id/detections", s.handleListDetections)

	router.POST("/engine/start", s.handleStart)
	router.POST("/engine/stop", s.handleStop)
	router.GET("/engine/status", s.handleStatus)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control api listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// respondError maps the engine's error taxonomy onto HTTP statuses.
func (s *Server) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrMarketUnavailable):
		status = http.StatusBadGateway
	case errors.Is(err, engine.ErrOrderRejected):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ---- markets ----

type addMarketRequest struct {
	ConditionID string `json:"condition_id" binding:"required"`
	Outcome     string `json:"outcome"`
}

func (s *Server) handleAddMarket(c *gin.Context) {
	var req addMarketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sub, err := s.engine.AddMarket(c.Request.Context(), req.ConditionID, req.Outcome)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (s *Server) handleListMarkets(c *gin.Context) {
	subs, err := s.engine.ListMarkets(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, subs)
}

func (s *Server) handleRemoveMarket(c *gin.Context) {
	if err := s.engine.RemoveMarket(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ---- price alerts ----

type addAlertRequest struct {
	TokenID         string  `json:"token_id" binding:"required"`
	Threshold       float64 `json:"threshold" binding:"required,gt=0"`
	CooldownSeconds int     `json:"cooldown_seconds"`
}

func (s *Server) handleAddAlert(c *gin.Context) {
	var req addAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rule, err := s.engine.AddPriceAlert(c.Request.Context(), req.TokenID, req.Threshold, time.Duration(req.CooldownSeconds)*time.Second)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (s *Server) handleListAlerts(c *gin.Context) {
	rules, err := s.engine.ListPriceAlerts(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rules)
}

func (s *Server) handleDeleteAlert(c *gin.Context) {
	if err := s.engine.DeletePriceAlert(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ---- auto trades ----

type addAutoTradeRequest struct {
	TokenID      string   `json:"token_id" binding:"required"`
	TriggerPrice float64  `json:"trigger_price" binding:"required"`
	Direction    string   `json:"direction" binding:"required,oneof=below above"`
	Side         string   `json:"side" binding:"required,oneof=BUY SELL"`
	Size         float64  `json:"size" binding:"required,gt=0"`
	LimitPrice   *float64 `json:"limit_price"`
}

func (s *Server) handleAddAutoTrade(c *gin.Context) {
	var req addAutoTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rule, err := s.engine.AddAutoTrade(c.Request.Context(), req.TokenID, req.TriggerPrice,
		model.TriggerDirection(req.Direction), model.TradeSide(req.Side), req.Size, req.LimitPrice)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (s *Server) handleListAutoTrades(c *gin.Context) {
	rules, err := s.engine.ListAutoTrades(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rules)
}

func (s *Server) handleDeleteAutoTrade(c *gin.Context) {
	if err := s.engine.DeleteAutoTrade(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ---- position monitors ----

type addPMConfigRequest struct {
	TokenID    string  `json:"token_id" binding:"required"`
	EntryPrice float64 `json:"entry_price" binding:"required,gt=0"`
	Size       float64 `json:"size" binding:"required,gt=0"`

	// either explicit prices or percentage offsets
	TakeProfitPrice float64 `json:"take_profit_price"`
	StopLossPrice   float64 `json:"stop_loss_price"`
	TakeProfitPct   float64 `json:"take_profit_pct"`
	StopLossPct     float64 `json:"stop_loss_pct"`
}

func (s *Server) handleAddPMConfig(c *gin.Context) {
	var req addPMConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var cfg model.PMConfig
	var err error
	if req.TakeProfitPct > 0 || req.StopLossPct > 0 {
		cfg, err = s.engine.AddPMConfigPct(c.Request.Context(), req.TokenID, req.EntryPrice, req.Size, req.TakeProfitPct, req.StopLossPct)
	} else {
		cfg, err = s.engine.AddPMConfig(c.Request.Context(), req.TokenID, req.EntryPrice, req.Size, req.TakeProfitPrice, req.StopLossPrice)
	}
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cfg)
}

func (s *Server) handleListPMConfigs(c *gin.Context) {
	cfgs, err := s.engine.ListPMConfigs(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfgs)
}

// a zero threshold clears that exit; the engine rejects clearing both
type editPMConfigRequest struct {
	TakeProfitPrice float64 `json:"take_profit_price" binding:"gte=0"`
	StopLossPrice   float64 `json:"stop_loss_price" binding:"gte=0"`
}

func (s *Server) handleEditPMConfig(c *gin.Context) {
	var req editPMConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cfg, err := s.engine.EditPMConfig(c.Request.Context(), c.Param("id"), req.TakeProfitPrice, req.StopLossPrice)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) handleDeletePMConfig(c *gin.Context) {
	if err := s.engine.DeletePMConfig(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ---- copy traders ----

type addCopyTraderRequest struct {
	Handle    string  `json:"handle" binding:"required"`
	Wallet    string  `json:"wallet" binding:"required"`
	MaxAmount float64 `json:"max_amount" binding:"required,gt=0"`
	ExtraPct  float64 `json:"extra_pct" binding:"gte=0"`
}

func (s *Server) handleAddCopyTrader(c *gin.Context) {
	var req addCopyTraderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cfg, err := s.engine.AddCopyTrader(c.Request.Context(), req.Handle, req.Wallet, req.MaxAmount, req.ExtraPct)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cfg)
}

func (s *Server) handleListCopyTraders(c *gin.Context) {
	cfgs, err := s.engine.ListCopyTraders(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfgs)
}

type editCopyTraderRequest struct {
	MaxAmount float64 `json:"max_amount" binding:"required,gt=0"`
	ExtraPct  float64 `json:"extra_pct" binding:"gte=0"`
	Enabled   bool    `json:"enabled"`
}

func (s *Server) handleEditCopyTrader(c *gin.Context) {
	var req editCopyTraderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cfg, err := s.engine.EditCopyTrader(c.Request.Context(), c.Param("id"), req.MaxAmount, req.ExtraPct, req.Enabled)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) handleDeleteCopyTrader(c *gin.Context) {
	if err := s.engine.DeleteCopyTrader(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListDetections(c *gin.Context) {
	trades, err := s.engine.ListDetectedTrades(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, trades)
}

// ---- engine lifecycle ----

func (s *Server) handleStart(c *gin.Context) {
	// the scheduler outlives the request; it runs on the server's lifetime,
	// not the request context
	if err := s.engine.Start(context.Background()); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.engine.Status())
}

func (s *Server) handleStop(c *gin.Context) {
	if err := s.engine.Stop(); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.engine.Status())
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Status())
}
