// Package api exposes the pump driver over HTTP. Operations map one to one
// onto driver calls; /api/events streams driver events over a websocket.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"dana/pump/driver"
	codes "dana/pump/driver/packets"

	"github.com/gin-gonic/contrib/static"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Controller is the part of driver.Driver the API drives.
type Controller interface {
	Connect(ctx context.Context) error
	Disconnect(reason string)
	State() driver.State
	Pump() *driver.Pump
	RefreshStatus(ctx context.Context) error
	SetTempBasal(ctx context.Context, percent, hours int) error
	SetHighTempBasal(ctx context.Context, percent int) error
	StopTempBasal(ctx context.Context) error
	SetExtendedBolus(ctx context.Context, amount float64, halfHours int) error
	StopExtendedBolus(ctx context.Context) error
	Bolus(ctx context.Context, req driver.BolusRequest) (driver.BolusResult, error)
	StopBolus(ctx context.Context) error
	CarbsEntry(ctx context.Context, grams int, at time.Time) error
	SyncHistory(ctx context.Context) ([]driver.HistoryRecord, error)
	LoadHistory(ctx context.Context, code uint16) ([]driver.HistoryRecord, error)
	UpdateBasalProfile(ctx context.Context, rates [24]float64) error
}

// SubscribeFunc registers a websocket client for events. The returned
// function unsubscribes.
type SubscribeFunc func() (<-chan driver.Event, func())

type Options struct {
	// Directory with the web client, empty serves the API only
	StaticDir string
}

var historyPages = map[string]uint16{
	"bolus":      codes.CMD_HISTORY_BOLUS,
	"daily":      codes.CMD_HISTORY_DAILY,
	"prime":      codes.CMD_HISTORY_PRIME,
	"glucose":    codes.CMD_HISTORY_GLUCOSE,
	"alarm":      codes.CMD_HISTORY_ALARM,
	"error":      codes.CMD_HISTORY_ERROR,
	"carbo":      codes.CMD_HISTORY_CARBO,
	"refill":     codes.CMD_HISTORY_REFILL,
	"suspend":    codes.CMD_HISTORY_SUSPEND,
	"basal_hour": codes.CMD_HISTORY_BASAL_HOUR,
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

const wsPingInterval = 20 * time.Second

type server struct {
	ctl       Controller
	subscribe SubscribeFunc
}

func NewRouter(ctl Controller, subscribe SubscribeFunc, opts Options) *gin.Engine {
	var s = &server{ctl: ctl, subscribe: subscribe}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	if opts.StaticDir != "" {
		router.Use(static.Serve("/", static.LocalFile(opts.StaticDir, true)))
	}

	// Setup route group for the API
	api := router.Group("/api")
	{
		api.GET("/", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"message": "pong",
			})
		})
		api.GET("/status", s.status)
		api.POST("/connect", s.connect)
		api.POST("/disconnect", s.disconnect)
		api.POST("/refresh", s.refresh)

		api.POST("/tempbasal", s.setTempBasal)
		api.DELETE("/tempbasal", s.stopTempBasal)
		api.POST("/extended", s.setExtendedBolus)
		api.DELETE("/extended", s.stopExtendedBolus)
		api.POST("/bolus", s.bolus)
		api.DELETE("/bolus", s.stopBolus)
		api.POST("/carbs", s.carbs)
		api.PUT("/profile", s.updateProfile)

		api.POST("/history/sync", s.syncHistory)
		api.GET("/history/:kind", s.loadHistory)

		api.GET("/events", s.events)
	}

	return router
}

func (s *server) status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state": s.ctl.State().String(),
		"pump":  s.ctl.Pump().Snapshot(),
	})
}

func (s *server) connect(c *gin.Context) {
	if err := s.ctl.Connect(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	s.status(c)
}

func (s *server) disconnect(c *gin.Context) {
	s.ctl.Disconnect("requested over http")
	c.Status(http.StatusNoContent)
}

func (s *server) refresh(c *gin.Context) {
	if err := s.ctl.RefreshStatus(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	s.status(c)
}

type tempBasalRequest struct {
	Percent int `json:"percent" binding:"min=0,max=500"`
	// 0 starts an APS temp basal of 30 or 15 minutes
	Hours int `json:"hours" binding:"min=0,max=24"`
}

func (s *server) setTempBasal(c *gin.Context) {
	var req tempBasalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if req.Hours > 0 && req.Percent > 200 {
		badRequest(c, fmt.Errorf("percent %d above 200 needs hours 0 (APS temp basal)", req.Percent))
		return
	}

	var err error
	if req.Hours == 0 {
		err = s.ctl.SetHighTempBasal(c.Request.Context(), req.Percent)
	} else {
		err = s.ctl.SetTempBasal(c.Request.Context(), req.Percent, req.Hours)
	}
	if err != nil {
		fail(c, err)
		return
	}
	s.status(c)
}

func (s *server) stopTempBasal(c *gin.Context) {
	if err := s.ctl.StopTempBasal(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	s.status(c)
}

type extendedRequest struct {
	Amount    float64 `json:"amount" binding:"gt=0"`
	HalfHours int     `json:"half_hours" binding:"min=1,max=16"`
}

func (s *server) setExtendedBolus(c *gin.Context) {
	var req extendedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.ctl.SetExtendedBolus(c.Request.Context(), req.Amount, req.HalfHours); err != nil {
		fail(c, err)
		return
	}
	s.status(c)
}

func (s *server) stopExtendedBolus(c *gin.Context) {
	if err := s.ctl.StopExtendedBolus(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	s.status(c)
}

type bolusRequest struct {
	Amount   float64    `json:"amount" binding:"min=0"`
	Carbs    int        `json:"carbs" binding:"min=0"`
	CarbTime *time.Time `json:"carb_time"`
}

// bolus runs the whole delivery in the request. A client hanging up does not
// cancel it; DELETE /api/bolus does.
func (s *server) bolus(c *gin.Context) {
	var req bolusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Amount == 0 && req.Carbs == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount or carbs required"})
		return
	}

	var carbTime = time.Now()
	if req.CarbTime != nil {
		carbTime = *req.CarbTime
	}

	result, err := s.ctl.Bolus(context.WithoutCancel(c.Request.Context()), driver.BolusRequest{
		Amount:   req.Amount,
		Carbs:    req.Carbs,
		CarbTime: carbTime,
	})
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "result": result})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *server) stopBolus(c *gin.Context) {
	if err := s.ctl.StopBolus(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type carbsRequest struct {
	Grams int        `json:"grams" binding:"required,min=1"`
	Time  *time.Time `json:"time"`
}

func (s *server) carbs(c *gin.Context) {
	var req carbsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	var at = time.Now()
	if req.Time != nil {
		at = *req.Time
	}
	if err := s.ctl.CarbsEntry(c.Request.Context(), req.Grams, at); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type profileRequest struct {
	Rates []float64 `json:"rates" binding:"required,len=24,dive,min=0"`
}

func (s *server) updateProfile(c *gin.Context) {
	var req profileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	var rates [24]float64
	copy(rates[:], req.Rates)
	if err := s.ctl.UpdateBasalProfile(c.Request.Context(), rates); err != nil {
		fail(c, err)
		return
	}
	s.status(c)
}

func (s *server) syncHistory(c *gin.Context) {
	records, err := s.ctl.SyncHistory(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

func (s *server) loadHistory(c *gin.Context) {
	code, ok := historyPages[c.Param("kind")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown history kind " + c.Param("kind")})
		return
	}

	records, err := s.ctl.LoadHistory(c.Request.Context(), code)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

func (s *server) events(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	ch, unsub := s.subscribe()
	defer unsub()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				log.Debug().Err(err).Msg("Websocket write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.Request.Context().Done():
			return
		}
	}
}

// statusFor maps driver errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, driver.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, driver.ErrNotConnected), errors.Is(err, driver.ErrConnectInProgress):
		return http.StatusConflict
	case errors.Is(err, driver.ErrWrongPassword):
		return http.StatusForbidden
	case errors.Is(err, driver.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, driver.ErrReplyTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, driver.ErrCommandFailed), errors.Is(err, driver.ErrDisconnected),
		errors.Is(err, driver.ErrPumpCheck), errors.Is(err, driver.ErrBolusWatchdog),
		errors.Is(err, driver.ErrBolusStopRequested):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	var code = statusFor(err)
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("api")
	}
}
