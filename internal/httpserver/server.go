// Package httpserver exposes the carrier webhook surface, the media
// WebSocket endpoint, and the agent control API over one Echo instance.
package httpserver

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/chadiek/callbridge/internal/call"
	"github.com/chadiek/callbridge/internal/config"
	"github.com/chadiek/callbridge/internal/media"
	"github.com/chadiek/callbridge/internal/stt"
	"github.com/chadiek/callbridge/internal/telephony"
	"github.com/chadiek/callbridge/internal/tts"
)

const mediaStartWait = 10 * time.Second

// CallService is the slice of the call manager the HTTP layer drives.
// *call.Manager satisfies it.
type CallService interface {
	Initiate(ctx context.Context, message string) (string, string, error)
	Continue(ctx context.Context, callID, message string) (string, error)
	SpeakOnly(ctx context.Context, callID, message string) error
	End(ctx context.Context, callID, message string) (time.Duration, error)
	HandleStatus(evt telephony.StatusEvent)
	BindMedia(ch call.MediaChannel) error
	ActiveCalls() int
}

// Server bundles the router and its dependencies.
type Server struct {
	e        *echo.Echo
	cfg      config.Config
	phone    telephony.Provider
	calls    CallService
	ttsName  string
	sttName  string
	upgrader websocket.Upgrader
}

// New constructs the HTTP server with all routes registered.
func New(cfg config.Config, phone telephony.Provider, calls CallService, ttsName, sttName string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	s := &Server{
		e:       e,
		cfg:     cfg,
		phone:   phone,
		calls:   calls,
		ttsName: ttsName,
		sttName: sttName,
		// The carrier is the only client; no browser origin to check.
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}

	e.GET("/health", s.health)
	e.GET("/call-instruction", s.callInstruction)
	e.POST("/call-instruction", s.callInstruction)
	e.POST("/status", s.status)
	e.GET("/media-stream", s.mediaStream)

	agent := e.Group("/agent")
	agent.POST("/initiate-call", s.initiateCall)
	agent.POST("/continue-call", s.continueCall)
	agent.POST("/speak-to-user", s.speakToUser)
	agent.POST("/end-call", s.endCall)

	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.e }

// Start blocks serving on addr.
func (s *Server) Start(addr string) error { return s.e.Start(addr) }

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "ok",
		"phone":       s.phone.Name(),
		"tts":         s.ttsName,
		"stt":         s.sttName,
		"activeCalls": s.calls.ActiveCalls(),
	})
}

// callInstruction serves the document the carrier fetches on pickup,
// pointing it at the media WebSocket.
func (s *Server) callInstruction(c echo.Context) error {
	contentType, doc, err := s.phone.CallInstruction(s.cfg.MediaStreamURL())
	if err != nil {
		return c.String(http.StatusInternalServerError, "failed to build call instruction")
	}
	return c.Blob(http.StatusOK, contentType, []byte(doc))
}

// status receives carrier lifecycle callbacks. The raw body is read before
// verification because both signature schemes cover it.
func (s *Server) status(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.String(http.StatusBadRequest, "unreadable body")
	}
	if !s.phone.VerifyWebhook(c.Request(), body) {
		return c.String(http.StatusUnauthorized, "invalid signature")
	}
	evt, err := s.phone.ParseStatusEvent(c.Request(), body)
	if err != nil {
		log.Printf("status webhook rejected: %v", err)
		return c.String(http.StatusBadRequest, "unparseable event")
	}
	s.calls.HandleStatus(evt)
	return c.String(http.StatusOK, "ok")
}

// mediaStream upgrades the carrier's audio socket and joins it to the call
// named in its start frame.
func (s *Server) mediaStream(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	stream := media.NewStream(conn)
	go stream.Run()

	ctx, cancel := context.WithTimeout(c.Request().Context(), mediaStartWait)
	defer cancel()
	if err := stream.WaitStart(ctx); err != nil {
		log.Printf("media stream: no start frame: %v", err)
		_ = stream.Close()
		return nil
	}
	if err := s.calls.BindMedia(stream); err != nil {
		log.Printf("media stream for ref %s not joined: %v", stream.CallRef(), err)
		_ = stream.Close()
	}
	return nil
}

type agentRequest struct {
	CallID  string `json:"callId"`
	Message string `json:"message"`
}

func (s *Server) initiateCall(c echo.Context) error {
	var req agentRequest
	if err := c.Bind(&req); err != nil || req.Message == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "message is required"})
	}
	callID, resp, err := s.calls.Initiate(c.Request().Context(), req.Message)
	if err != nil {
		return agentError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"callId": callID, "response": resp})
}

func (s *Server) continueCall(c echo.Context) error {
	var req agentRequest
	if err := c.Bind(&req); err != nil || req.CallID == "" || req.Message == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "callId and message are required"})
	}
	resp, err := s.calls.Continue(c.Request().Context(), req.CallID, req.Message)
	if err != nil {
		return agentError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"response": resp})
}

func (s *Server) speakToUser(c echo.Context) error {
	var req agentRequest
	if err := c.Bind(&req); err != nil || req.CallID == "" || req.Message == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "callId and message are required"})
	}
	if err := s.calls.SpeakOnly(c.Request().Context(), req.CallID, req.Message); err != nil {
		return agentError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) endCall(c echo.Context) error {
	var req agentRequest
	if err := c.Bind(&req); err != nil || req.CallID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "callId is required"})
	}
	dur, err := s.calls.End(c.Request().Context(), req.CallID, req.Message)
	if err != nil {
		return agentError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"durationSeconds": int(dur.Seconds())})
}

// agentError maps domain errors onto HTTP statuses for the agent surface.
func agentError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, call.ErrCallNotFound):
		status = http.StatusNotFound
	case errors.Is(err, call.ErrCallBusy), errors.Is(err, call.ErrCallNotReady):
		status = http.StatusConflict
	case errors.Is(err, call.ErrCallEnded), errors.Is(err, stt.ErrCancelled):
		status = http.StatusGone
	case errors.Is(err, stt.ErrTranscriptTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, stt.ErrUnavailable),
		errors.Is(err, tts.ErrSynthesisFailed),
		errors.Is(err, telephony.ErrCarrierRejected):
		status = http.StatusBadGateway
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}
