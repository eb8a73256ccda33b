// Package api serves the host's admin HTTP API and the websocket endpoint remote plugins
// attach through.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/akshayaggarwal99/brickwrap/internal/game"
	"github.com/akshayaggarwal99/brickwrap/internal/host"
	"github.com/akshayaggarwal99/brickwrap/internal/proto"
	"github.com/akshayaggarwal99/brickwrap/internal/registry"
	"github.com/akshayaggarwal99/brickwrap/internal/session"
	"github.com/akshayaggarwal99/brickwrap/internal/transport"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// APIKeyHeader carries the admin API key. The api_key query parameter is accepted too.
const APIKeyHeader = "X-Brickwrap-API-Key"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		return strings.HasPrefix(origin, "http://localhost") || strings.HasPrefix(origin, "https://localhost")
	},
}

// Host is the part of the plugin host the API exposes.
type Host interface {
	Plugins() []session.Info
	Unregister(id registry.PluginID) error
	Call(ctx context.Context, id registry.PluginID, method string, params any) (json.RawMessage, error)
	Dispatch(ev game.Event) (int, error)
	Stats() host.Stats
	Attach(ctx context.Context, ch transport.Channel, resource io.Closer, origin string) (registry.PluginID, error)
}

type Handler struct {
	host         Host
	apiKey       string
	maxFrameSize int
	logger       zerolog.Logger
}

func NewHandler(h Host, apiKey string, maxFrameSize int, logger zerolog.Logger) *Handler {
	return &Handler{
		host:         h,
		apiKey:       apiKey,
		maxFrameSize: maxFrameSize,
		logger:       logger.With().Str("component", "api").Logger(),
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	v1 := e.Group("/v1")

	if h.apiKey != "" {
		v1.Use(h.authMiddleware)
	}

	v1.GET("/plugins", h.listPlugins)
	v1.DELETE("/plugins/:id", h.unregisterPlugin)
	v1.POST("/plugins/:id/call", h.callPlugin)
	v1.POST("/events", h.emitEvent)
	v1.GET("/stats", h.stats)
	v1.GET("/attach", h.attach)
}

func (h *Handler) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := c.Request().Header.Get(APIKeyHeader)
		if key == "" {
			key = c.QueryParam("api_key")
		}
		if key != h.apiKey {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing API key")
		}
		return next(c)
	}
}

func (h *Handler) listPlugins(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"plugins": h.host.Plugins()})
}

func (h *Handler) unregisterPlugin(c echo.Context) error {
	id := registry.PluginID(c.Param("id"))
	if err := h.host.Unregister(id); err != nil {
		if errors.Is(err, registry.ErrPluginNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "plugin not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to unregister plugin").SetInternal(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"id": string(id), "status": "draining"})
}

type CallRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type CallResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *proto.RPCError `json:"error,omitempty"`
}

func (h *Handler) callPlugin(c echo.Context) error {
	id := registry.PluginID(c.Param("id"))
	var req CallRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request").SetInternal(err)
	}
	if req.Method == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "method is required")
	}

	var params any
	if len(req.Params) > 0 {
		params = req.Params
	}
	result, err := h.host.Call(c.Request().Context(), id, req.Method, params)
	if err != nil {
		var rpcErr *proto.RPCError
		switch {
		case errors.As(err, &rpcErr):
			return c.JSON(http.StatusBadGateway, CallResponse{Error: rpcErr})
		case errors.Is(err, registry.ErrPluginNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "plugin not found")
		case errors.Is(err, session.ErrTimeout):
			return echo.NewHTTPError(http.StatusGatewayTimeout, "plugin did not respond in time")
		case errors.Is(err, session.ErrSessionDraining), errors.Is(err, session.ErrSessionClosed):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, "call failed").SetInternal(err)
		}
	}
	return c.JSON(http.StatusOK, CallResponse{Result: result})
}

type EventRequest struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func (h *Handler) emitEvent(c echo.Context) error {
	var req EventRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request").SetInternal(err)
	}
	ev, err := game.DecodeEvent(req.Kind, req.Payload)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	n, err := h.host.Dispatch(ev)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]any{"kind": ev.Kind(), "delivered": n})
}

func (h *Handler) stats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.host.Stats())
}

// attach upgrades to a websocket and serves the peer as a plugin. The connection outlives the
// request once the plugin is registered.
func (h *Handler) attach(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	origin := "ws:" + c.RealIP()
	ch := transport.NewWSChannel(ws, h.maxFrameSize)
	id, err := h.host.Attach(c.Request().Context(), ch, nil, origin)
	if err != nil {
		h.logger.Warn().Err(err).Str("origin", origin).Msg("Websocket plugin rejected")
		return nil
	}
	h.logger.Info().Str("plugin_id", string(id)).Str("origin", origin).Msg("Websocket plugin attached")
	return nil
}
