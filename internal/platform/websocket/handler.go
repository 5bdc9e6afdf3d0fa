package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/booking/booking/internal/platform/auth"
	"github.com/booking/booking/internal/platform/db"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
)

// Handler upgrades requests to WebSocket connections on the hub.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler accepts browser connections only from origins; "*" allows
// any. Requests without an Origin header are always accepted.
func NewHandler(hub *Hub, origins []string, logger zerolog.Logger) *Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed["*"] || allowed[origin]
			},
		},
		logger: logger.With().Str("component", "event-stream").Logger(),
	}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleScheduler, auth.RoleProvider))
	read.GET("/events/ws", h.Connect)
}

// Connect upgrades the request. Initial topics come from repeated ?topic=
// parameters; with none the client gets every event of its tenant.
func (h *Handler) Connect(c echo.Context) error {
	tenant := db.TenantFromContext(c.Request().Context())
	if tenant == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant required")
	}
	topics := c.QueryParams()["topic"]
	for _, t := range topics {
		if !ValidTopic(t) {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid topic "+t)
		}
	}
	if len(topics) == 0 {
		topics = []string{TopicAll}
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.logger.Debug().Err(err).Msg("upgrade failed")
		return nil
	}

	client := NewClient(tenant, topics)
	h.hub.Register(client)
	h.logger.Debug().Str("client_id", client.ID).Str("tenant", tenant).Strs("topics", topics).Msg("client connected")

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
	}()

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		h.hub.ProcessMessage(client, msg)
	}
}

func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
