package signalws

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/mediaroom/internal/core"
)

// HandlerOptions configure the upgrade endpoint.
type HandlerOptions struct {
	// AllowedOrigins is the exact-match browser origin allow-list. When
	// empty, only localhost origins pass.
	AllowedOrigins []string
	Channel        ChannelOptions
}

// Handler upgrades signaling websocket connections and routes them into the
// session directory.
type Handler struct {
	server   *core.Server
	opts     HandlerOptions
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

func NewHandler(server *core.Server, opts HandlerOptions) *Handler {
	h := &Handler{
		server: server,
		opts:   opts,
		logger: log.With().Str("module", "adapters.signalws").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: h.originAllowed,
	}
	return h
}

// HandleSignal serves GET /ws?roomId=...&peerId=....
func (h *Handler) HandleSignal(c *gin.Context) {
	roomID := c.Query("roomId")
	peerID := c.Query("peerId")
	if roomID == "" || peerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomId and peerId query parameters are required"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("ws upgrade failed")
		return
	}

	h.logger.Info().Str("room", roomID).Str("peer", peerID).Msg("signaling connection")

	channel := NewChannel(ws, h.opts.Channel)
	if _, err := h.server.HandleConnection(c.Request.Context(), roomID, peerID, channel); err != nil {
		h.logger.Warn().Err(err).Str("room", roomID).Str("peer", peerID).Msg("connection rejected")
		channel.Close()
	}
}

// originAllowed enforces the browser origin allow-list. Requests without an
// Origin header are non-browser clients and pass.
func (h *Handler) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if len(h.opts.AllowedOrigins) == 0 {
		host := u.Hostname()
		return host == "localhost" || host == "127.0.0.1" || host == "::1"
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if strings.EqualFold(strings.TrimSuffix(allowed, "/"), strings.TrimSuffix(origin, "/")) {
			return true
		}
	}
	return false
}
