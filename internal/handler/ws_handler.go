package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/smartcampus/proctor/internal/config"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

// MonitorWSHandler streams live violation events of one quiz to invigilator
// dashboards over WebSocket, fanned out through the Redis monitor channel.
type MonitorWSHandler struct {
	rdb      *redis.Client
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewMonitorWSHandler creates a new MonitorWSHandler. allowedOrigins empty
// means all origins are accepted (dev default).
func NewMonitorWSHandler(rdb *redis.Client, allowedOrigins []string, log zerolog.Logger) *MonitorWSHandler {
	return &MonitorWSHandler{
		rdb:      rdb,
		upgrader: buildUpgrader(allowedOrigins),
		log:      log.With().Str("component", "monitor_ws").Logger(),
	}
}

func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if origin == allowed {
					return true
				}
			}
			return false
		},
	}
}

// Stream handles GET /api/v1/ws/quizzes/:quiz_id/monitor. Each connection
// gets its own Redis subscription; closing the socket tears it down.
func (h *MonitorWSHandler) Stream(c *gin.Context) {
	quizID, ok := parseUUIDParam(c, "quiz_id")
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	channel := config.CacheKey.QuizMonitorChannel(quizID.String())
	sub := h.rdb.Subscribe(c.Request.Context(), channel)
	defer sub.Close()

	h.log.Info().Str("quiz_id", quizID.String()).Msg("Monitor stream opened")

	// Reader exists only to surface close frames and pongs.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	events := sub.Channel()
	for {
		select {
		case <-done:
			h.log.Info().Str("quiz_id", quizID.String()).Msg("Monitor stream closed by client")
			return
		case <-c.Request.Context().Done():
			return
		case msg, open := <-events:
			if !open {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				h.log.Debug().Err(err).Msg("Monitor stream write failed")
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
