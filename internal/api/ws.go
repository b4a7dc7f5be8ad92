package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tos-network/stratum-pool/internal/util"
)

// handleFeed upgrades to a websocket and streams feed events as JSON until
// the client goes away
func (s *Server) handleFeed(c *gin.Context) {
	ip := c.ClientIP()
	if s.policy != nil && s.policy.IsBanned(ip) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Banned"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		util.Debugf("WebSocket upgrade error: %v", err)
		return
	}

	events, unsubscribe := s.feed.Subscribe()
	util.Debugf("Feed client %s attached", ip)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// clients only send control frames; reading drives pong and close
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer func() {
		ping.Stop()
		unsubscribe()
		conn.Close()
		util.Debugf("Feed client %s detached", ip)
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
