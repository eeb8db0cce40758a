package ws

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zaqqye/seb_integrity/internal/middleware"
)

// ProctorHandler upgrades a pengawas/admin connection to the audit stream.
// ?exam_id= narrows the stream to one exam.
func ProctorHandler(hub *ProctorHub) gin.HandlerFunc {
	return func(c *gin.Context) {
		if hub == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "realtime not available"})
			return
		}
		user, ok := middleware.CurrentUser(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if user.Role != middleware.RoleAdmin && user.Role != middleware.RoleProctor {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		client := &proctorClient{
			hub:    hub,
			conn:   conn,
			send:   make(chan []byte, sendBufferSize),
			examID: c.Query("exam_id"),
		}
		if !hub.add(client) {
			conn.Close()
			return
		}

		go writePump(conn, client.send)
		client.readPump()
	}
}
