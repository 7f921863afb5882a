package websocket

import (
	"strconv"

	"github.com/AzielCF/az-inbox/domains/realtime"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
)

// RegisterRoutes mounts /ws. A client joins the session and message rooms of
// the tenant given in ?tenant= and only receives; inbound frames are ignored.
func RegisterRoutes(app fiber.Router, hub *Hub) {
	app.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return c.SendStatus(fiber.StatusUpgradeRequired)
		}
		tenantID, err := strconv.Atoi(c.Query("tenant"))
		if err != nil || tenantID <= 0 {
			return fiber.NewError(fiber.StatusBadRequest, "tenant query parameter is required")
		}
		c.Locals("tenant", tenantID)
		return c.Next()
	})

	app.Get("/ws", websocket.New(func(conn *websocket.Conn) {
		tenantID, _ := conn.Locals("tenant").(int)
		sub := hub.Join(conn, realtime.SessionTopic(tenantID), realtime.MessageTopic(tenantID))
		defer func() {
			hub.Leave(sub)
			_ = conn.Close()
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					logrus.Debugf("[WS] Read error: %v", err)
				}
				return
			}
		}
	}))
}
