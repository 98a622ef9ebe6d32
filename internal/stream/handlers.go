package stream

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// TokenValidator resolves an access token to a user id.
type TokenValidator func(token string) (string, error)

// RegisterRoutes mounts GET /ws?token=... Browsers cannot set headers on a
// WebSocket handshake, so the bearer token travels in the query string.
func RegisterRoutes(r fiber.Router, hub *Hub, validate TokenValidator) {
	r.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		token := c.Query("token")
		if token == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing token")
		}
		userID, err := validate(token)
		if err != nil || userID == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "token invalid")
		}
		c.Locals("user_id", userID)
		return c.Next()
	})

	r.Get("/ws", websocket.New(func(c *websocket.Conn) {
		userID, _ := c.Locals("user_id").(string)
		client := hub.Register(userID)
		defer hub.Unregister(client)

		done := make(chan struct{})
		go func() {
			for msg := range client.Send {
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					break
				}
			}
			close(done)
		}()

		for {
			if _, _, err := c.ReadMessage(); err != nil {
				break
			}
		}
		hub.Unregister(client)
		<-done
	}))
}
