package pubsub

import (
	"bufio"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// Routes provides the SSE subscription endpoint.
type Routes struct {
	manager *SSEManager
}

// NewRoutes creates a new Routes instance.
func NewRoutes(manager *SSEManager) *Routes {
	return &Routes{manager: manager}
}

// Register registers routes with a fiber router group.
func (r *Routes) Register(router fiber.Router) {
	router.Get("/:topics", r.handleSSE)
}

// handleSSE streams change events for a comma-separated list of script-hash
// topics until the client disconnects.
func (r *Routes) handleSSE(c *fiber.Ctx) error {
	topics := strings.Split(c.Params("topics"), ",")

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("Transfer-Encoding", "chunked")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		clientID := r.manager.RegisterClient(topics, w)
		defer r.manager.DeregisterClient(clientID)

		<-c.Context().Done()
	})

	return nil
}
