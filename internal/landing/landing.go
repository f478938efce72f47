// Package landing serves the base-domain page: requests that arrive with
// no tunnel subdomain land here instead of a 404.
package landing

import (
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/sombochea/tungo/internal/registry"
)

// Handler serves the base-domain landing page and its stats endpoint.
type Handler struct {
	registry  registry.Registry
	publicURL string
}

// NewHandler creates a landing page handler backed by reg.
func NewHandler(reg registry.Registry, publicURL string) *Handler {
	return &Handler{registry: reg, publicURL: publicURL}
}

// Index renders the base-domain landing page.
func (h *Handler) Index(c fiber.Ctx) error {
	c.Set("Content-Type", "text/html; charset=utf-8")
	return c.Status(fiber.StatusOK).SendString(indexHTML)
}

// Stats reports the current active tunnel count as JSON.
func (h *Handler) Stats(c fiber.Ctx) error {
	tunnels, err := h.registry.GetAllTunnels()
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "registry unavailable",
		})
	}

	return c.JSON(fiber.Map{
		"activeTunnels": len(tunnels),
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	})
}

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="UTF-8">
	<title>TunGo</title>
	<style>
		body { font-family: -apple-system, BlinkMacSystemFont, sans-serif; background: #0f172a; color: #e2e8f0; display: flex; align-items: center; justify-content: center; height: 100vh; margin: 0; }
		.card { text-align: center; }
		h1 { font-size: 2rem; margin-bottom: 0.5rem; }
		p { color: #94a3b8; }
		a { color: #60a5fa; }
	</style>
</head>
<body>
	<div class="card">
		<h1>TunGo</h1>
		<p>This server routes requests to connected tunnels by subdomain.</p>
		<p>No tunnel is configured for the base domain itself — see <a href="/api/stats">/api/stats</a> for live tunnel counts.</p>
	</div>
</body>
</html>`
