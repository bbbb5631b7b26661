package gateway

import (
	"net/http"

	"github.com/labstack/echo/v5"
)

type healthResponse struct {
	Status string `json:"status"`
}

// healthHandler implements GET /health (§6). When Dependencies.Health is
// set (the Redis store), liveness includes a ping to the backing store;
// otherwise it reports the process is up.
func (s *Server) healthHandler(c echo.Context) error {
	if s.deps.Health != nil {
		if err := s.deps.Health.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, healthResponse{Status: "degraded: " + err.Error()})
		}
	}
	return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
}

// commandsHandler implements GET /commands (§6): the slash commands a
// client can offer for auto-complete, configured once at startup.
func (s *Server) commandsHandler(c echo.Context) error {
	cmds := s.deps.Commands
	if cmds == nil {
		cmds = []Command{}
	}
	return c.JSON(http.StatusOK, cmds)
}
