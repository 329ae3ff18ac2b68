package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/memosense/server/service/semantic"
)

// StatusResponse represents the health of the semantic subsystem.
type StatusResponse struct {
	*semantic.Status
	Version     string  `json:"version"`
	Mode        string  `json:"mode"`
	SuccessRate float64 `json:"success_rate"`
}

// GetStatus returns model, fallback, cache and request metrics.
// GET /api/v1/status
func (s *APIV1Service) GetStatus(c echo.Context) error {
	status := s.Semantic.Status()
	resp := StatusResponse{
		Status:      status,
		Version:     s.Profile.Version,
		Mode:        s.Profile.Mode,
		SuccessRate: 100,
	}
	if status.Metrics != nil {
		resp.SuccessRate = status.Metrics.SuccessRate()
	}
	return c.JSON(http.StatusOK, resp)
}
