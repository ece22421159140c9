package record

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/pssim/internal/platform/discovery"
	"github.com/ehr/pssim/internal/platform/identity"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/records")
	g.GET("/locations", h.ListLocations)
	g.GET("/candidates", h.ListCandidates)
	g.GET("/:insurantId/location", h.GetLocation)
	g.POST("/:insurantId/discover", h.Discover)
	g.DELETE("/:insurantId/location", h.DeleteLocation)
	g.Any("/:insurantId/forward/*", h.Forward)
}

func (h *Handler) GetLocation(c echo.Context) error {
	out := h.svc.Locate(c.Request().Context(), identity.InsurantID(c.Param("insurantId")))
	return c.JSON(statusFor(out), out)
}

func (h *Handler) Discover(c echo.Context) error {
	out := h.svc.Rediscover(c.Request().Context(), identity.InsurantID(c.Param("insurantId")))
	return c.JSON(statusFor(out), out)
}

func (h *Handler) DeleteLocation(c echo.Context) error {
	id := c.Param("insurantId")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "insurant id is required")
	}
	h.svc.Forget(identity.InsurantID(id))
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListLocations(c echo.Context) error {
	entries := h.svc.Locations()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"locations": entries,
		"total":     len(entries),
	})
}

func (h *Handler) ListCandidates(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"candidates": h.svc.Candidates(),
	})
}

func (h *Handler) Forward(c echo.Context) error {
	req := c.Request()
	resp, out, err := h.svc.Forward(req.Context(), identity.InsurantID(c.Param("insurantId")), ForwardRequest{
		Method: req.Method,
		Path:   c.Param("*"),
		Query:  req.URL.RawQuery,
		Header: req.Header,
		Body:   req.Body,
	})
	if errors.Is(err, ErrUnresolved) {
		return c.JSON(statusFor(out), out)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			c.Response().Header().Add(k, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)
	_, err = io.Copy(c.Response(), resp.Body)
	return err
}

// statusFor maps a discovery outcome onto the simulator's HTTP answer.
func statusFor(out discovery.Outcome) int {
	switch {
	case out.Success:
		return http.StatusOK
	case out.StatusMessage == discovery.MessageMissingInsurant:
		return http.StatusBadRequest
	case out.Kind == discovery.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}
