package ingest

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/austindbirch/hookrelay/internal/auth"
	"github.com/austindbirch/hookrelay/internal/delivery"
)

type createSubscriptionRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

// updateSubscriptionRequest is a partial update; absent fields are kept.
type updateSubscriptionRequest struct {
	URL    *string  `json:"url"`
	Events []string `json:"events"`
	Active *bool    `json:"active"`
}

type triggerEventRequest struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

type subscriptionsResponse struct {
	Subscriptions []*delivery.Subscription `json:"subscriptions"`
}

// deliveryView adds the derived status to a delivery record.
type deliveryView struct {
	*delivery.Delivery
	Status string `json:"status"`
}

type deliveriesResponse struct {
	Deliveries []deliveryView `json:"deliveries"`
}

func (s *Server) view(d *delivery.Delivery) deliveryView {
	return deliveryView{Delivery: d, Status: d.Status(s.api.Policy().MaxAttempts)}
}

// tenant returns the tenant resolved by the auth middleware.
func tenant(c echo.Context) (string, error) {
	id, ok := auth.GetTenantIDFromContext(c.Request().Context())
	if !ok {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing tenant")
	}
	return id, nil
}

// bind decodes a JSON body. Decode failures are validation errors.
func bind(c echo.Context, v any) error {
	if err := json.NewDecoder(c.Request().Body).Decode(v); err != nil {
		return delivery.Validation("body", "invalid JSON: "+err.Error())
	}
	return nil
}

func (s *Server) ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"message": "pong"})
}

func (s *Server) createSubscription(c echo.Context) error {
	tenantID, err := tenant(c)
	if err != nil {
		return err
	}
	var req createSubscriptionRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	sub, err := s.api.CreateSubscription(c.Request().Context(), tenantID, req.URL, req.Events)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, sub)
}

func (s *Server) listSubscriptions(c echo.Context) error {
	tenantID, err := tenant(c)
	if err != nil {
		return err
	}
	subs, err := s.api.ListSubscriptions(c.Request().Context(), tenantID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, subscriptionsResponse{Subscriptions: subs})
}

func (s *Server) getSubscription(c echo.Context) error {
	tenantID, err := tenant(c)
	if err != nil {
		return err
	}
	sub, err := s.api.GetSubscription(c.Request().Context(), tenantID, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sub)
}

func (s *Server) updateSubscription(c echo.Context) error {
	tenantID, err := tenant(c)
	if err != nil {
		return err
	}
	var req updateSubscriptionRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	patch := delivery.SubscriptionPatch{URL: req.URL, Events: req.Events, Active: req.Active}
	sub, err := s.api.UpdateSubscription(c.Request().Context(), tenantID, c.Param("id"), patch)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sub)
}

func (s *Server) deleteSubscription(c echo.Context) error {
	tenantID, err := tenant(c)
	if err != nil {
		return err
	}
	if err := s.api.DeleteSubscription(c.Request().Context(), tenantID, c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) rotateSecret(c echo.Context) error {
	tenantID, err := tenant(c)
	if err != nil {
		return err
	}
	sub, err := s.api.RotateSecret(c.Request().Context(), tenantID, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sub)
}

func (s *Server) listDeliveries(c echo.Context) error {
	tenantID, err := tenant(c)
	if err != nil {
		return err
	}
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return delivery.Validation("limit", "must be a non-negative integer")
		}
		limit = n
	}
	ds, err := s.api.ListDeliveries(c.Request().Context(), tenantID, c.Param("id"), limit)
	if err != nil {
		return err
	}
	out := deliveriesResponse{Deliveries: make([]deliveryView, len(ds))}
	for i, d := range ds {
		out.Deliveries[i] = s.view(d)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getDelivery(c echo.Context) error {
	tenantID, err := tenant(c)
	if err != nil {
		return err
	}
	d, err := s.api.GetDelivery(c.Request().Context(), tenantID, c.Param("id"), c.Param("did"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.view(d))
}

func (s *Server) retryDelivery(c echo.Context) error {
	tenantID, err := tenant(c)
	if err != nil {
		return err
	}
	d, err := s.api.RetryDelivery(c.Request().Context(), tenantID, c.Param("id"), c.Param("did"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.view(d))
}

func (s *Server) triggerEvent(c echo.Context) error {
	tenantID, err := tenant(c)
	if err != nil {
		return err
	}
	var req triggerEventRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	fan, err := s.api.TriggerEvent(c.Request().Context(), tenantID, req.EventType, req.Payload)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, fan)
}

func (s *Server) sweep(c echo.Context) error {
	tenantID, err := tenant(c)
	if err != nil {
		return err
	}
	if !s.admins[tenantID] {
		return echo.NewHTTPError(http.StatusForbidden, "sweep requires an admin tenant")
	}
	res, err := s.api.Sweep(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}
