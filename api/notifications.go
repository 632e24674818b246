package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"taskboard/domain"
)

type createNotificationRequest struct {
	UserID      string `json:"userId"`
	Type        string `json:"type"`
	Message     string `json:"message"`
	ReferenceID string `json:"referenceId"`
}

func listNotifications(notifier *domain.Notifier) echo.HandlerFunc {
	return func(c echo.Context) error {
		list, err := notifier.List(c.Request().Context(), userIDFrom(c), c.Param("userId"))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, list)
	}
}

// createNotification fails the request when the notification cannot be
// stored or pushed.
func createNotification(notifier *domain.Notifier) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req createNotificationRequest
		if err := decodeJSON(c, &req); err != nil {
			return err
		}
		n, err := notifier.Create(c.Request().Context(), req.UserID, req.Type, req.Message, req.ReferenceID)
		if err != nil {
			markErrorStage(c, "notify")
			return err
		}
		return c.JSON(http.StatusCreated, n)
	}
}

func markNotificationRead(notifier *domain.Notifier) echo.HandlerFunc {
	return func(c echo.Context) error {
		n, err := notifier.MarkRead(c.Request().Context(), userIDFrom(c), c.Param("notificationId"))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, n)
	}
}

func deleteNotification(notifier *domain.Notifier) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := notifier.Delete(c.Request().Context(), userIDFrom(c), c.Param("notificationId")); err != nil {
			return err
		}
		return c.JSON(http.StatusOK, messageResponse{Message: "Notification deleted"})
	}
}
