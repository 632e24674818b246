package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"taskboard/domain"
)

type generateRequest struct {
	Prompt string `json:"prompt"`
}

type standupResponse struct {
	Standup string `json:"standup"`
}

func generateTickets(assistant *domain.Assistant) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req generateRequest
		if err := decodeJSON(c, &req); err != nil {
			return err
		}
		res, err := assistant.GenerateTickets(c.Request().Context(), userIDFrom(c), c.Param("boardId"), req.Prompt)
		if err != nil {
			markErrorStage(c, "assistant")
			return err
		}
		return c.JSON(http.StatusCreated, res)
	}
}

func standup(assistant *domain.Assistant) echo.HandlerFunc {
	return func(c echo.Context) error {
		text, err := assistant.Standup(c.Request().Context(), userIDFrom(c), c.Param("boardId"))
		if err != nil {
			markErrorStage(c, "assistant")
			return err
		}
		return c.JSON(http.StatusOK, standupResponse{Standup: text})
	}
}
