package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"taskboard/domain"
)

type createBoardRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Members     []string `json:"members"`
}

type updateBoardRequest struct {
	Name          *string  `json:"name"`
	Description   *string  `json:"description"`
	Members       []string `json:"members"`
	AddMembers    []string `json:"addMembers"`
	RemoveMembers []string `json:"removeMembers"`
}

// boardResponse is a board plus the outcome of notifying its participants.
type boardResponse struct {
	*domain.Board
	Notifications domain.FanOutSummary `json:"notifications"`
}

func createBoard(boards *domain.BoardService) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req createBoardRequest
		if err := decodeJSON(c, &req); err != nil {
			return err
		}
		b, summary, err := boards.Create(c.Request().Context(), userIDFrom(c), domain.CreateBoardInput{
			Name:         req.Name,
			Description:  req.Description,
			MemberEmails: req.Members,
		})
		if err != nil {
			return err
		}
		return c.JSON(http.StatusCreated, boardResponse{Board: b, Notifications: summary})
	}
}

func getBoard(boards *domain.BoardService) echo.HandlerFunc {
	return func(c echo.Context) error {
		b, err := boards.Get(c.Request().Context(), userIDFrom(c), c.Param("boardId"))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, b)
	}
}

func updateBoard(boards *domain.BoardService) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req updateBoardRequest
		if err := decodeJSON(c, &req); err != nil {
			return err
		}
		b, summary, err := boards.Update(c.Request().Context(), userIDFrom(c), c.Param("boardId"), domain.UpdateBoardInput{
			Name:          req.Name,
			Description:   req.Description,
			AddMembers:    append(req.AddMembers, req.Members...),
			RemoveMembers: req.RemoveMembers,
		})
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, boardResponse{Board: b, Notifications: summary})
	}
}

func deleteBoard(boards *domain.BoardService) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := boards.Delete(c.Request().Context(), userIDFrom(c), c.Param("boardId")); err != nil {
			return err
		}
		return c.JSON(http.StatusOK, messageResponse{Message: "Board deleted"})
	}
}

func listBoards(boards *domain.BoardService) echo.HandlerFunc {
	return func(c echo.Context) error {
		list, err := boards.ListForUser(c.Request().Context(), userIDFrom(c), c.Param("email"))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, list)
	}
}
