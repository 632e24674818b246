package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"taskboard/domain"
)

type createTicketRequest struct {
	BoardID     string   `json:"boardId"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Status      string   `json:"status"`
	Priority    string   `json:"priority"`
	Deadline    string   `json:"deadline"`
	AssignedTo  []string `json:"assignedTo"`
}

type updateTicketRequest struct {
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
	Status      *string   `json:"status"`
	Priority    *string   `json:"priority"`
	Deadline    *string   `json:"deadline"`
	AssignedTo  *[]string `json:"assignedTo"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type ticketResponse struct {
	*domain.Ticket
	Notifications domain.FanOutSummary `json:"notifications"`
}

func createTicket(tickets *domain.TicketService) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req createTicketRequest
		if err := decodeJSON(c, &req); err != nil {
			return err
		}
		t, summary, err := tickets.Create(c.Request().Context(), userIDFrom(c), domain.CreateTicketInput{
			BoardID:        req.BoardID,
			Title:          req.Title,
			Description:    req.Description,
			Status:         req.Status,
			Priority:       req.Priority,
			Deadline:       req.Deadline,
			AssigneeEmails: req.AssignedTo,
		})
		if err != nil {
			return err
		}
		return c.JSON(http.StatusCreated, ticketResponse{Ticket: t, Notifications: summary})
	}
}

func getTicket(tickets *domain.TicketService) echo.HandlerFunc {
	return func(c echo.Context) error {
		t, err := tickets.Get(c.Request().Context(), userIDFrom(c), c.Param("ticketId"))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, t)
	}
}

func listTickets(tickets *domain.TicketService) echo.HandlerFunc {
	return func(c echo.Context) error {
		list, err := tickets.ListForBoard(c.Request().Context(), userIDFrom(c), c.Param("boardId"))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, list)
	}
}

func listMyTickets(tickets *domain.TicketService) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		var (
			list []domain.Ticket
			err  error
		)
		if boardID := c.Param("boardId"); boardID != "" {
			list, err = tickets.ListMineForBoard(ctx, userIDFrom(c), boardID)
		} else {
			list, err = tickets.ListMine(ctx, userIDFrom(c))
		}
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, list)
	}
}

func updateTicket(tickets *domain.TicketService) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req updateTicketRequest
		if err := decodeJSON(c, &req); err != nil {
			return err
		}
		t, summary, err := tickets.Update(c.Request().Context(), userIDFrom(c), c.Param("ticketId"), domain.UpdateTicketInput{
			Title:          req.Title,
			Description:    req.Description,
			Status:         req.Status,
			Priority:       req.Priority,
			Deadline:       req.Deadline,
			AssigneeEmails: req.AssignedTo,
		})
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, ticketResponse{Ticket: t, Notifications: summary})
	}
}

func deleteTicket(tickets *domain.TicketService) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := tickets.Delete(c.Request().Context(), userIDFrom(c), c.Param("ticketId")); err != nil {
			return err
		}
		return c.JSON(http.StatusOK, messageResponse{Message: "Ticket deleted"})
	}
}

func assignTicket(tickets *domain.TicketService) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req emailRequest
		if err := decodeJSON(c, &req); err != nil {
			return err
		}
		t, err := tickets.Assign(c.Request().Context(), userIDFrom(c), c.Param("ticketId"), req.Email)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, t)
	}
}

func unassignTicket(tickets *domain.TicketService) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req emailRequest
		if err := decodeJSON(c, &req); err != nil {
			return err
		}
		t, err := tickets.Unassign(c.Request().Context(), userIDFrom(c), c.Param("ticketId"), req.Email)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, t)
	}
}

func listAssignees(tickets *domain.TicketService) echo.HandlerFunc {
	return func(c echo.Context) error {
		list, err := tickets.Assignees(c.Request().Context(), userIDFrom(c), c.Param("ticketId"))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, list)
	}
}
