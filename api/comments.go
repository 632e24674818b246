package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"taskboard/domain"
)

type commentRequest struct {
	Message string `json:"message"`
}

// addComment accepts JSON or a multipart form with an optional attachment.
func addComment(comments *domain.CommentService) echo.HandlerFunc {
	return func(c echo.Context) error {
		var (
			message string
			att     *domain.Attachment
		)
		if isMultipart(c) {
			c.Request().Body = http.MaxBytesReader(c.Response(), c.Request().Body, maxUploadBodySize)
			form, err := c.MultipartForm()
			if err != nil {
				markErrorStage(c, "decode")
				return echo.NewHTTPError(http.StatusBadRequest, "invalid form")
			}
			if v := form.Value["message"]; len(v) > 0 {
				message = v[0]
			}
			if files := form.File["attachment"]; len(files) > 0 {
				f, err := files[0].Open()
				if err != nil {
					return err
				}
				defer f.Close()
				att = &domain.Attachment{Filename: files[0].Filename, Content: f}
			}
		} else {
			var req commentRequest
			if err := decodeJSON(c, &req); err != nil {
				return err
			}
			message = req.Message
		}
		comment, err := comments.Add(c.Request().Context(), userIDFrom(c), c.Param("ticketId"), message, att)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusCreated, comment)
	}
}

func listComments(comments *domain.CommentService) echo.HandlerFunc {
	return func(c echo.Context) error {
		list, err := comments.List(c.Request().Context(), userIDFrom(c), c.Param("ticketId"))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, list)
	}
}

func deleteComment(comments *domain.CommentService) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := comments.Delete(c.Request().Context(), userIDFrom(c), c.Param("ticketId"), c.Param("commentId"))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, messageResponse{Message: "Comment deleted"})
	}
}
