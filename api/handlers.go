package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"taskboard/uploads"
)

const healthTimeout = 3 * time.Second

// HealthFunc adapts a function to HealthChecker.
type HealthFunc func(ctx context.Context) error

func (f HealthFunc) Ping(ctx context.Context) error { return f(ctx) }

// Config carries the collaborators of the HTTP surface besides the domain
// services. Deduper, Uploads and Realtime are optional.
type Config struct {
	Auth     *Auth
	Deduper  Deduper
	Uploads  *uploads.Disk
	Realtime echo.HandlerFunc
	Health   map[string]HealthChecker
	Logger   *log.Logger
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, svc Services, cfg Config) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	authed := RequireAuth(cfg.Auth)
	idem := Idempotent(cfg.Deduper, logger)

	e.GET("/health", healthz(cfg.Health))
	if cfg.Realtime != nil {
		e.GET("/ws", cfg.Realtime)
	}
	if cfg.Uploads != nil {
		e.Static("/Uploads/comments", cfg.Uploads.CommentsRoot())
		e.Static("/profilePictures", cfg.Uploads.ProfilePicturesRoot())
		e.GET("/download/comment/:filename", downloadAttachment(cfg.Uploads))
	}

	g := e.Group("/api/auth")

	g.POST("/register", register(svc.Accounts, cfg.Auth))
	g.POST("/login", login(svc.Accounts, cfg.Auth))
	g.GET("/user-profile", getProfile(svc.Accounts), authed)
	g.PUT("/user-profile", updateProfile(svc.Accounts), authed)
	g.PUT("/update-profile", updateProfile(svc.Accounts), authed)
	g.DELETE("/delete-user", deleteAccount(svc.Accounts), authed)
	g.GET("/user/:userID/basic-info", getBasicInfo(svc.Accounts), authed)

	g.POST("/create-ticket", createTicket(svc.Tickets), authed, idem)
	g.GET("/my-tickets", listMyTickets(svc.Tickets), authed)
	g.GET("/my-tickets/:boardId", listMyTickets(svc.Tickets), authed)
	g.GET("/tickets/:boardId", listTickets(svc.Tickets), authed)
	g.GET("/ticket/:ticketId", getTicket(svc.Tickets), authed)
	g.PUT("/tickets/:ticketId", updateTicket(svc.Tickets), authed)
	g.DELETE("/delete-ticket/:ticketId", deleteTicket(svc.Tickets), authed)
	g.PUT("/tickets/:ticketId/assign", assignTicket(svc.Tickets), authed)
	g.PUT("/tickets/:ticketId/remove", unassignTicket(svc.Tickets), authed)
	g.GET("/tickets/:ticketId/assignees", listAssignees(svc.Tickets), authed)

	g.POST("/tickets/:ticketId/comments", addComment(svc.Comments), authed, idem)
	g.GET("/tickets/:ticketId/comments", listComments(svc.Comments), authed)
	g.DELETE("/tickets/:ticketId/comments/:commentId", deleteComment(svc.Comments), authed)

	g.POST("/create-board", createBoard(svc.Boards), authed, idem)
	g.GET("/users/:email/boards", listBoards(svc.Boards), authed)
	g.DELETE("/delete-board/:boardId", deleteBoard(svc.Boards), authed)

	g.GET("/notifications/:userId", listNotifications(svc.Notifications), authed)
	g.POST("/notifications/create", createNotification(svc.Notifications), authed, idem)
	g.PATCH("/:notificationId/mark-read", markNotificationRead(svc.Notifications), authed)
	g.DELETE("/:notificationId", deleteNotification(svc.Notifications), authed)

	g.POST("/ai-helper/:boardId", generateTickets(svc.Assistant), authed, idem)
	g.GET("/ai-standup/:boardId", standup(svc.Assistant), authed)

	g.GET("/:boardId", getBoard(svc.Boards), authed)
	g.PUT("/:boardId", updateBoard(svc.Boards), authed)
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func healthz(checks map[string]HealthChecker) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
		defer cancel()

		var (
			mu   sync.Mutex
			g    errgroup.Group
			errs = make(map[string]error, len(checks))
		)
		for name, check := range checks {
			g.Go(func() error {
				err := check.Ping(ctx)
				mu.Lock()
				errs[name] = err
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		results := make(map[string]string, len(checks))
		resp := healthResponse{Status: "ok", Checks: results}
		status := http.StatusOK
		for name, err := range errs {
			if err != nil {
				results[name] = err.Error()
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}
		return c.JSON(status, resp)
	}
}

func downloadAttachment(files Attachments) echo.HandlerFunc {
	return func(c echo.Context) error {
		name := c.Param("filename")
		path, err := files.CommentAttachment(name)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid file name")
		}
		return c.Attachment(path, uploads.OriginalName(name))
	}
}
