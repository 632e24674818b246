package api

import (
	"compress/gzip"
	"errors"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/labstack/echo/v4"
)

const userIDKey = "userID"

// errInflatedTooLarge is returned by a request body that inflates past its limit.
var errInflatedTooLarge = echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large once decompressed")

// InflateRequests serves gzip-encoded request bodies to handlers as plain
// payloads. Reads fail with 413 once more than limit bytes have been
// inflated; limit <= 0 selects the upload limit.
func InflateRequests(limit int64) echo.MiddlewareFunc {
	if limit <= 0 {
		limit = maxUploadBodySize
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			encodings := strings.Split(req.Header.Get(echo.HeaderContentEncoding), ",")
			if !slices.ContainsFunc(encodings, isGzipToken) {
				return next(c)
			}
			zr, err := gzip.NewReader(req.Body)
			if err != nil {
				markErrorStage(c, "decode")
				return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
			}
			req.Body = &inflatedBody{zr: zr, raw: req.Body, left: limit}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)
			return next(c)
		}
	}
}

func isGzipToken(enc string) bool {
	enc = strings.TrimSpace(enc)
	return strings.EqualFold(enc, "gzip") || strings.EqualFold(enc, "x-gzip")
}

type inflatedBody struct {
	zr   *gzip.Reader
	raw  io.ReadCloser
	left int64
}

func (b *inflatedBody) Read(p []byte) (int, error) {
	if b.left <= 0 {
		var extra [1]byte
		if n, err := b.zr.Read(extra[:]); n > 0 {
			return 0, errInflatedTooLarge
		} else if err != nil {
			return 0, err
		}
		return 0, nil
	}
	if int64(len(p)) > b.left {
		p = p[:b.left]
	}
	n, err := b.zr.Read(p)
	b.left -= int64(n)
	return n, err
}

func (b *inflatedBody) Close() error {
	return errors.Join(b.zr.Close(), b.raw.Close())
}

// RequireAuth rejects requests without a valid bearer token and stores the
// account id on the context.
func RequireAuth(auth Authenticator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
			if err != nil {
				markErrorStage(c, "auth")
				return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized")
			}
			c.Set(userIDKey, userID)
			return next(c)
		}
	}
}

func userIDFrom(c echo.Context) string {
	id, _ := c.Get(userIDKey).(string)
	return id
}
