package api

import (
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
)

const (
	maxJSONBodySize   = 1 << 20
	maxUploadBodySize = 10 << 20
)

// decodeJSON reads a bounded JSON body into v. An empty body leaves v as is.
func decodeJSON(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, maxJSONBodySize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return nil
		}
		markErrorStage(c, "decode")
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
