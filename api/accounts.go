package api

import (
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"taskboard/domain"
)

type registerRequest struct {
	Name         string `json:"name"`
	Surname      string `json:"surname"`
	Email        string `json:"email"`
	Password     string `json:"password"`
	PasswordHash string `json:"passwordHash"`
	Profession   string `json:"profession"`
	DateOfBirth  string `json:"dateOfBirth"`
}

type loginRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	PasswordHash string `json:"passwordHash"`
}

type authResponse struct {
	Success bool            `json:"success"`
	Token   string          `json:"token"`
	User    *domain.Account `json:"user"`
}

type profileRequest struct {
	Name          *string `json:"name"`
	Surname       *string `json:"surname"`
	Profession    *string `json:"profession"`
	DateOfBirth   *string `json:"dateOfBirth"`
	Theme         *string `json:"theme"`
	Notifications *bool   `json:"notifications"`
	Settings      *struct {
		Theme         *string `json:"theme"`
		Notifications *bool   `json:"notifications"`
	} `json:"settings"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func register(accounts *domain.AccountService, tokens TokenIssuer) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req registerRequest
		if err := decodeJSON(c, &req); err != nil {
			return err
		}
		acc, err := accounts.Register(c.Request().Context(), domain.RegisterInput{
			Name:        req.Name,
			Surname:     req.Surname,
			Email:       req.Email,
			Password:    firstNonEmpty(req.Password, req.PasswordHash),
			Profession:  req.Profession,
			DateOfBirth: req.DateOfBirth,
		})
		if err != nil {
			return err
		}
		token, err := tokens.Issue(acc.ID)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusCreated, authResponse{Success: true, Token: token, User: acc})
	}
}

func login(accounts *domain.AccountService, tokens TokenIssuer) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req loginRequest
		if err := decodeJSON(c, &req); err != nil {
			return err
		}
		acc, err := accounts.Authenticate(c.Request().Context(), req.Email, firstNonEmpty(req.Password, req.PasswordHash))
		if err != nil {
			markErrorStage(c, "auth")
			return err
		}
		token, err := tokens.Issue(acc.ID)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, authResponse{Success: true, Token: token, User: acc})
	}
}

func getProfile(accounts *domain.AccountService) echo.HandlerFunc {
	return func(c echo.Context) error {
		acc, err := accounts.Get(c.Request().Context(), userIDFrom(c))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, acc)
	}
}

// updateProfile accepts either JSON or a multipart form carrying an optional
// profileImage file.
func updateProfile(accounts *domain.AccountService) echo.HandlerFunc {
	return func(c echo.Context) error {
		var in domain.UpdateProfileInput
		if isMultipart(c) {
			c.Request().Body = http.MaxBytesReader(c.Response(), c.Request().Body, maxUploadBodySize)
			form, err := c.MultipartForm()
			if err != nil {
				markErrorStage(c, "decode")
				return echo.NewHTTPError(http.StatusBadRequest, "invalid form")
			}
			in = profileFromForm(form)
			if files := form.File["profileImage"]; len(files) > 0 {
				f, err := files[0].Open()
				if err != nil {
					return err
				}
				defer f.Close()
				in.ProfileImage = &domain.Attachment{Filename: files[0].Filename, Content: f}
			}
		} else {
			var req profileRequest
			if err := decodeJSON(c, &req); err != nil {
				return err
			}
			in = domain.UpdateProfileInput{
				Name:          req.Name,
				Surname:       req.Surname,
				Profession:    req.Profession,
				DateOfBirth:   req.DateOfBirth,
				Theme:         req.Theme,
				Notifications: req.Notifications,
			}
			if req.Settings != nil {
				if req.Settings.Theme != nil {
					in.Theme = req.Settings.Theme
				}
				if req.Settings.Notifications != nil {
					in.Notifications = req.Settings.Notifications
				}
			}
		}
		acc, err := accounts.UpdateProfile(c.Request().Context(), userIDFrom(c), in)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, acc)
	}
}

func profileFromForm(form *multipart.Form) domain.UpdateProfileInput {
	value := func(key string) *string {
		if v, ok := form.Value[key]; ok && len(v) > 0 {
			return &v[0]
		}
		return nil
	}
	in := domain.UpdateProfileInput{
		Name:        value("name"),
		Surname:     value("surname"),
		Profession:  value("profession"),
		DateOfBirth: value("dateOfBirth"),
		Theme:       firstPtr(value("theme"), value("settings[theme]")),
	}
	if raw := firstPtr(value("notifications"), value("settings[notifications]")); raw != nil {
		if b, err := strconv.ParseBool(*raw); err == nil {
			in.Notifications = &b
		}
	}
	return in
}

func firstPtr(values ...*string) *string {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func deleteAccount(accounts *domain.AccountService) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := accounts.Delete(c.Request().Context(), userIDFrom(c)); err != nil {
			return err
		}
		return c.JSON(http.StatusOK, messageResponse{Message: "Account deleted"})
	}
}

func getBasicInfo(accounts *domain.AccountService) echo.HandlerFunc {
	return func(c echo.Context) error {
		info, err := accounts.BasicInfo(c.Request().Context(), c.Param("userID"))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, info)
	}
}

func isMultipart(c echo.Context) bool {
	return strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm)
}
