package domain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

const (
	minPasswordLength = 6
	defaultTheme      = "light"
)

// ProfileImageStore saves uploaded profile pictures and returns their public path.
type ProfileImageStore interface {
	SaveProfileImage(filename string, r io.Reader) (string, error)
	RemoveProfileImage(path string) error
}

// RegisterInput carries the registration form.
type RegisterInput struct {
	Name        string
	Surname     string
	Email       string
	Password    string
	Profession  string
	DateOfBirth string
}

// UpdateProfileInput is a partial profile update.
type UpdateProfileInput struct {
	Name          *string
	Surname       *string
	Profession    *string
	DateOfBirth   *string
	Theme         *string
	Notifications *bool
	ProfileImage  *Attachment
}

// AccountService implements registration, login and profile management.
type AccountService struct {
	store  AccountStore
	queue  CleanupQueue
	images ProfileImageStore
	cost   int
	now    func() time.Time
}

// NewAccountService creates the service. cost is the bcrypt cost; zero selects
// bcrypt.DefaultCost. queue and images may be nil.
func NewAccountService(store AccountStore, queue CleanupQueue, images ProfileImageStore, cost int) *AccountService {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &AccountService{store: store, queue: queue, images: images, cost: cost, now: time.Now}
}

// Register validates the form and creates an account.
func (s *AccountService) Register(ctx context.Context, in RegisterInput) (*Account, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}
	email, err := validEmail(in.Email)
	if err != nil {
		return nil, err
	}
	if len(in.Password) < minPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrValidation, minPasswordLength)
	}
	profession, err := ParseProfession(in.Profession)
	if err != nil {
		return nil, err
	}
	dob, err := parseDateOfBirth(in.DateOfBirth, s.now())
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := s.now().UTC()
	acc := &Account{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		Name:         name,
		Surname:      strings.TrimSpace(in.Surname),
		Profession:   profession,
		DateOfBirth:  dob,
		Settings:     Settings{Theme: defaultTheme, Notifications: true},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateAccount(ctx, acc); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("%w: email %s is already registered", ErrConflict, email)
		}
		return nil, err
	}
	log.WithField("account", acc.ID).Info("account registered")
	return acc, nil
}

// Authenticate checks credentials. Any mismatch yields ErrUnauthorized.
func (s *AccountService) Authenticate(ctx context.Context, email, password string) (*Account, error) {
	acc, err := s.store.GetAccountByEmail(ctx, NormalizeEmail(email))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return acc, nil
}

func (s *AccountService) Get(ctx context.Context, id string) (*Account, error) {
	return s.store.GetAccount(ctx, id)
}

// BasicInfo returns the public profile of an account.
func (s *AccountService) BasicInfo(ctx context.Context, id string) (AccountInfo, error) {
	acc, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return AccountInfo{}, err
	}
	return acc.Info(), nil
}

// UpdateProfile applies a partial profile update.
func (s *AccountService) UpdateProfile(ctx context.Context, id string, in UpdateProfileInput) (*Account, error) {
	acc, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name is required", ErrValidation)
		}
		acc.Name = name
	}
	if in.Surname != nil {
		acc.Surname = strings.TrimSpace(*in.Surname)
	}
	if in.Profession != nil {
		p, err := ParseProfession(*in.Profession)
		if err != nil {
			return nil, err
		}
		acc.Profession = p
	}
	if in.DateOfBirth != nil {
		dob, err := parseDateOfBirth(*in.DateOfBirth, s.now())
		if err != nil {
			return nil, err
		}
		acc.DateOfBirth = dob
	}
	if in.Theme != nil {
		theme := strings.TrimSpace(*in.Theme)
		if theme == "" {
			theme = defaultTheme
		}
		acc.Settings.Theme = theme
	}
	if in.Notifications != nil {
		acc.Settings.Notifications = *in.Notifications
	}
	previous := acc.ProfileImage
	if in.ProfileImage != nil {
		if s.images == nil {
			return nil, fmt.Errorf("%w: profile images are not accepted", ErrValidation)
		}
		path, err := s.images.SaveProfileImage(in.ProfileImage.Filename, in.ProfileImage.Content)
		if err != nil {
			return nil, fmt.Errorf("save profile image: %w", err)
		}
		acc.ProfileImage = path
	}
	acc.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateAccount(ctx, acc); err != nil {
		return nil, err
	}
	if previous != "" && previous != acc.ProfileImage {
		s.removeImage(previous)
	}
	return acc, nil
}

// Delete removes the account and schedules cleanup of everything that
// references it. A failed enqueue is logged and does not fail the request.
func (s *AccountService) Delete(ctx context.Context, id string) error {
	acc, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteAccount(ctx, acc); err != nil {
		return err
	}
	s.removeImage(acc.ProfileImage)
	entry := log.WithField("account", id)
	if s.queue == nil {
		entry.Warn("account deleted without cleanup queue")
		return nil
	}
	if err := s.queue.EnqueueAccountCleanup(ctx, id); err != nil {
		entry.WithError(err).Error("failed to enqueue account cleanup")
		return nil
	}
	entry.Info("account deleted")
	return nil
}

func (s *AccountService) removeImage(path string) {
	if path == "" || s.images == nil {
		return
	}
	if err := s.images.RemoveProfileImage(path); err != nil {
		log.WithField("image", path).WithError(err).Warn("failed to remove profile image")
	}
}

// parseDateOfBirth reads a calendar date. Full timestamps are cut to their
// UTC date. An empty value clears the date.
func parseDateOfBirth(raw string, now time.Time) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	d, err := time.Parse(deadlineDateLayout, raw)
	if err != nil {
		ts, terr := time.Parse(time.RFC3339, raw)
		if terr != nil {
			return nil, fmt.Errorf("%w: invalid date of birth %q", ErrValidation, raw)
		}
		ts = ts.UTC()
		d = time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	}
	if d.After(now) {
		return nil, fmt.Errorf("%w: date of birth is in the future", ErrValidation)
	}
	return &d, nil
}

func validEmail(raw string) (string, error) {
	email := NormalizeEmail(raw)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@")+1:], ".") {
		return "", fmt.Errorf("%w: invalid email %q", ErrValidation, raw)
	}
	return email, nil
}
