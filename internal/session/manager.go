package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/victornm/risingstars/internal/domain"
	"github.com/victornm/risingstars/internal/errors"
	"github.com/victornm/risingstars/internal/gateway"
)

const defaultCountry = "Colombia"

// Gateway is the part of the remote gateway the manager calls.
type Gateway interface {
	SignUp(ctx context.Context, req gateway.SignUpRequest) (*gateway.Profile, error)
	LogIn(ctx context.Context, email, password string) (*gateway.Token, error)
	GetProfile(ctx context.Context) (*gateway.Profile, error)
}

type Config struct {
	Gateway Gateway
	Context *Context
}

// Manager is the only writer of the session Context.
type Manager struct {
	gw       Gateway
	sc       *Context
	validate *validator.Validate
}

func NewManager(c Config) *Manager {
	return &Manager{
		gw:       c.Gateway,
		sc:       c.Context,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

type SignUpRequest struct {
	FirstName       string `json:"first_name" validate:"required"`
	LastName        string `json:"last_name" validate:"required"`
	Email           string `json:"email" validate:"required,email"`
	Password        string `json:"password" validate:"required,min=8"`
	ConfirmPassword string `json:"confirm_password" validate:"required,eqfield=Password"`
	City            string `json:"city" validate:"required"`
	Country         string `json:"country"`
}

// SignUp registers the user, then logs in with the same credentials.
// Invalid input fails with CodeValidation before any request is sent.
func (m *Manager) SignUp(ctx context.Context, req SignUpRequest) (*domain.Session, error) {
	req.FirstName = strings.TrimSpace(req.FirstName)
	req.LastName = strings.TrimSpace(req.LastName)
	req.Email = strings.TrimSpace(req.Email)
	req.City = strings.TrimSpace(req.City)
	req.Country = strings.TrimSpace(req.Country)
	if req.Country == "" {
		req.Country = defaultCountry
	}

	if err := m.validate.StructCtx(ctx, req); err != nil {
		return nil, validationError(err)
	}

	_, err := m.gw.SignUp(ctx, gateway.SignUpRequest{
		FirstName:       req.FirstName,
		LastName:        req.LastName,
		Email:           req.Email,
		Password:        req.Password,
		ConfirmPassword: req.ConfirmPassword,
		City:            req.City,
		Country:         req.Country,
	})
	if err != nil {
		return nil, err
	}

	return m.LogIn(ctx, req.Email, req.Password)
}

// LogIn replaces any active session with a new one.
func (m *Manager) LogIn(ctx context.Context, email, password string) (*domain.Session, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, errors.New(errors.CodeValidation, errors.WithMessagef("email and password are required"))
	}

	tok, err := m.gw.LogIn(ctx, email, password)
	if err != nil {
		return nil, err
	}

	m.sc.end(ctx, "replaced")
	if err := m.sc.begin(ctx, tok.AccessToken); err != nil {
		return nil, errors.Internal(fmt.Errorf("persist token: %w", err))
	}

	return m.loadProfile(ctx)
}

// GetCurrentProfile returns the active session, restoring a persisted token when
// needed. The token is always re-validated against the backend; a rejected token
// ends the session and the caller gets CodeAuth.
func (m *Manager) GetCurrentProfile(ctx context.Context) (*domain.Session, error) {
	tok, err := m.sc.restore(ctx)
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("load persisted token: %w", err))
	}
	if tok == "" {
		return nil, errors.New(errors.CodeAuth, errors.WithMessagef("not authenticated"))
	}

	return m.loadProfile(ctx)
}

// Restore resumes a session persisted by an earlier run. A rejected token
// leaves the session logged out and is not an error; nil is returned when
// there is no session to resume.
func (m *Manager) Restore(ctx context.Context) (*domain.Session, error) {
	s, err := m.GetCurrentProfile(ctx)
	if errors.Is(err, errors.CodeAuth) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return s, nil
}

// LogOut ends the session. It is idempotent.
func (m *Manager) LogOut(ctx context.Context) {
	m.sc.end(ctx, "logout")
}

func (m *Manager) loadProfile(ctx context.Context) (*domain.Session, error) {
	p, err := m.gw.GetProfile(ctx)
	if err != nil {
		// The gateway already revoked on 401; a 403 or an empty token lands here too.
		if errors.Is(err, errors.CodeAuth) {
			m.sc.end(ctx, "rejected")
		}
		return nil, err
	}

	profile := p.ToDomain()
	m.sc.setProfile(ctx, profile)

	return &domain.Session{Profile: profile, Token: m.sc.Token()}, nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) || len(verrs) == 0 {
		return errors.New(errors.CodeValidation, errors.WithCause(err))
	}

	fe := verrs[0]
	var msg string
	switch fe.Tag() {
	case "required":
		msg = fmt.Sprintf("%s is required", fieldName(fe.Field()))
	case "email":
		msg = "email is not valid"
	case "min":
		msg = fmt.Sprintf("%s must be at least %s characters", fieldName(fe.Field()), fe.Param())
	case "eqfield":
		msg = "passwords do not match"
	default:
		msg = fmt.Sprintf("%s is not valid", fieldName(fe.Field()))
	}

	return errors.New(errors.CodeValidation, errors.WithMessagef("%s", msg), errors.WithCause(err))
}

func fieldName(f string) string {
	switch f {
	case "FirstName":
		return "first name"
	case "LastName":
		return "last name"
	case "ConfirmPassword":
		return "password confirmation"
	}
	return strings.ToLower(f)
}
