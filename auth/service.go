package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("auth: password must be at least 8 characters")
	// ErrInvalidRegistration signals missing fields or a forbidden capability.
	ErrInvalidRegistration = errors.New("auth: invalid registration")
)

// Service handles authentication business logic.
type Service struct {
	repo            Repository
	jwtSecret       []byte
	tokenTTL        time.Duration
	bootstrapAdmins map[string]struct{}
	now             func() time.Time
}

// LoginResult bundles the token and domain user returned after a successful login.
type LoginResult struct {
	Token string
	User  User
}

type Option func(*Service)

// WithTokenTTL overrides the 24h token lifetime.
func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.tokenTTL = ttl
		}
	}
}

// WithBootstrapAdmins grants admin and arbitrator capabilities to the listed
// emails when they register.
func WithBootstrapAdmins(emails []string) Option {
	return func(s *Service) {
		for _, e := range emails {
			if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
				s.bootstrapAdmins[e] = struct{}{}
			}
		}
	}
}

// NewService creates a new authentication service.
func NewService(repo Repository, jwtSecret string, opts ...Option) *Service {
	s := &Service{
		repo:            repo,
		jwtSecret:       []byte(jwtSecret),
		tokenTTL:        24 * time.Hour,
		bootstrapAdmins: make(map[string]struct{}),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates a new user account. Self-registration may only request
// funder and lab capabilities; a lab registration gets a fresh lab id.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}
	if req.Email == "" || req.FullName == "" {
		return nil, fmt.Errorf("%w: email and full_name are required", ErrInvalidRegistration)
	}

	caps := slices.Clone(req.Capabilities)
	if len(caps) == 0 {
		caps = []Capability{CapFunder}
	}
	for _, c := range caps {
		if c != CapFunder && c != CapLab {
			return nil, fmt.Errorf("%w: capability %q cannot be self-assigned", ErrInvalidRegistration, c)
		}
	}
	if _, ok := s.bootstrapAdmins[strings.ToLower(req.Email)]; ok {
		caps = append(caps, CapAdmin, CapArbitrator)
	}
	slices.Sort(caps)
	caps = slices.Compact(caps)

	var labID *string
	if slices.Contains(caps, CapLab) {
		id := uuid.NewString()
		labID = &id
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	user, err := s.repo.CreateUser(ctx, CreateUserParams{
		Email:        req.Email,
		FullName:     req.FullName,
		PasswordHash: string(passwordHash),
		LabID:        labID,
		Capabilities: caps,
	})
	if err != nil {
		return nil, err
	}

	return &user, nil
}

// Login authenticates a user and returns a JWT token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	user, err := s.repo.GetUserByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := s.IssueToken(PrincipalFor(user))
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}

	return LoginResult{
		Token: token,
		User:  user,
	}, nil
}

// GetUserByID retrieves user information by ID.
func (s *Service) GetUserByID(ctx context.Context, userID string) (*User, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// VerifyToken validates a JWT token and returns the principal it carries.
func (s *Service) VerifyToken(tokenString string) (Principal, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return Principal{}, fmt.Errorf("auth: parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Principal{}, fmt.Errorf("auth: invalid token")
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return Principal{}, fmt.Errorf("auth: invalid user_id in token")
	}
	rawCaps, ok := claims["caps"].([]interface{})
	if !ok {
		return Principal{}, fmt.Errorf("auth: invalid caps in token")
	}
	p := Principal{UserID: userID}
	for _, rc := range rawCaps {
		c, ok := rc.(string)
		if !ok || !isKnownCapability(Capability(c)) || Capability(c) == CapSystem {
			return Principal{}, fmt.Errorf("auth: invalid capability %v in token", rc)
		}
		p.Capabilities = append(p.Capabilities, Capability(c))
	}
	if labID, ok := claims["lab_id"].(string); ok {
		p.LabID = labID
	}
	return p, nil
}

// IssueToken signs an HS256 token for p.
func (s *Service) IssueToken(p Principal) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"user_id": p.UserID,
		"caps":    capStrings(p.Capabilities),
		"exp":     now.Add(s.tokenTTL).Unix(),
		"iat":     now.Unix(),
	}
	if p.LabID != "" {
		claims["lab_id"] = p.LabID
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func isKnownCapability(c Capability) bool {
	switch c {
	case CapFunder, CapLab, CapAdmin, CapArbitrator, CapSystem:
		return true
	default:
		return false
	}
}
