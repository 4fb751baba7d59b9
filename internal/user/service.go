package user

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"realtime-chat/internal/apperr"
	"realtime-chat/internal/protocol"
	"realtime-chat/internal/session"
)

//go:generate mockgen -destination=mocks/store.go -package=mocks realtime-chat/internal/user Store

const (
	issuer     = "realtime-chat"
	DefaultTTL = 24 * time.Hour
)

// Store is what the service needs from the users table.
type Store interface {
	CreateUser(ctx context.Context, user *User) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	SearchUsers(ctx context.Context, query string) ([]User, error)
}

type Service struct {
	repo      Store
	jwtSecret []byte
	ttl       time.Duration
	hashCost  int
	now       func() time.Time
	log       *zap.Logger
}

type MyJWTClaims struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func NewService(repo Store, secret string, ttl time.Duration, log *zap.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		repo:      repo,
		jwtSecret: []byte(secret),
		ttl:       ttl,
		hashCost:  bcrypt.DefaultCost,
		now:       time.Now,
		log:       log.With(zap.String("component", "user")),
	}
}

// WithHashCost overrides the bcrypt cost, e.g. bcrypt.MinCost for load tests.
func (s *Service) WithHashCost(cost int) *Service {
	s.hashCost = cost
	return s
}

func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	if err := protocol.Validate(req); err != nil {
		return nil, err
	}
	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.hashCost)
	if err != nil {
		return nil, err
	}

	u := &User{
		Username: req.Username,
		Password: string(hashedPwd),
	}
	if _, err := s.repo.CreateUser(ctx, u); err != nil {
		return nil, err
	}

	s.log.Info("user registered", zap.Int64("user_id", u.ID))
	return &RegisterResponse{ID: u.ID, Username: u.Username}, nil
}

func (s *Service) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	if err := protocol.Validate(req); err != nil {
		return nil, err
	}
	u, err := s.repo.GetUserByUsername(ctx, req.Username)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.Authentication("invalid credentials", nil)
	}
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(req.Password)); err != nil {
		return nil, apperr.Authentication("invalid credentials", err)
	}

	ss, err := s.issue(u)
	if err != nil {
		return nil, err
	}
	return &LoginResponse{
		AccessToken: ss,
		ID:          u.ID,
		Username:    u.Username,
	}, nil
}

func (s *Service) issue(u *User) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, MyJWTClaims{
		ID:       u.ID,
		Username: u.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	})
	return token.SignedString(s.jwtSecret)
}

// Verify checks signature, issuer and expiry of tokenString and returns the
// identity it was issued for.
func (s *Service) Verify(tokenString string) (session.Identity, error) {
	claims := &MyJWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !token.Valid {
		return session.Identity{}, apperr.Authentication("invalid token", err)
	}
	if claims.ID <= 0 || claims.Username == "" {
		return session.Identity{}, apperr.Authentication("token has no subject", nil)
	}
	return session.Identity{UserID: claims.ID, Username: claims.Username}, nil
}

func (s *Service) SearchUsers(ctx context.Context, query string) ([]User, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperr.Validation("missing search query")
	}
	return s.repo.SearchUsers(ctx, query)
}
