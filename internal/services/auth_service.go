package services

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// ErrUnauthorized is returned for a bad API token or event ticket.
var ErrUnauthorized = errors.New("unauthorized")

const (
	ticketIssuer   = "netgate"
	ticketAudience = "events"
	// TicketTTL is how long an event stream ticket may be redeemed.
	TicketTTL = 60 * time.Second
)

// AuthService guards the control API with an optional bearer token and
// issues short-lived tickets for event stream clients that cannot send
// headers.
type AuthService struct {
	tokenHash []byte
	secret    []byte
}

// NewAuthService creates the service. An empty tokenHash disables token
// checks. Ticket signing keys are random per process.
func NewAuthService(tokenHash string) (*AuthService, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate ticket key: %w", err)
	}
	if tokenHash != "" {
		if _, err := bcrypt.Cost([]byte(tokenHash)); err != nil {
			return nil, fmt.Errorf("api_token_hash is not a bcrypt hash: %w", err)
		}
	}
	return &AuthService{tokenHash: []byte(tokenHash), secret: secret}, nil
}

// HashToken returns the bcrypt hash to configure as api_token_hash.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Enabled reports whether requests must carry a token.
func (s *AuthService) Enabled() bool { return len(s.tokenHash) > 0 }

// VerifyToken checks a bearer token against the configured hash.
func (s *AuthService) VerifyToken(token string) error {
	if !s.Enabled() {
		return nil
	}
	if token == "" || bcrypt.CompareHashAndPassword(s.tokenHash, []byte(token)) != nil {
		return ErrUnauthorized
	}
	return nil
}

// IssueTicket signs an event stream ticket.
func (s *AuthService) IssueTicket(subject string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(TicketTTL)
	claims := jwt.RegisteredClaims{
		Issuer:    ticketIssuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{ticketAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign ticket: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateTicket checks a ticket's signature, audience and expiry.
func (s *AuthService) ValidateTicket(ticket string) error {
	_, err := jwt.ParseWithClaims(ticket, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(ticketIssuer),
		jwt.WithAudience(ticketAudience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return nil
}
