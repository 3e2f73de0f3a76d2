package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rotisserie/eris"
)

var (
	ErrMissingTicket = eris.New("missing ticket")
	ErrInvalidTicket = eris.New("invalid ticket")
)

// TicketIssuer is the iss claim on tickets minted by Issue.
const TicketIssuer = "paddle-arena"

// TicketClaims is the signed payload of a participant ticket. The subject is
// the participant id. A non-zero SessionID pins the ticket to one match.
type TicketClaims struct {
	SessionID int64 `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// TicketVerifier checks HS256 participant tickets issued by the platform.
type TicketVerifier struct {
	secret []byte
}

// NewTicketVerifier returns nil for an empty secret; a nil verifier trusts
// whatever participant ids clients send.
func NewTicketVerifier(secret string) *TicketVerifier {
	if secret == "" {
		return nil
	}
	return &TicketVerifier{secret: []byte(secret)}
}

// Issue signs a ticket for participantID valid for ttl.
func (v *TicketVerifier) Issue(participantID string, sessionID int64, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := TicketClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    TicketIssuer,
			Subject:   participantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", eris.Wrap(err, "sign ticket")
	}
	return signed, nil
}

// Verify parses and validates a ticket string.
func (v *TicketVerifier) Verify(ticket string) (TicketClaims, error) {
	if ticket == "" {
		return TicketClaims{}, ErrMissingTicket
	}

	claims := &TicketClaims{}
	token, err := jwt.ParseWithClaims(ticket, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return TicketClaims{}, eris.Wrap(ErrInvalidTicket, errString(err))
	}
	if claims.Subject == "" {
		return TicketClaims{}, eris.Wrap(ErrInvalidTicket, "ticket has no subject")
	}
	return *claims, nil
}

// Authenticate extracts and verifies the request's ticket. A nil verifier
// returns empty claims and no error.
func (v *TicketVerifier) Authenticate(r *http.Request) (TicketClaims, error) {
	if v == nil {
		return TicketClaims{}, nil
	}
	return v.Verify(ticketFromRequest(r))
}

// ticketFromRequest reads the bearer token, falling back to the ticket query
// parameter since browsers cannot set headers on websocket upgrades.
func ticketFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("ticket")
}

func errString(err error) string {
	if err == nil {
		return "token not valid"
	}
	return err.Error()
}
