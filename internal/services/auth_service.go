package services

import (
	"context"
	cryptorand "crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/crypto/argon2"

	"github.com/bankstack/backend/internal/config"
	"github.com/bankstack/backend/internal/ledger"
	"github.com/bankstack/backend/internal/models"
	"github.com/bankstack/backend/internal/token"
)

// Authentication failures. The HTTP layer collapses all of them into one
// generic response so a caller cannot probe which check failed.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrPrincipalDisabled  = errors.New("principal is disabled")
)

// AuthService owns the credential store and issues session tokens. It
// never persists or logs a plaintext credential, and it answers with the
// same timing and error shape whether the identifier is unknown or the
// credential is wrong.
type AuthService struct {
	db        *sql.DB
	redis     *redis.Client
	codec     *token.Codec
	ledger    ledger.Store
	cfg       *config.Config
	validator *ValidationHelper
	dummyHash string
}

// LoginRequest represents the login request payload
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

// RegisterRequest represents the registration request payload
type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

// AuthResponse represents the authentication response
type AuthResponse struct {
	Token     string            `json:"token"`
	Principal PrincipalResponse `json:"principal"`
	AccountID string            `json:"account_id,omitempty"`
}

// PrincipalResponse is the public view of a principal.
type PrincipalResponse struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
}

func NewAuthService(db *sql.DB, redisClient *redis.Client, codec *token.Codec, ledgerStore ledger.Store, cfg *config.Config) *AuthService {
	s := &AuthService{
		db:        db,
		redis:     redisClient,
		codec:     codec,
		ledger:    ledgerStore,
		cfg:       cfg,
		validator: NewValidationHelper(),
	}
	// Verified against when the identifier is unknown, so the unknown-user
	// path costs the same as the wrong-password path.
	s.dummyHash, _ = s.hashCredential("decoy-credential-for-timing")
	return s
}

// Register handles principal registration and opens a seeded default
// account for the new principal.
func (s *AuthService) Register(w http.ResponseWriter, r *http.Request) {
	log.Printf("[AUTH] Registration attempt from IP: %s", r.RemoteAddr)

	req, ok := decodeJSON[RegisterRequest](w, r, s.validator)
	if !ok {
		return
	}

	hashedCredential, err := s.hashCredential(req.Password)
	if err != nil {
		log.Printf("[AUTH] Credential hashing failed: %v", err)
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}

	var principalID int64
	err = s.db.QueryRowContext(r.Context(),
		`INSERT INTO principals (email, credential_hash, status, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW()) RETURNING id`,
		strings.ToLower(req.Email), hashedCredential, models.PrincipalStatusActive).Scan(&principalID)
	if err != nil {
		log.Printf("[AUTH] Principal creation failed for %s: %v", req.Email, err)
		SendErrorResponse(w, "Email Already Exists", http.StatusConflict, nil)
		return
	}

	account, err := s.ledger.OpenAccount(r.Context(), principalID,
		s.cfg.DefaultCurrency, models.AccountTypeChecking, s.cfg.OpeningBalance)
	if err != nil {
		log.Printf("[AUTH] Default account creation failed for principal %d: %v", principalID, err)
		// Roll the registration back so a retry starts clean instead of
		// stranding a principal with no account.
		if _, derr := s.db.ExecContext(r.Context(),
			`DELETE FROM principals WHERE id = $1`, principalID); derr != nil {
			log.Printf("[AUTH] Failed to remove principal %d after account failure: %v", principalID, derr)
		}
		SendErrorResponse(w, "Failed to create account", http.StatusInternalServerError, nil)
		return
	}

	sessionToken, err := s.codec.Issue(principalID, s.cfg.JWTExpiry)
	if err != nil {
		log.Printf("[AUTH] Token issue failed for principal %d: %v", principalID, err)
		SendErrorResponse(w, "Failed to generate token", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[AUTH] Registration successful for principal %d", principalID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(AuthResponse{
		Token:     sessionToken,
		Principal: PrincipalResponse{ID: principalID, Email: strings.ToLower(req.Email)},
		AccountID: account.ID,
	})
}

// Login authenticates a principal and issues a session token.
func (s *AuthService) Login(w http.ResponseWriter, r *http.Request) {
	log.Printf("[AUTH] Login attempt from IP: %s", r.RemoteAddr)

	req, ok := decodeJSON[LoginRequest](w, r, s.validator)
	if !ok {
		return
	}

	principal, err := s.authenticate(r.Context(), strings.ToLower(req.Email), req.Password)
	if err != nil {
		// One message for every failure mode; which check failed stays inside.
		log.Printf("[AUTH] Login rejected for request from %s", r.RemoteAddr)
		SendErrorResponse(w, "Invalid credentials", http.StatusUnauthorized, nil)
		return
	}

	sessionToken, err := s.codec.Issue(principal.ID, s.cfg.JWTExpiry)
	if err != nil {
		log.Printf("[AUTH] Token issue failed for principal %d: %v", principal.ID, err)
		SendErrorResponse(w, "Failed to generate token", http.StatusInternalServerError, nil)
		return
	}

	if _, err := s.db.ExecContext(r.Context(),
		`UPDATE principals SET last_login = NOW(), updated_at = NOW() WHERE id = $1`, principal.ID); err != nil {
		log.Printf("[AUTH] Failed to record last login for principal %d: %v", principal.ID, err)
	}

	log.Printf("[AUTH] Login successful for principal %d", principal.ID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(AuthResponse{
		Token:     sessionToken,
		Principal: PrincipalResponse{ID: principal.ID, Email: principal.Email},
	})
}

// authenticate looks up the principal and verifies the credential. The
// credential hash is verified before the status check and even when the
// identifier is unknown, keeping the timing of all failure paths alike.
// The slow hash runs without holding any shared lock.
func (s *AuthService) authenticate(ctx context.Context, email, password string) (*models.Principal, error) {
	var principal models.Principal
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, credential_hash, status FROM principals WHERE email = $1`, email).
		Scan(&principal.ID, &principal.Email, &principal.CredentialHash, &principal.Status)
	if err != nil {
		s.verifyCredential(password, s.dummyHash)
		return nil, ErrInvalidCredentials
	}

	if !s.verifyCredential(password, principal.CredentialHash) {
		return nil, ErrInvalidCredentials
	}
	if !principal.Active() {
		return nil, ErrPrincipalDisabled
	}
	return &principal, nil
}

// Logout revokes the presented token for its remaining lifetime.
func (s *AuthService) Logout(w http.ResponseWriter, r *http.Request) {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") && s.redis != nil {
		rawToken := strings.TrimPrefix(authHeader, "Bearer ")
		if claims, err := s.codec.Verify(rawToken); err == nil {
			ttl := time.Until(claims.ExpiresAt)
			if ttl > 0 {
				if err := s.redis.Set(r.Context(), token.RevocationKey(rawToken), "1", ttl).Err(); err != nil {
					log.Printf("[AUTH] Failed to revoke token: %v", err)
				}
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Logout successful"})
}

func (s *AuthService) hashCredential(password string) (string, error) {
	salt := make([]byte, s.cfg.Argon2SaltLength)
	if _, err := cryptorand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt,
		s.cfg.Argon2Time, s.cfg.Argon2Memory, s.cfg.Argon2Threads, s.cfg.Argon2KeyLength)
	return fmt.Sprintf("%s$%s", base64.StdEncoding.EncodeToString(salt), base64.StdEncoding.EncodeToString(hash)), nil
}

func (s *AuthService) verifyCredential(password, hashedCredential string) bool {
	parts := strings.Split(hashedCredential, "$")
	if len(parts) != 2 {
		return false
	}

	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	hash, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}

	computedHash := argon2.IDKey([]byte(password), salt,
		s.cfg.Argon2Time, s.cfg.Argon2Memory, s.cfg.Argon2Threads, s.cfg.Argon2KeyLength)
	return subtle.ConstantTimeCompare(hash, computedHash) == 1
}

// decodeJSON enforces the single-object, bounded-size JSON body rules and
// runs struct validation.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, vh *ValidationHelper) (T, bool) {
	var req T

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return req, false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return req, false
	}

	if err := vh.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return req, false
	}

	return req, true
}
