package services

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"travelchat/models"
)

const (
	guestTokenIssuer  = "travelchat"
	defaultGuestName  = "Guest"
	maxDisplayNameLen = 60
)

// GuestClaims - содержимое токена гостя; Subject - id диалога
type GuestClaims struct {
	DisplayName string `json:"name"`
	jwt.RegisteredClaims
}

// GuestIdentityService выдает и проверяет подписанные токены гостей
type GuestIdentityService struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewGuestIdentityService выводит ключ подписи из секрета через HKDF-SHA256
func NewGuestIdentityService(secret string, ttl time.Duration) (*GuestIdentityService, error) {
	if secret == "" {
		return nil, errors.New("guest token secret is empty")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte("guest-identity-v1")), key); err != nil {
		return nil, fmt.Errorf("failed to derive signing key: %w", err)
	}
	return &GuestIdentityService{key: key, ttl: ttl, now: time.Now}, nil
}

// GetOrCreate возвращает идентичность из валидного токена без изменений,
// иначе выпускает новую с новым id диалога
func (s *GuestIdentityService) GetOrCreate(token, displayNameHint string) (models.Identity, bool, error) {
	if token != "" {
		if identity, err := s.Verify(token); err == nil {
			return identity, false, nil
		}
	}
	identity, err := s.issue("guest-"+uuid.NewString(), normalizeDisplayName(displayNameHint))
	return identity, true, err
}

// Verify проверяет подпись и срок действия токена
func (s *GuestIdentityService) Verify(token string) (models.Identity, error) {
	claims := &GuestClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.key, nil
	}, jwt.WithIssuer(guestTokenIssuer), jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid {
		return models.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return models.Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	var expires int64
	if claims.ExpiresAt != nil {
		expires = claims.ExpiresAt.Unix()
	}
	return models.Identity{
		ConversationID: claims.Subject,
		DisplayName:    claims.DisplayName,
		Token:          token,
		ExpiresAt:      expires,
	}, nil
}

func (s *GuestIdentityService) issue(conversationID, displayName string) (models.Identity, error) {
	now := s.now()
	expires := now.Add(s.ttl)
	claims := &GuestClaims{
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   conversationID,
			Issuer:    guestTokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return models.Identity{}, fmt.Errorf("failed to sign guest token: %w", err)
	}
	return models.Identity{
		ConversationID: conversationID,
		DisplayName:    displayName,
		Token:          signed,
		ExpiresAt:      expires.Unix(),
	}, nil
}

func normalizeDisplayName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return defaultGuestName
	}
	if utf8.RuneCountInString(name) > maxDisplayNameLen {
		name = string([]rune(name)[:maxDisplayNameLen])
	}
	return name
}
