package middleware

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/docworker/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

// APIKeyPrefix starts every key issued by docworker.
const APIKeyPrefix = "dw_"

// GenerateAPIKey creates a key for tenantID. The raw key is returned for
// showing once; the record holds only its bcrypt hash and lookup prefix.
func GenerateAPIKey(tenantID uuid.UUID, name string, scopes []string) (string, *models.APIKey, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", nil, fmt.Errorf("generate api key: %w", err)
	}
	rawKey := APIKeyPrefix + hex.EncodeToString(b)

	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hash api key: %w", err)
	}

	return rawKey, &models.APIKey{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: rawKey[:KeyPrefixLen],
		Scopes:    scopes,
	}, nil
}
