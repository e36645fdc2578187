package httpserver

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/fairyhunter13/llmbroker/internal/domain"
)

// Argon2Params defines parameters for Argon2id API-key hashing.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

var defaultArgon2Params = Argon2Params{
	Memory:      64 * 1024, // 64 MB
	Iterations:  3,
	Parallelism: 2,
	SaltLen:     16,
	KeyLen:      32,
}

// HashAPIKey creates an Argon2id hash of an API key, for operators minting
// TENANT_API_KEYS entries.
func HashAPIKey(key string, params Argon2Params) (string, error) {
	salt := make([]byte, params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(key), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLen)

	// Format: argon2id$iterations$memory$parallelism$salt$hash (base64 raw std)
	encoded := fmt.Sprintf("argon2id$%d$%d$%d$%s$%s",
		params.Iterations,
		params.Memory,
		params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	)

	return encoded, nil
}

// VerifyAPIKey verifies an API key against its Argon2id hash.
func VerifyAPIKey(key, encodedHash string) bool {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return false
	}
	iters, err1 := parseUint32(parts[1])
	mem, err2 := parseUint32(parts[2])
	par64, err3 := parseUint32(parts[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	var par uint8
	if par64 > math.MaxUint8 {
		par = math.MaxUint8
	} else {
		par = uint8(par64)
	}
	keyLen := len(expected)
	if keyLen == 0 {
		return false
	}
	actual := argon2.IDKey([]byte(key), salt, iters, mem, par, uint32(keyLen))
	return subtle.ConstantTimeCompare(actual, expected) == 1
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// tenantFromRequest resolves the bearer token to a tenant id. With
// TENANT_API_KEYS configured, tokens take the form `<tenant>.<secret>` and
// the secret must verify against the tenant's Argon2id hash. With no keys
// configured (dev mode) the token value doubles as the tenant id itself,
// mirroring how the provider webhook secrets are configured directly as
// environment values rather than looked up in a database.
//
// A missing or malformed bearer token and a secret that fails verification
// return domain.ErrUnauthorized (401); a tenant id with no configured key
// returns domain.ErrForbidden (403, tenant membership missing).
func (s *Server) tenantFromRequest(r *http.Request) (string, error) {
	token, ok := bearerToken(r)
	if !ok {
		return "", domain.ErrUnauthorized
	}
	if len(s.Cfg.TenantAPIKeys) == 0 {
		return token, nil
	}
	tenant, secret, found := strings.Cut(token, ".")
	if !found || tenant == "" || secret == "" {
		return "", domain.ErrUnauthorized
	}
	encodedHash, exists := s.Cfg.TenantAPIKeys[tenant]
	if !exists {
		return "", domain.ErrForbidden
	}
	if !VerifyAPIKey(secret, encodedHash) {
		return "", domain.ErrUnauthorized
	}
	return tenant, nil
}
