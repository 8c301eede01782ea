package transport

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rotisserie/eris"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

const (
	tokenExpiry    = 24 * time.Hour
	bcryptCost     = 12
	minNameLen     = 2
	maxNameLen     = 16
	secretSetting  = "jwt_secret"
	loginPerSecond = 1.0 / 6 // ten attempts a minute
	loginBurst     = 10
)

// SecretStore persists server settings across restarts.
type SecretStore interface {
	Setting(key string) string
	SetSetting(key, value string) error
}

// Authenticator issues and checks the connect tokens presented during the
// websocket handshake. A server may also require a join password, traded
// for a token through Login.
type Authenticator struct {
	secret []byte
	expiry time.Duration

	mu       sync.Mutex
	passHash []byte
	limiters map[string]*rate.Limiter
}

// NewAuthenticator loads the signing secret from store, generating and
// persisting one if none exists. store may be nil.
func NewAuthenticator(store SecretStore) *Authenticator {
	return &Authenticator{
		secret:   loadOrCreateSecret(store),
		expiry:   tokenExpiry,
		limiters: make(map[string]*rate.Limiter),
	}
}

// NewAuthenticatorWithSecret uses a fixed secret, e.g. shared by a fleet.
func NewAuthenticatorWithSecret(secret []byte) *Authenticator {
	return &Authenticator{
		secret:   secret,
		expiry:   tokenExpiry,
		limiters: make(map[string]*rate.Limiter),
	}
}

func loadOrCreateSecret(store SecretStore) []byte {
	if store != nil {
		if h := store.Setting(secretSetting); h != "" {
			if b, err := hex.DecodeString(h); err == nil && len(b) == 32 {
				return b
			}
		}
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		panic("failed to generate JWT secret: " + err.Error())
	}
	if store != nil {
		if err := store.SetSetting(secretSetting, hex.EncodeToString(secret)); err != nil {
			log.Printf("warning: could not persist JWT secret: %v", err)
		}
	}
	return secret
}

// SetPassword requires password for Login. An empty password lets anyone
// log in.
func (a *Authenticator) SetPassword(password string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if password == "" {
		a.passHash = nil
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return eris.Wrap(err, "hash join password")
	}
	a.passHash = hash
	return nil
}

// Login checks the join password and returns a token for name. Attempts
// are rate limited per remote address.
func (a *Authenticator) Login(name, password, remote string) (string, error) {
	name = strings.TrimSpace(name)
	if len(name) < minNameLen || len(name) > maxNameLen {
		return "", eris.Errorf("name must be %d-%d characters", minNameLen, maxNameLen)
	}
	if !a.limiter(remote).Allow() {
		return "", eris.Wrap(ErrUnauthorized, "too many login attempts, try again later")
	}

	a.mu.Lock()
	hash := a.passHash
	a.mu.Unlock()
	if hash != nil {
		if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
			return "", eris.Wrap(ErrUnauthorized, "invalid password")
		}
	}
	return a.Issue(name)
}

func (a *Authenticator) limiter(remote string) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	lim, ok := a.limiters[remote]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(loginPerSecond), loginBurst)
		a.limiters[remote] = lim
	}
	return lim
}

// Issue signs a token for name.
func (a *Authenticator) Issue(name string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"usr": name,
		"exp": now.Add(a.expiry).Unix(),
		"iat": now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString(a.secret)
	if err != nil {
		return "", eris.Wrap(err, "sign token")
	}
	return s, nil
}

// Validate checks a token and returns the name it was issued for.
func (a *Authenticator) Validate(tokenStr string) (string, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, eris.New("unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil {
		return "", eris.Wrapf(ErrUnauthorized, "%v", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", eris.Wrap(ErrUnauthorized, "invalid token")
	}
	name, ok := claims["usr"].(string)
	if !ok {
		return "", eris.Wrap(ErrUnauthorized, "invalid token claims")
	}
	return name, nil
}
