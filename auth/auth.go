package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
	"go.uber.org/zap"

	"github.com/isdmx/rubybox/config"
	"github.com/isdmx/rubybox/session"
	"github.com/isdmx/rubybox/toolcall"
)

// Authenticator validates presented credentials against the shared secret
type Authenticator struct {
	logger *zap.Logger

	mu     sync.RWMutex
	digest *memguard.LockedBuffer
}

// New creates an Authenticator for the given secret. An empty secret is an error.
func New(secret string, logger *zap.Logger) (*Authenticator, error) {
	if secret == "" {
		return nil, fmt.Errorf("api key is required")
	}
	sum := sha256.Sum256([]byte(secret))
	return &Authenticator{
		logger: logger,
		digest: memguard.NewBufferFromBytes(sum[:]),
	}, nil
}

// NewFromConfig creates an Authenticator from the server configuration
func NewFromConfig(cfg *config.Config, logger *zap.Logger) (*Authenticator, error) {
	return New(cfg.Server.APIKey, logger)
}

// Authenticate validates the credential presented when a connection is
// established and returns the new authenticated session.
func (a *Authenticator) Authenticate(kind session.Kind, credential string) (*session.Session, error) {
	if !a.matches(credential) {
		a.logger.Warn("connection rejected",
			zap.String("transport", string(kind)),
			zap.Bool("credential_present", credential != ""))
		return nil, toolcall.ErrUnauthorized
	}

	sess := session.New(kind)
	sess.MarkAuthenticated()
	a.logger.Debug("connection authenticated",
		zap.String("transport", string(kind)),
		zap.String("session_id", sess.ID()))
	return sess, nil
}

// Verify checks a credential re-sent on an already established connection.
// A session that never authenticated is always rejected.
func (a *Authenticator) Verify(sess *session.Session, credential string) error {
	if sess == nil || !sess.Authenticated() {
		return toolcall.ErrUnauthorized
	}
	if !a.matches(credential) {
		a.logger.Warn("credential mismatch on established session",
			zap.String("transport", string(sess.Kind())),
			zap.String("session_id", sess.ID()))
		return toolcall.ErrUnauthorized
	}
	return nil
}

// Destroy wipes the stored secret. Subsequent calls reject every credential.
func (a *Authenticator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.digest != nil {
		a.digest.Destroy()
		a.digest = nil
	}
}

func (a *Authenticator) matches(credential string) bool {
	if credential == "" {
		return false
	}
	sum := sha256.Sum256([]byte(credential))

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.digest == nil {
		return false
	}
	return subtle.ConstantTimeCompare(a.digest.Bytes(), sum[:]) == 1
}
