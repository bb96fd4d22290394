package auth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/rubybox/config"
	"github.com/isdmx/rubybox/session"
	"github.com/isdmx/rubybox/toolcall"
)

func newAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	a, err := New("s3cret", zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(a.Destroy)
	return a
}

func TestNew(t *testing.T) {
	t.Run("EmptySecret", func(t *testing.T) {
		_, err := New("", zaptest.NewLogger(t))
		require.Error(t, err)
	})

	t.Run("FromConfig", func(t *testing.T) {
		cfg := &config.Config{Server: config.ServerConfig{APIKey: "k"}}
		a, err := NewFromConfig(cfg, zaptest.NewLogger(t))
		require.NoError(t, err)
		defer a.Destroy()

		_, err = a.Authenticate(session.KindSSE, "k")
		require.NoError(t, err)
	})
}

func TestAuthenticate(t *testing.T) {
	a := newAuthenticator(t)

	tests := []struct {
		name       string
		credential string
		ok         bool
	}{
		{"Valid", "s3cret", true},
		{"Wrong", "s3cre7", false},
		{"Prefix", "s3c", false},
		{"Longer", "s3cret!", false},
		{"Empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, err := a.Authenticate(session.KindStdio, tt.credential)
			if !tt.ok {
				require.Error(t, err)
				assert.True(t, errors.Is(err, toolcall.ErrUnauthorized))
				assert.Nil(t, sess)
				return
			}
			require.NoError(t, err)
			assert.True(t, sess.Authenticated())
			assert.Equal(t, session.KindStdio, sess.Kind())
		})
	}
}

func TestAuthenticateCreatesDistinctSessions(t *testing.T) {
	a := newAuthenticator(t)
	s1, err := a.Authenticate(session.KindSSE, "s3cret")
	require.NoError(t, err)
	s2, err := a.Authenticate(session.KindSSE, "s3cret")
	require.NoError(t, err)
	assert.NotEqual(t, s1.ID(), s2.ID())
}

func TestVerify(t *testing.T) {
	a := newAuthenticator(t)
	sess, err := a.Authenticate(session.KindSSE, "s3cret")
	require.NoError(t, err)

	require.NoError(t, a.Verify(sess, "s3cret"))

	err = a.Verify(sess, "other")
	assert.True(t, errors.Is(err, toolcall.ErrUnauthorized))
	// the original authentication stands
	assert.True(t, sess.Authenticated())

	assert.Error(t, a.Verify(session.New(session.KindSSE), "s3cret"))
	assert.Error(t, a.Verify(nil, "s3cret"))
}

func TestDestroy(t *testing.T) {
	a, err := New("s3cret", zaptest.NewLogger(t))
	require.NoError(t, err)

	a.Destroy()
	a.Destroy()

	_, err = a.Authenticate(session.KindStdio, "s3cret")
	assert.Error(t, err)
}
