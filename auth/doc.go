// Package auth provides connection authentication.
//
// The auth package gates every connection behind the configured shared
// secret. The secret is kept as a SHA-256 digest inside a memguard locked
// buffer and compared in constant time. Adapters call Authenticate exactly
// once per connection; credentials re-sent later on the same connection go
// through Verify.
//
// Usage:
//
//	authenticator, err := auth.NewFromConfig(cfg, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer authenticator.Destroy()
//	sess, err := authenticator.Authenticate(session.KindStdio, credential)
package auth
