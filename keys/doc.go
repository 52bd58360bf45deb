// Package keys manages the RSA keys used to sign access tokens.
//
// A Store always has exactly one active signing key. Rotate replaces it and
// keeps the previous key available for verification for a grace period, so
// tokens signed just before a rotation stay valid until they expire. Keys
// past their grace period are removed by Sweep.
//
// Readers never take a lock: every mutation builds a new immutable snapshot
// and publishes it atomically.
//
// Usage:
//
//	ks, err := keys.New(keys.Config{KeyFile: "/var/lib/mindflow/signing.pem"})
//	if err != nil {
//		return err
//	}
//	ks.Start()
//	defer ks.Stop()
//
//	jwks := ks.PublicKeys() // serve at /jwks
package keys
