// Package token guards the lifecycle of the credentials attached to every
// outbound call: RS256 keypair JWTs signed locally from an RSA key, or a
// caller-supplied precomputed token.
//
// A Guard hands out a token that is valid for longer than the policy margin.
// Reads are lock-free; when the current token is missing or inside the margin,
// callers coalesce onto a single signing operation and share its result.
//
//	key, err := token.LoadPrivateKey(pemBytes, passphrase)
//	if err != nil {
//	    return err
//	}
//	policy, err := token.NewPolicy(time.Hour, 0, token.DefaultBounds())
//	if err != nil {
//	    return err
//	}
//	guard, err := token.NewGuard(token.KeyPair{Account: "myorg-acct", User: "ingest", Key: key}, policy)
//	if err != nil {
//	    return err
//	}
//	jwt, err := guard.EnsureValid(ctx)
package token
