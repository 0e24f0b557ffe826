// Package server implements the token issuance core of a multi-tenant
// OAuth 2.1 / OpenID Connect authorization server.
//
// The Server ties together the entity services:
//   - authorization grants with PKCE (grant package)
//   - refresh token rotation with reuse detection (refresh package)
//   - per-tenant signing keys (keys package) and JWT minting (token package)
//
// and adds client authentication, grant type dispatch and scope-gated claims
// assembly. Every multi-entity step is an ordered sequence of single-entity
// calls; there are no cross-entity transactions. A failed step surfaces as
// an *Error carrying the OAuth error code to return.
//
// Example usage:
//
//	rt, _ := actor.New(store, logger)
//	srv, err := server.New(rt, store, store, &server.Config{
//	    Issuer: "https://auth.example.com",
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	client, err := srv.AuthenticateClient(ctx, tenantID, creds, clientIP)
//	tok, err := srv.IssueToken(ctx, tenantID, client, &server.TokenRequest{
//	    GrantType:    "authorization_code",
//	    Code:         code,
//	    RedirectURI:  redirectURI,
//	    CodeVerifier: verifier,
//	})
package server
