// Package oauth provides a multi-tenant OAuth 2.1 and OpenID Connect token
// service.
//
// NewServer assembles the storage backend, the entity runtime and the token
// issuance core from a Config; Handler exposes the token, revocation,
// introspection and JWKS endpoints for each tenant under /t/{tenant}/.
//
// Example usage:
//
//	srv, err := oauth.NewServer(oauth.Config{
//	    Server: server.Config{Issuer: "https://auth.example.com"},
//	    Storage: oauth.StorageConfig{Driver: oauth.StorageValkey, Address: "localhost:6379"},
//	}, directory)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Close(context.Background())
//
//	mux := http.NewServeMux()
//	oauth.NewHandler(srv, logger).RegisterRoutes(mux)
//
// Authorization codes are issued by the login front end through
// srv.Core().IssueAuthorizationCode once the user has authenticated.
package oauth
