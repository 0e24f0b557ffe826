package server

import (
	"fmt"
	"net"
	"net/url"
)

// validateHTTPSEnforcement ensures that the issuer is served over HTTPS.
// OAuth over HTTP exposes every code, token and client secret to
// interception.
//
// - HTTPS URLs: always allowed
// - HTTP on localhost: allowed with a warning (development)
// - HTTP elsewhere: blocked unless AllowInsecureHTTP=true
func (s *Server) validateHTTPSEnforcement() error {
	issuerURL, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch issuerURL.Scheme {
	case "https":
		return nil
	case "http":
	default:
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
	}

	hostname := issuerURL.Hostname()
	if isLocalhostHostname(hostname) {
		if !s.Config.AllowInsecureHTTP {
			s.Logger.Warn("DEVELOPMENT WARNING: Running OAuth over HTTP on localhost",
				"issuer", s.Config.Issuer,
				"risk", "Credentials exposed on local network",
				"to_suppress", "Set AllowInsecureHTTP=true in Config")
		}
		return nil
	}

	if !s.Config.AllowInsecureHTTP {
		return fmt.Errorf(
			"SECURITY ERROR: Issuer must use HTTPS in production (got %s://%s). "+
				"To run on localhost for development, set AllowInsecureHTTP=true",
			issuerURL.Scheme,
			hostname,
		)
	}

	s.Logger.Error("CRITICAL SECURITY WARNING: Running OAuth server over HTTP",
		"issuer", s.Config.Issuer,
		"hostname", hostname,
		"risk", "All tokens and credentials exposed to network sniffing and MITM attacks",
		"action_required", "Switch to HTTPS immediately")
	return nil
}

// isLocalhostHostname checks if a hostname refers to the local machine:
// the whole 127.0.0.0/8 range, ::1, "localhost" and 0.0.0.0.
func isLocalhostHostname(hostname string) bool {
	if hostname == "localhost" || hostname == "0.0.0.0" {
		return true
	}
	if ip := net.ParseIP(hostname); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// validateScopeFormat checks a scope token against RFC 6749 Section 3.3:
// scope-token = 1*( %x21 / %x23-5B / %x5D-7E )
func validateScopeFormat(scope string) error {
	if scope == "" {
		return fmt.Errorf("scope cannot be empty")
	}
	for i := 0; i < len(scope); i++ {
		c := scope[i]
		if c < 0x21 || c == 0x22 || c == 0x5C || c > 0x7E {
			return fmt.Errorf("scope %q contains invalid character at position %d", scope, i)
		}
	}
	return nil
}

// validateConfigScopes rejects malformed entries in SupportedScopes.
func validateConfigScopes(config *Config) error {
	for _, scope := range config.SupportedScopes {
		if err := validateScopeFormat(scope); err != nil {
			return fmt.Errorf("invalid SupportedScopes entry: %w", err)
		}
	}
	return nil
}
