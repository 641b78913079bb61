package gateway

import "crypto/subtle"

// Authenticator checks the credentials presented on session open
type Authenticator interface {
	AuthenticateRobot(robotID, apiKey string) bool
	AuthenticateAdmin(secret string) bool
}

// StaticAuthenticator checks against configured keys. A RobotKeys entry
// under "*" applies to robots without a key of their own. Empty secrets
// never match.
type StaticAuthenticator struct {
	AdminSecret string
	RobotKeys   map[string]string
}

// AuthenticateRobot reports whether apiKey is valid for robotID
func (a StaticAuthenticator) AuthenticateRobot(robotID, apiKey string) bool {
	if apiKey == "" {
		return false
	}
	if key, ok := a.RobotKeys[robotID]; ok {
		return equal(key, apiKey)
	}
	if key, ok := a.RobotKeys["*"]; ok {
		return equal(key, apiKey)
	}
	return false
}

// AuthenticateAdmin reports whether secret is the admin secret
func (a StaticAuthenticator) AuthenticateAdmin(secret string) bool {
	return secret != "" && equal(a.AdminSecret, secret)
}

func equal(want, got string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
