// Package auth implements the authentication lifecycle: master
// password verification, second-factor challenges, RS256 access token
// issuance, and rotating refresh tokens with reuse detection.
//
// The flow is a small state machine. The password leg (LoginService.Login)
// either authenticates directly or parks the login in an in-memory
// ChallengeStore until a second factor is satisfied. Sessions and
// refresh tokens are durable; tokens rotate on every refresh, each
// rotation advancing the session's generation counter. Presenting a
// token from an earlier generation revokes the whole session.
//
// Access tokens embed a snapshot of the account's security stamp. The
// stamp rotates on password change, so stolen access tokens die early
// while the session's refresh token continues to work and mints tokens
// carrying the new stamp.
package auth
