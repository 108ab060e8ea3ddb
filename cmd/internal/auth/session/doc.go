// Package session verifies and issues the bearer tokens that authenticate chat sockets.
//
// Access tokens are HS256 JWTs carrying the user id ("uid") and the session id ("sid").
// Issuance in production belongs to the external auth service; IssueAccessToken exists for
// development tooling and tests that share the signing secret.
//
// HTTP and websocket wiring lives in the realtime and app packages.
package session
