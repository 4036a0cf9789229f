// Package session verifies the bearer access tokens presented to the chat
// service over HTTP and WebSocket.
//
// Access tokens are PASETO v4.public and are minted by the StudyMate account
// service. This service only needs the public key; a secret key may be
// configured instead for local development, which also enables Issue.
package session
