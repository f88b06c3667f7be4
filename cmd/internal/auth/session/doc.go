// Package session verifies access tokens presented by HTTP and WebSocket
// clients and extracts them from requests.
//
// Token issuance (login/refresh) is owned by the account service; this
// package only needs to verify. Two formats are supported: PASETO
// v4.public (default) and HS256 JWT carrying {userId, email}.
package session
