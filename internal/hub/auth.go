package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/wardenhq/warden/pkg/protocol"
	"github.com/wardenhq/warden/pkg/state"
)

// ErrConnectionGone is returned when an operation races a close.
var ErrConnectionGone = errors.New("connection gone")

// Claims is the result of verifying an opaque token.
type Claims struct {
	UserID      string
	Permissions []string
	Attributes  map[string]string
}

// TokenVerifier turns a token into claims or fails. The platform's real
// verifier is substituted here; the hub bounds the call with the
// authentication grace period via ctx.
type TokenVerifier func(ctx context.Context, token string) (*Claims, error)

// PermissionCompiler maps permission names from verified claims onto the
// capability bitmap.
type PermissionCompiler func(names []string) (state.Permission, error)

// AppClaims defines the JWT claims structure of the default verifier.
type AppClaims struct {
	Permissions []string          `json:"perms,omitempty"`
	Attributes  map[string]string `json:"attrs,omitempty"`
	jwt.RegisteredClaims
}

// NewJWTVerifier builds the default HMAC token verifier.
func NewJWTVerifier(secret string) TokenVerifier {
	return func(ctx context.Context, tokenString string) (*Claims, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		token, err := jwt.ParseWithClaims(tokenString, &AppClaims{}, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			return nil, errors.New("token validation failed")
		}
		claims, ok := token.Claims.(*AppClaims)
		if !ok || claims.Subject == "" {
			return nil, errors.New("token missing subject")
		}
		return &Claims{
			UserID:      claims.Subject,
			Permissions: claims.Permissions,
			Attributes:  claims.Attributes,
		}, nil
	}
}

// authRequest is the expected shape of AUTH envelope data.
type authRequest struct {
	Token       string `json:"token"`
	Role        string `json:"role,omitempty"`
	ShardID     *int   `json:"shardId,omitempty"`
	CommunityID string `json:"communityId,omitempty"`
}

// handleAuth is the authentication gate: exactly one AUTH envelope per
// connection turns a token into role, permissions and correlation keys.
func (h *Hub) handleAuth(ctx context.Context, conn *state.Connection, env *protocol.Envelope) {
	if conn.Authenticated() {
		h.sendError(conn, protocol.ErrAlreadyAuthenticated, "connection is already authenticated")
		return
	}

	var req authRequest
	if err := json.Unmarshal(env.Data, &req); err != nil || req.Token == "" {
		h.rejectAuth(conn, "malformed AUTH payload")
		return
	}

	// The verification call is bounded by the same grace period as the
	// overall AUTH step; a verifier that never resolves cannot hold the
	// connection open.
	verifyCtx, cancel := context.WithTimeout(ctx, h.config.AuthTimeout)
	defer cancel()
	claims, err := h.verify(verifyCtx, req.Token)
	if err != nil {
		h.logger.Warn("Token verification failed",
			slog.String("connID", conn.ID.String()),
			slog.Any("error", err),
		)
		h.rejectAuth(conn, "invalid token")
		return
	}

	perms, err := h.compile(claims.Permissions)
	if err != nil {
		h.logger.Warn("Token carries unregistered permissions",
			slog.String("connID", conn.ID.String()),
			slog.Any("error", err),
		)
		h.rejectAuth(conn, "unregistered permissions")
		return
	}

	role := state.ParseRole(req.Role)
	// The ADMIN role is a claim about capability, not a grant: without
	// the administrator permission the connection is downgraded.
	if role == state.RoleAdmin && !perms.Has(state.PermAdministrator) {
		role = state.RoleClient
	}

	shardID := state.NoShard
	if role == state.RoleBot && req.ShardID != nil && *req.ShardID >= 0 {
		shardID = *req.ShardID
	}

	// Claim the deadline before promoting: if the expiry callback took
	// it while the token was being verified, the connection belongs to
	// the expiry path and must not be authenticated anymore.
	if !h.cancelAuthTimer(conn.ID) {
		h.logger.Debug("AUTH lost the race against the deadline", slog.String("connID", conn.ID.String()))
		return
	}

	identity := state.Identity{
		Role:        role,
		UserID:      claims.UserID,
		CommunityID: req.CommunityID,
		ShardID:     shardID,
		Permissions: perms,
		Attributes:  claims.Attributes,
	}
	if _, err := h.manager.Authenticate(conn.ID, identity); err != nil {
		// The connection raced a close; nothing to reply to.
		h.logger.Debug("Authenticate raced connection close", slog.String("connID", conn.ID.String()))
		return
	}

	ack := protocol.MustEnvelope(protocol.TypeAuthenticated, "", map[string]any{
		"role":        string(role),
		"userId":      claims.UserID,
		"permissions": claims.Permissions,
	})
	h.SendTo(conn.ID, ack)

	h.logger.Info("Connection authenticated",
		slog.String("connID", conn.ID.String()),
		slog.String("role", string(role)),
		slog.String("userID", claims.UserID),
	)
	h.audit.AuthSucceeded(conn)

	h.observerMu.RLock()
	observers := h.onAuthenticated
	h.observerMu.RUnlock()
	for _, fn := range observers {
		fn(conn)
	}
}

// rejectAuth reports an invalid token and closes with the auth-rejected
// code, distinct from the timeout code so clients can tell "bad token"
// from "too slow".
func (h *Hub) rejectAuth(conn *state.Connection, reason string) {
	failed := protocol.MustEnvelope(protocol.TypeAuthFailed, protocol.ErrAuthRejected, protocol.ErrorData{
		Code:    protocol.ErrAuthRejected,
		Message: reason,
	})
	if raw, err := failed.Encode(); err == nil {
		_ = conn.Transport.Send(raw)
	}
	h.audit.AuthFailed(conn.ID, reason)
	h.Close(conn.ID, protocol.CloseAuthRejected, reason)
}

// expireAuth fires when the grace period elapses without a valid AUTH
// envelope. It only proceeds after claiming the deadline entry, so an
// AUTH that completed in the meantime can never be torn down here.
func (h *Hub) expireAuth(connID uuid.UUID) {
	if !h.cancelAuthTimer(connID) {
		return
	}
	conn, ok := h.manager.Get(connID)
	if !ok {
		return
	}
	failed := protocol.MustEnvelope(protocol.TypeAuthFailed, protocol.ErrAuthTimeout, protocol.ErrorData{
		Code:    protocol.ErrAuthTimeout,
		Message: "no AUTH envelope within grace period",
	})
	if raw, err := failed.Encode(); err == nil {
		_ = conn.Transport.Send(raw)
	}
	h.audit.AuthFailed(connID, "auth timeout")
	h.Close(connID, protocol.CloseAuthTimeout, "authentication timeout")
}
