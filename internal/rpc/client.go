package rpc

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"rotor.dev/internal/audit"
	"rotor.dev/internal/auth"
)

// Client wraps the internal auth service for collaborating services.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a new client with sensible defaults (insecure transport).
func Dial(ctx context.Context, target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.DialContext(ctx, target, opts...)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client { return &Client{conn: conn} }

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// VerifyCredential verifies token remotely. kind may be empty for access credentials.
func (c *Client) VerifyCredential(ctx context.Context, token string, kind auth.Kind) (auth.Principal, error) {
	req, err := structpb.NewStruct(map[string]any{"token": token, "kind": string(kind)})
	if err != nil {
		return auth.Principal{}, err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(outgoingWithRequestID(ctx), methodVerify, req, resp); err != nil {
		return auth.Principal{}, mapAuthError(err)
	}
	return fromStruct(resp)
}

// ResolvePrincipal returns the principal id behind an access credential.
func (c *Client) ResolvePrincipal(ctx context.Context, token string) (string, error) {
	req, err := structpb.NewStruct(map[string]any{"token": token})
	if err != nil {
		return "", err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(outgoingWithRequestID(ctx), methodResolve, req, resp); err != nil {
		return "", mapAuthError(err)
	}
	return stringField(resp, "principal"), nil
}

// IsRevoked asks the service whether cid has been revoked.
func (c *Client) IsRevoked(ctx context.Context, cid string) (bool, error) {
	req, err := structpb.NewStruct(map[string]any{"cid": cid})
	if err != nil {
		return false, err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(outgoingWithRequestID(ctx), methodRevoked, req, resp); err != nil {
		return false, mapAuthError(err)
	}
	return resp.GetFields()["revoked"].GetBoolValue(), nil
}

// Helpers -----------------------------------------------------------------

func outgoingWithRequestID(ctx context.Context) context.Context {
	if rid := audit.RequestIDFromContext(ctx); rid != "" {
		return metadata.AppendToOutgoingContext(ctx, requestIDKey, rid)
	}
	return ctx
}

// mapAuthError turns gRPC status codes back into auth sentinels so callers can use errors.Is.
func mapAuthError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unauthenticated:
		return fmt.Errorf("%w: %s", auth.ErrInvalidCredential, st.Message())
	case codes.NotFound:
		return fmt.Errorf("%w: %s", auth.ErrUnknownCredential, st.Message())
	case codes.PermissionDenied:
		if st.Message() == "replay detected" {
			return fmt.Errorf("%w: %s", auth.ErrReplayDetected, st.Message())
		}
		return fmt.Errorf("%w: %s", auth.ErrRevoked, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", auth.ErrInvalidInput, st.Message())
	case codes.Unavailable, codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", auth.ErrStoreUnavailable, st.Message())
	default:
		return err
	}
}

func fromStruct(s *structpb.Struct) (auth.Principal, error) {
	claims := auth.Claims{
		CredentialID: stringField(s, "cid"),
		Principal:    stringField(s, "principal"),
		FamilyID:     stringField(s, "family_id"),
		Kind:         auth.Kind(stringField(s, "kind")),
	}
	var err error
	if claims.IssuedAt, err = parseTime(stringField(s, "issued_at")); err != nil {
		return auth.Principal{}, err
	}
	if claims.ExpiresAt, err = parseTime(stringField(s, "expires_at")); err != nil {
		return auth.Principal{}, err
	}
	return auth.Principal{ID: claims.Principal, Claims: claims}, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

// WithTimeout returns a context with default timeout useful for CLI tools.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(parent, d)
}
