// Package client is the device-side gRPC client of the key hierarchy service.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/and161185/keyhierarchy/internal/crypto"
	"github.com/and161185/keyhierarchy/internal/errs"
	"github.com/and161185/keyhierarchy/internal/model"
	"github.com/and161185/keyhierarchy/internal/repository"
	grpcserver "github.com/and161185/keyhierarchy/internal/server/grpc"
)

// Client calls the service as one device. The server derives user and session
// from the bearer token, so ids passed to the ledger methods only select what
// the token already allows.
type Client struct {
	conn  grpc.ClientConnInterface
	token string
}

var _ repository.KeyShareLedger = (*Client)(nil)

// New wraps an established connection.
func New(conn grpc.ClientConnInterface, token string) *Client {
	return &Client{conn: conn, token: token}
}

// Dial connects to addr. Transport credentials come from opts.
func Dial(addr, token string, opts ...grpc.DialOption) (*Client, *grpc.ClientConn, error) {
	cc, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, nil, err
	}
	return New(cc, token), cc, nil
}

func (c *Client) call(ctx context.Context, method string, in, out any) error {
	ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
	err := c.conn.Invoke(ctx, "/"+grpcserver.ServiceName+"/"+method, in, out, grpc.CallContentSubtype(grpcserver.CodecName))
	return grpcserver.FromStatus(err)
}

// RegisterSession registers the token's session; first marks the enrolling device.
func (c *Client) RegisterSession(ctx context.Context, first bool) (*model.Session, error) {
	out := new(model.Session)
	if err := c.call(ctx, "RegisterSession", &grpcserver.RegisterSessionRequest{First: first}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// AwaitingShare lists sessions of the user still waiting for an account key share.
func (c *Client) AwaitingShare(ctx context.Context) ([]uuid.UUID, error) {
	out := new(grpcserver.SessionList)
	if err := c.call(ctx, "AwaitingShare", &grpcserver.Empty{}, out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// LatestRoomKey implements repository.KeyShareLedger.
func (c *Client) LatestRoomKey(ctx context.Context, roomID, sessionID uuid.UUID) (*model.RoomKeyRecord, error) {
	out := new(model.RoomKeyRecord)
	if err := c.call(ctx, "LatestRoomKey", &grpcserver.LatestRoomKeyRequest{RoomID: roomID, SessionID: sessionID}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// RecordRoomKey implements repository.KeyShareLedger.
func (c *Client) RecordRoomKey(ctx context.Context, rec *model.RoomKeyRecord) error {
	return c.call(ctx, "RecordRoomKey", &grpcserver.RecordRoomKeyRequest{Record: *rec}, &grpcserver.Empty{})
}

// RecordAccountKeyShare implements repository.KeyShareLedger. The user is the token's.
func (c *Client) RecordAccountKeyShare(ctx context.Context, _ uuid.UUID, share model.AccountKeyShare) error {
	return c.call(ctx, "RecordAccountKeyShare", &grpcserver.RecordAccountKeyShareRequest{Share: share}, &grpcserver.Empty{})
}

// AccountKeyShare implements repository.KeyShareLedger for the token's own session.
func (c *Client) AccountKeyShare(ctx context.Context, _, _ uuid.UUID) (*model.AccountKeyShare, error) {
	out := new(model.AccountKeyShare)
	if err := c.call(ctx, "AccountKeyShare", &grpcserver.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkDelivered implements repository.KeyShareLedger for the token's own session.
func (c *Client) MarkDelivered(ctx context.Context, _, _ uuid.UUID) error {
	return c.call(ctx, "MarkDelivered", &grpcserver.Empty{}, &grpcserver.Empty{})
}

// PendingSessions implements repository.KeyShareLedger.
func (c *Client) PendingSessions(ctx context.Context, _ uuid.UUID) ([]uuid.UUID, error) {
	out := new(grpcserver.SessionList)
	if err := c.call(ctx, "PendingSessions", &grpcserver.Empty{}, out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

func (c *Client) migration(ctx context.Context, method string, in any) (*model.Migration, error) {
	out := new(model.Migration)
	if err := c.call(ctx, method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// RequestMigration opens a handshake for this (pending) device.
func (c *Client) RequestMigration(ctx context.Context, key model.MigrateKeyPub) (*model.Migration, error) {
	return c.migration(ctx, "RequestMigration", &grpcserver.RequestMigrationRequest{MigrateKey: key})
}

// AcceptMigration accepts a handshake from another device of the same user.
func (c *Client) AcceptMigration(ctx context.Context, id uuid.UUID, signKey model.MigrateDataSignKeyPub) (*model.Migration, error) {
	return c.migration(ctx, "AcceptMigration", &grpcserver.AcceptMigrationRequest{ID: id, SignKey: signKey})
}

// SendMigrationData delivers the sealed export.
func (c *Client) SendMigrationData(ctx context.Context, id uuid.UUID, data model.MigrationData) (*model.Migration, error) {
	return c.migration(ctx, "SendMigrationData", &grpcserver.SendMigrationDataRequest{ID: id, Data: data})
}

// FetchMigration reads a handshake the device takes part in.
func (c *Client) FetchMigration(ctx context.Context, id uuid.UUID) (*model.Migration, error) {
	return c.migration(ctx, "FetchMigration", &grpcserver.MigrationIDRequest{ID: id})
}

// CompleteMigration closes a delivered handshake.
func (c *Client) CompleteMigration(ctx context.Context, id uuid.UUID) error {
	return c.call(ctx, "CompleteMigration", &grpcserver.MigrationIDRequest{ID: id}, &grpcserver.Empty{})
}

// WaitMigration polls until the handshake reaches state or ctx ends.
func (c *Client) WaitMigration(ctx context.Context, id uuid.UUID, state model.MigrationState, every time.Duration) (*model.Migration, error) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		m, err := c.FetchMigration(ctx, id)
		if err != nil {
			return nil, err
		}
		if m.State == state {
			return m, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// PublishKey publishes one public key of this device's user.
func (c *Client) PublishKey(ctx context.Context, kind model.KeyKind, body json.RawMessage) (*model.KeyRecord, error) {
	out := new(model.KeyRecord)
	if err := c.call(ctx, "PublishKey", &grpcserver.PublishKeyRequest{Kind: kind, Body: body}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetKey fetches one published key.
func (c *Client) GetKey(ctx context.Context, owner uuid.UUID, kind model.KeyKind, hash string) (*model.KeyRecord, error) {
	out := new(model.KeyRecord)
	if err := c.call(ctx, "GetKey", &grpcserver.GetKeyRequest{Owner: owner, Kind: kind, Hash: hash}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// FindKeys lists published keys matching q, valid at validAt when it is set.
func (c *Client) FindKeys(ctx context.Context, q model.KeyQuery, validAt time.Time) ([]model.KeyRecord, error) {
	out := new(grpcserver.KeyList)
	if err := c.call(ctx, "FindKeys", &grpcserver.FindKeysRequest{Query: q, ValidAt: validAt}, out); err != nil {
		return nil, err
	}
	return out.Keys, nil
}

// newest decodes the newest published key of kind owned by owner.
func newest[T any](ctx context.Context, c *Client, owner uuid.UUID, kind model.KeyKind) (*T, error) {
	recs, err := c.FindKeys(ctx, model.KeyQuery{Owner: owner, Kind: kind}, time.Time{})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: no %s key for %s", errs.ErrNotFound, kind, owner)
	}
	out := new(T)
	if err := json.Unmarshal(recs[0].Body, out); err != nil {
		return nil, fmt.Errorf("%w: %s key body", errs.ErrValidation, kind)
	}
	return out, nil
}

// Master returns owner's published master key after checking its self
// signature. Whether it is really owner's master is for the caller to decide,
// usually by comparing fingerprints out of band.
func (c *Client) Master(ctx context.Context, owner uuid.UUID) (*model.MasterKeyPub, error) {
	m, err := newest[model.MasterKeyPub](ctx, c, owner, model.KindMaster)
	if err != nil {
		return nil, err
	}
	if err := crypto.VerifyMasterKey(m); err != nil {
		return nil, err
	}
	return m, nil
}

// AccountKey returns owner's newest account key verified against master,
// which the caller trusts. When an identity key issued it, that identity is
// fetched, verified and returned too.
func (c *Client) AccountKey(ctx context.Context, owner uuid.UUID, master *model.MasterKeyPub) (*model.AccountKeyPub, *model.IdentityKeyPub, error) {
	pub, err := newest[model.AccountKeyPub](ctx, c, owner, model.KindAccount)
	if err != nil {
		return nil, nil, err
	}
	pub.Shares, pub.DeliveredSessions = nil, nil
	var issuer *model.IdentityKeyPub
	if pub.Sign != nil && pub.Sign.Type == model.RoleIdentity {
		rec, err := c.GetKey(ctx, owner, model.KindIdentity, pub.Sign.HashedPublicKeyHex)
		if err != nil {
			return nil, nil, fmt.Errorf("issuing identity: %w", err)
		}
		issuer = new(model.IdentityKeyPub)
		if err := json.Unmarshal(rec.Body, issuer); err != nil {
			return nil, nil, fmt.Errorf("%w: identity key body", errs.ErrValidation)
		}
	}
	if err := crypto.VerifyAccountChain(master, issuer, pub, time.Now()); err != nil {
		return nil, nil, err
	}
	return pub, issuer, nil
}
