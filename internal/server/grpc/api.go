package grpcserver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofrs/uuid/v5"
	"google.golang.org/grpc"

	"github.com/and161185/keyhierarchy/internal/model"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "keyhierarchy.v1.KeyHierarchy"

// Empty is the request or response of calls that carry nothing.
type Empty struct{}

type RegisterSessionRequest struct {
	First bool `json:"first"`
}

type SessionList struct {
	Sessions []uuid.UUID `json:"sessions"`
}

type LatestRoomKeyRequest struct {
	RoomID    uuid.UUID `json:"roomId"`
	SessionID uuid.UUID `json:"sessionId"`
}

type RecordRoomKeyRequest struct {
	Record model.RoomKeyRecord `json:"record"`
}

type RecordAccountKeyShareRequest struct {
	Share model.AccountKeyShare `json:"share"`
}

type RequestMigrationRequest struct {
	MigrateKey model.MigrateKeyPub `json:"migrateKey"`
}

type AcceptMigrationRequest struct {
	ID      uuid.UUID                   `json:"id"`
	SignKey model.MigrateDataSignKeyPub `json:"signKey"`
}

type SendMigrationDataRequest struct {
	ID   uuid.UUID           `json:"id"`
	Data model.MigrationData `json:"data"`
}

type MigrationIDRequest struct {
	ID uuid.UUID `json:"id"`
}

type PublishKeyRequest struct {
	Kind model.KeyKind   `json:"kind"`
	Body json.RawMessage `json:"body"`
}

type GetKeyRequest struct {
	Owner uuid.UUID     `json:"owner"`
	Kind  model.KeyKind `json:"kind"`
	Hash  string        `json:"hash"`
}

type FindKeysRequest struct {
	Query   model.KeyQuery `json:"query"`
	ValidAt time.Time      `json:"validAt"`
}

type KeyList struct {
	Keys []model.KeyRecord `json:"keys"`
}

// KeyHierarchyServer is the server API.
type KeyHierarchyServer interface {
	RegisterSession(context.Context, *RegisterSessionRequest) (*model.Session, error)
	AwaitingShare(context.Context, *Empty) (*SessionList, error)

	LatestRoomKey(context.Context, *LatestRoomKeyRequest) (*model.RoomKeyRecord, error)
	RecordRoomKey(context.Context, *RecordRoomKeyRequest) (*Empty, error)
	RecordAccountKeyShare(context.Context, *RecordAccountKeyShareRequest) (*Empty, error)
	AccountKeyShare(context.Context, *Empty) (*model.AccountKeyShare, error)
	MarkDelivered(context.Context, *Empty) (*Empty, error)
	PendingSessions(context.Context, *Empty) (*SessionList, error)

	RequestMigration(context.Context, *RequestMigrationRequest) (*model.Migration, error)
	AcceptMigration(context.Context, *AcceptMigrationRequest) (*model.Migration, error)
	SendMigrationData(context.Context, *SendMigrationDataRequest) (*model.Migration, error)
	FetchMigration(context.Context, *MigrationIDRequest) (*model.Migration, error)
	CompleteMigration(context.Context, *MigrationIDRequest) (*Empty, error)

	PublishKey(context.Context, *PublishKeyRequest) (*model.KeyRecord, error)
	GetKey(context.Context, *GetKeyRequest) (*model.KeyRecord, error)
	FindKeys(context.Context, *FindKeysRequest) (*KeyList, error)
}

// unary adapts a typed server method to grpc.MethodHandler.
func unary[Req, Resp any](name string, call func(KeyHierarchyServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, ic grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(KeyHierarchyServer)
			if ic == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return ic(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*Req))
			})
		},
	}
}

// ServiceDesc describes KeyHierarchy for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*KeyHierarchyServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("RegisterSession", KeyHierarchyServer.RegisterSession),
		unary("AwaitingShare", KeyHierarchyServer.AwaitingShare),
		unary("LatestRoomKey", KeyHierarchyServer.LatestRoomKey),
		unary("RecordRoomKey", KeyHierarchyServer.RecordRoomKey),
		unary("RecordAccountKeyShare", KeyHierarchyServer.RecordAccountKeyShare),
		unary("AccountKeyShare", KeyHierarchyServer.AccountKeyShare),
		unary("MarkDelivered", KeyHierarchyServer.MarkDelivered),
		unary("PendingSessions", KeyHierarchyServer.PendingSessions),
		unary("RequestMigration", KeyHierarchyServer.RequestMigration),
		unary("AcceptMigration", KeyHierarchyServer.AcceptMigration),
		unary("SendMigrationData", KeyHierarchyServer.SendMigrationData),
		unary("FetchMigration", KeyHierarchyServer.FetchMigration),
		unary("CompleteMigration", KeyHierarchyServer.CompleteMigration),
		unary("PublishKey", KeyHierarchyServer.PublishKey),
		unary("GetKey", KeyHierarchyServer.GetKey),
		unary("FindKeys", KeyHierarchyServer.FindKeys),
	},
	Metadata: "keyhierarchy/v1/keyhierarchy.json",
}

// Register attaches srv to s.
func Register(s grpc.ServiceRegistrar, srv KeyHierarchyServer) {
	s.RegisterService(&ServiceDesc, srv)
}
