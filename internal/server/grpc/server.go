// Package grpcserver exposes the key hierarchy services over gRPC.
package grpcserver

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/and161185/keyhierarchy/internal/model"
	"github.com/and161185/keyhierarchy/internal/service"
)

// Server wires services into gRPC handlers.
type Server struct {
	ledger     *service.LedgerService
	migrations *service.MigrationService
	keys       *service.KeyDirectory
	log        *zap.Logger
}

var _ KeyHierarchyServer = (*Server)(nil)

// New constructs a gRPC server with injected services.
func New(ledger *service.LedgerService, migrations *service.MigrationService, keys *service.KeyDirectory, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{ledger: ledger, migrations: migrations, keys: keys, log: log}
}

// toStatus converts a service error. Sentinel errors keep their message so
// the client can restore them; anything else is logged and hidden.
func (s *Server) toStatus(op string, err error) error {
	for _, m := range codeOf {
		if errors.Is(err, m.err) {
			return status.Error(m.code, err.Error())
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	s.log.Error(op, zap.Error(err))
	return status.Errorf(codes.Internal, "%s: internal error", op)
}

func caller(ctx context.Context) (model.Caller, error) {
	c, ok := CallerFromCtx(ctx)
	if !ok {
		return model.Caller{}, status.Error(codes.Unauthenticated, "no auth")
	}
	return c, nil
}

// --- Sessions ---

// RegisterSession creates the caller's session.
func (s *Server) RegisterSession(ctx context.Context, req *RegisterSessionRequest) (*model.Session, error) {
	c, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	sess, err := s.ledger.RegisterSession(ctx, c, req.First)
	if err != nil {
		return nil, s.toStatus("register session", err)
	}
	return sess, nil
}

// AwaitingShare lists the caller's sessions waiting for an account key share.
func (s *Server) AwaitingShare(ctx context.Context, _ *Empty) (*SessionList, error) {
	c, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	ids, err := s.ledger.AwaitingShare(ctx, c)
	if err != nil {
		return nil, s.toStatus("awaiting share", err)
	}
	return &SessionList{Sessions: ids}, nil
}

// --- Ledger ---

func (s *Server) LatestRoomKey(ctx context.Context, req *LatestRoomKeyRequest) (*model.RoomKeyRecord, error) {
	c, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := s.ledger.LatestRoomKey(ctx, c, req.RoomID, req.SessionID)
	if err != nil {
		return nil, s.toStatus("latest room key", err)
	}
	return rec, nil
}

func (s *Server) RecordRoomKey(ctx context.Context, req *RecordRoomKeyRequest) (*Empty, error) {
	c, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.ledger.RecordRoomKey(ctx, c, &req.Record); err != nil {
		return nil, s.toStatus("record room key", err)
	}
	return &Empty{}, nil
}

func (s *Server) RecordAccountKeyShare(ctx context.Context, req *RecordAccountKeyShareRequest) (*Empty, error) {
	c, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.ledger.RecordAccountKeyShare(ctx, c, req.Share); err != nil {
		return nil, s.toStatus("record account key share", err)
	}
	return &Empty{}, nil
}

func (s *Server) AccountKeyShare(ctx context.Context, _ *Empty) (*model.AccountKeyShare, error) {
	c, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	share, err := s.ledger.AccountKeyShare(ctx, c)
	if err != nil {
		return nil, s.toStatus("account key share", err)
	}
	return share, nil
}

func (s *Server) MarkDelivered(ctx context.Context, _ *Empty) (*Empty, error) {
	c, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.ledger.MarkDelivered(ctx, c); err != nil {
		return nil, s.toStatus("mark delivered", err)
	}
	return &Empty{}, nil
}

func (s *Server) PendingSessions(ctx context.Context, _ *Empty) (*SessionList, error) {
	c, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	ids, err := s.ledger.PendingSessions(ctx, c)
	if err != nil {
		return nil, s.toStatus("pending sessions", err)
	}
	return &SessionList{Sessions: ids}, nil
}

// --- Migration ---

func (s *Server) RequestMigration(ctx context.Context, req *RequestMigrationRequest) (*model.Migration, error) {
	c, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	m, err := s.migrations.Request(ctx, c, req.MigrateKey)
	if err != nil {
		return nil, s.toStatus("request migration", err)
	}
	return m, nil
}

func (s *Server) AcceptMigration(ctx context.Context, req *AcceptMigrationRequest) (*model.Migration, error) {
	c, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	m, err := s.migrations.Accept(ctx, c, req.ID, req.SignKey)
	if err != nil {
		return nil, s.toStatus("accept migration", err)
	}
	return m, nil
}

func (s *Server) SendMigrationData(ctx context.Context, req *SendMigrationDataRequest) (*model.Migration, error) {
	c, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	m, err := s.migrations.SendData(ctx, c, req.ID, req.Data)
	if err != nil {
		return nil, s.toStatus("send migration data", err)
	}
	return m, nil
}

func (s *Server) FetchMigration(ctx context.Context, req *MigrationIDRequest) (*model.Migration, error) {
	c, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	m, err := s.migrations.Fetch(ctx, c, req.ID)
	if err != nil {
		return nil, s.toStatus("fetch migration", err)
	}
	return m, nil
}

func (s *Server) CompleteMigration(ctx context.Context, req *MigrationIDRequest) (*Empty, error) {
	c, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.migrations.Complete(ctx, c, req.ID); err != nil {
		return nil, s.toStatus("complete migration", err)
	}
	return &Empty{}, nil
}

// --- Key directory ---

func (s *Server) PublishKey(ctx context.Context, req *PublishKeyRequest) (*model.KeyRecord, error) {
	c, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := s.keys.Publish(ctx, c, req.Kind, req.Body)
	if err != nil {
		return nil, s.toStatus("publish key", err)
	}
	return rec, nil
}

func (s *Server) GetKey(ctx context.Context, req *GetKeyRequest) (*model.KeyRecord, error) {
	if _, err := caller(ctx); err != nil {
		return nil, err
	}
	rec, err := s.keys.Get(ctx, req.Owner, req.Kind, req.Hash)
	if err != nil {
		return nil, s.toStatus("get key", err)
	}
	return rec, nil
}

func (s *Server) FindKeys(ctx context.Context, req *FindKeysRequest) (*KeyList, error) {
	if _, err := caller(ctx); err != nil {
		return nil, err
	}
	recs, err := s.keys.Find(ctx, req.Query, req.ValidAt)
	if err != nil {
		return nil, s.toStatus("find keys", err)
	}
	return &KeyList{Keys: recs}, nil
}
