// Package grpcserver exposes the PixelJobs gRPC API handlers.
package grpcserver

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/and161185/pixeljobs/internal/convert"
	"github.com/and161185/pixeljobs/internal/errs"
	"github.com/and161185/pixeljobs/internal/limiter"
	"github.com/and161185/pixeljobs/internal/model"
	"github.com/and161185/pixeljobs/internal/rpc"
	"github.com/and161185/pixeljobs/internal/service"
)

var _ rpc.PixelJobsServer = (*Server)(nil)

// Server wires services into gRPC handlers.
type Server struct {
	auth    service.AuthService
	jobs    service.JobService
	chat    service.ChatService
	limit   *limiter.Requests
	signKey []byte
	log     *zap.Logger
}

// New constructs a gRPC server with injected services. limit may be nil.
func New(
	auth service.AuthService, jobs service.JobService, chat service.ChatService,
	limit *limiter.Requests, signKey []byte, log *zap.Logger,
) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{auth: auth, jobs: jobs, chat: chat, limit: limit, signKey: signKey, log: log}
}

// MaxMsgSize returns the gRPC message limit needed to carry a blob of maxBlob
// bytes, accounting for base64 inside the JSON envelope.
func MaxMsgSize(maxBlob int64) int {
	return int(maxBlob/3*4) + 1<<20
}

// --- Auth ---

// Register creates a new user account.
func (s *Server) Register(ctx context.Context, req *rpc.RegisterRequest) (*rpc.RegisterResponse, error) {
	if req.Username == "" || req.Password == "" {
		return nil, status.Error(codes.InvalidArgument, "empty username/password")
	}
	userID, err := s.auth.Register(ctx, req.Username, req.Password)
	if err != nil {
		return nil, s.toStatus(ctx, "register", err)
	}
	return &rpc.RegisterResponse{UserID: userID}, nil
}

func remoteIP(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return ""
}

// Login authenticates a user and returns an access token.
func (s *Server) Login(ctx context.Context, req *rpc.LoginRequest) (*rpc.LoginResponse, error) {
	ip := remoteIP(ctx)
	tok, u, err := s.auth.LoginWithIP(ctx, req.Username, req.Password, ip)
	if err != nil {
		if errors.Is(err, errs.ErrUnauthorized) {
			return nil, status.Error(codes.Unauthenticated, "bad credentials")
		}
		if errors.Is(err, errs.ErrRateLimited) {
			return nil, status.Error(codes.ResourceExhausted, "rate limited")
		}
		return nil, s.toStatus(ctx, "login", err)
	}
	return &rpc.LoginResponse{
		AccessToken: tok.AccessToken,
		ExpiresAt:   tok.ExpiresAt.UTC(),
		UserID:      u.ID.String(),
	}, nil
}

// --- Blobs ---

// Upload stores an image for the caller.
func (s *Server) Upload(ctx context.Context, req *rpc.UploadRequest) (*rpc.UploadResponse, error) {
	userID, err := s.limited(ctx)
	if err != nil {
		return nil, err
	}
	if len(req.Data) == 0 {
		return nil, status.Error(codes.InvalidArgument, "empty data")
	}
	b, err := s.jobs.Upload(ctx, userID, req.Data, req.MediaType)
	if err != nil {
		return nil, s.toStatus(ctx, "upload", err)
	}
	return &rpc.UploadResponse{Blob: convert.ToWireBlob(*b)}, nil
}

// ListUploads returns metadata of the caller's uploaded images, newest first.
func (s *Server) ListUploads(ctx context.Context, _ *rpc.ListUploadsRequest) (*rpc.ListUploadsResponse, error) {
	userID, err := s.userID(ctx)
	if err != nil {
		return nil, err
	}
	bs, err := s.jobs.Uploads(ctx, userID)
	if err != nil {
		return nil, s.toStatus(ctx, "list uploads", err)
	}
	return &rpc.ListUploadsResponse{Blobs: convert.ToWireBlobs(bs)}, nil
}

// Download returns one of the caller's blobs with its bytes.
func (s *Server) Download(ctx context.Context, req *rpc.DownloadRequest) (*rpc.DownloadResponse, error) {
	userID, err := s.userID(ctx)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Ref) == "" {
		return nil, status.Error(codes.InvalidArgument, "empty ref")
	}
	b, err := s.jobs.Download(ctx, userID, model.BlobRef(req.Ref))
	if err != nil {
		return nil, s.toStatus(ctx, "download", err)
	}
	return &rpc.DownloadResponse{Blob: convert.ToWireBlob(*b), Data: b.Data}, nil
}

// --- Jobs ---

// ListTransforms lists the registered transformations.
func (s *Server) ListTransforms(ctx context.Context, _ *rpc.ListTransformsRequest) (*rpc.ListTransformsResponse, error) {
	if _, err := s.userID(ctx); err != nil {
		return nil, err
	}
	return &rpc.ListTransformsResponse{Transforms: convert.ToWireTransforms(s.jobs.Transforms())}, nil
}

// Enqueue creates a pending job; execution is asynchronous.
func (s *Server) Enqueue(ctx context.Context, req *rpc.EnqueueRequest) (*rpc.EnqueueResponse, error) {
	userID, err := s.limited(ctx)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Transform) == "" || strings.TrimSpace(req.InputRef) == "" {
		return nil, status.Error(codes.InvalidArgument, "transform and input_ref are required")
	}
	j, err := s.jobs.Enqueue(ctx, userID, req.Transform, model.BlobRef(req.InputRef), req.Params)
	if err != nil {
		return nil, s.toStatus(ctx, "enqueue", err)
	}
	return &rpc.EnqueueResponse{Job: convert.ToWireJob(*j)}, nil
}

// GetJob returns a single job by id.
func (s *Server) GetJob(ctx context.Context, req *rpc.GetJobRequest) (*rpc.GetJobResponse, error) {
	userID, err := s.userID(ctx)
	if err != nil {
		return nil, err
	}
	jobID, err := convert.ParseID(req.JobID)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "bad id")
	}
	j, err := s.jobs.Get(ctx, userID, jobID)
	if err != nil {
		return nil, s.toStatus(ctx, "get job", err)
	}
	return &rpc.GetJobResponse{Job: convert.ToWireJob(*j)}, nil
}

// ListJobs returns the caller's jobs, newest first.
func (s *Server) ListJobs(ctx context.Context, _ *rpc.ListJobsRequest) (*rpc.ListJobsResponse, error) {
	userID, err := s.userID(ctx)
	if err != nil {
		return nil, err
	}
	js, err := s.jobs.List(ctx, userID)
	if err != nil {
		return nil, s.toStatus(ctx, "list jobs", err)
	}
	return &rpc.ListJobsResponse{Jobs: convert.ToWireJobs(js)}, nil
}

// --- Chat ---

// Chat relays a message to the assistant.
func (s *Server) Chat(ctx context.Context, req *rpc.ChatRequest) (*rpc.ChatResponse, error) {
	userID, err := s.limited(ctx)
	if err != nil {
		return nil, err
	}
	reply, err := s.chat.Chat(ctx, userID, req.Message)
	if err != nil {
		return nil, s.toStatus(ctx, "chat", err)
	}
	return &rpc.ChatResponse{Reply: reply}, nil
}

// --- helpers ---

// userID prefers the id placed by AuthUnary and falls back to parsing the token.
func (s *Server) userID(ctx context.Context) (uuid.UUID, error) {
	if id, ok := UserIDFromCtx(ctx); ok {
		return id, nil
	}
	id, err := s.userIDFromCtx(ctx)
	if err != nil {
		return uuid.Nil, status.Error(codes.Unauthenticated, "no auth")
	}
	return id, nil
}

// limited authenticates the caller and spends one request token.
func (s *Server) limited(ctx context.Context) (uuid.UUID, error) {
	id, err := s.userID(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	if !s.limit.Allow(id) {
		return uuid.Nil, status.Error(codes.ResourceExhausted, "rate limited")
	}
	return id, nil
}

type temporary interface{ Temporary() bool }

// toStatus maps service errors onto gRPC codes. Unmapped errors are logged and
// reported as Internal without their text.
func (s *Server) toStatus(ctx context.Context, op string, err error) error {
	var tmp temporary
	switch {
	case errors.Is(err, errs.ErrValidation), errors.Is(err, errs.ErrUnknownTransform):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, errs.ErrNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, errs.ErrQuotaExceeded),
		errors.Is(err, errs.ErrPayloadTooLarge),
		errors.Is(err, errs.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, errs.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, "unauthorized")
	case errors.Is(err, errs.ErrAlreadyExists):
		return status.Error(codes.AlreadyExists, "already exists")
	case errors.Is(err, errs.ErrNotConfigured):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, op+": canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, op+": deadline exceeded")
	case errors.As(err, &tmp) && tmp.Temporary():
		return status.Error(codes.Unavailable, op+": upstream unavailable")
	}
	s.log.Error("rpc failed", zap.String("op", op), zap.String("peer", remoteIP(ctx)), zap.Error(err))
	return status.Error(codes.Internal, op+": internal error")
}

// userIDFromCtx: extract "authorization: Bearer <JWT>", verify HS256, return sub as UUID.
func (s *Server) userIDFromCtx(ctx context.Context) (uuid.UUID, error) {
	tok, err := bearerTokenFromMD(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	return parseToken(tok, s.signKey)
}

func parseToken(tok string, key []byte) (uuid.UUID, error) {
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return key, nil
	})
	if err != nil || !parsed.Valid {
		return uuid.Nil, errors.New("invalid token")
	}

	v := jwt.NewValidator(jwt.WithLeeway(30 * time.Second))
	if err := v.Validate(&claims); err != nil {
		return uuid.Nil, errors.New("token expired or not valid yet")
	}

	id, err := uuid.FromString(claims.Subject)
	if err != nil {
		return uuid.Nil, errors.New("bad subject")
	}
	return id, nil
}

func bearerTokenFromMD(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("no metadata")
	}
	for _, v := range md.Get("authorization") {
		v = strings.TrimSpace(v)
		if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
			t := strings.TrimSpace(v[7:])
			if t != "" {
				return t, nil
			}
		}
	}
	return "", errors.New("no bearer token")
}
