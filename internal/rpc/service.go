package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "pixeljobs.v1.PixelJobs"

// PixelJobsServer is implemented by the gRPC handlers.
type PixelJobsServer interface {
	Register(context.Context, *RegisterRequest) (*RegisterResponse, error)
	Login(context.Context, *LoginRequest) (*LoginResponse, error)
	Upload(context.Context, *UploadRequest) (*UploadResponse, error)
	ListUploads(context.Context, *ListUploadsRequest) (*ListUploadsResponse, error)
	Download(context.Context, *DownloadRequest) (*DownloadResponse, error)
	ListTransforms(context.Context, *ListTransformsRequest) (*ListTransformsResponse, error)
	Enqueue(context.Context, *EnqueueRequest) (*EnqueueResponse, error)
	GetJob(context.Context, *GetJobRequest) (*GetJobResponse, error)
	ListJobs(context.Context, *ListJobsRequest) (*ListJobsResponse, error)
	Chat(context.Context, *ChatRequest) (*ChatResponse, error)
}

// FullMethod returns the "/service/method" path of a method.
func FullMethod(method string) string { return "/" + ServiceName + "/" + method }

func unary[Req, Resp any](name string, call func(PixelJobsServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, ic grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if ic == nil {
				return call(srv.(PixelJobsServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			h := func(ctx context.Context, req any) (any, error) {
				return call(srv.(PixelJobsServer), ctx, req.(*Req))
			}
			return ic(ctx, in, info, h)
		},
	}
}

// ServiceDesc is the descriptor registered with grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PixelJobsServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Register", PixelJobsServer.Register),
		unary("Login", PixelJobsServer.Login),
		unary("Upload", PixelJobsServer.Upload),
		unary("ListUploads", PixelJobsServer.ListUploads),
		unary("Download", PixelJobsServer.Download),
		unary("ListTransforms", PixelJobsServer.ListTransforms),
		unary("Enqueue", PixelJobsServer.Enqueue),
		unary("GetJob", PixelJobsServer.GetJob),
		unary("ListJobs", PixelJobsServer.ListJobs),
		unary("Chat", PixelJobsServer.Chat),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pixeljobs/v1/pixeljobs.proto",
}

// RegisterPixelJobsServer registers srv on s.
func RegisterPixelJobsServer(s grpc.ServiceRegistrar, srv PixelJobsServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client is a typed client for the PixelJobs service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a connection.
func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

func (c *Client) invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, FullMethod(method), in, out, opts...)
}

func (c *Client) Register(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error) {
	out := new(RegisterResponse)
	if err := c.invoke(ctx, "Register", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Login(ctx context.Context, in *LoginRequest, opts ...grpc.CallOption) (*LoginResponse, error) {
	out := new(LoginResponse)
	if err := c.invoke(ctx, "Login", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Upload(ctx context.Context, in *UploadRequest, opts ...grpc.CallOption) (*UploadResponse, error) {
	out := new(UploadResponse)
	if err := c.invoke(ctx, "Upload", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListUploads(ctx context.Context, in *ListUploadsRequest, opts ...grpc.CallOption) (*ListUploadsResponse, error) {
	out := new(ListUploadsResponse)
	if err := c.invoke(ctx, "ListUploads", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Download(ctx context.Context, in *DownloadRequest, opts ...grpc.CallOption) (*DownloadResponse, error) {
	out := new(DownloadResponse)
	if err := c.invoke(ctx, "Download", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListTransforms(ctx context.Context, in *ListTransformsRequest, opts ...grpc.CallOption) (*ListTransformsResponse, error) {
	out := new(ListTransformsResponse)
	if err := c.invoke(ctx, "ListTransforms", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Enqueue(ctx context.Context, in *EnqueueRequest, opts ...grpc.CallOption) (*EnqueueResponse, error) {
	out := new(EnqueueResponse)
	if err := c.invoke(ctx, "Enqueue", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetJob(ctx context.Context, in *GetJobRequest, opts ...grpc.CallOption) (*GetJobResponse, error) {
	out := new(GetJobResponse)
	if err := c.invoke(ctx, "GetJob", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListJobs(ctx context.Context, in *ListJobsRequest, opts ...grpc.CallOption) (*ListJobsResponse, error) {
	out := new(ListJobsResponse)
	if err := c.invoke(ctx, "ListJobs", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Chat(ctx context.Context, in *ChatRequest, opts ...grpc.CallOption) (*ChatResponse, error) {
	out := new(ChatResponse)
	if err := c.invoke(ctx, "Chat", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
