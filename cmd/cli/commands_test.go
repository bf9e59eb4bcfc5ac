package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/and161185/pixeljobs/internal/rpc"
)

type fakeServer struct {
	mu       sync.Mutex
	enqueued *rpc.EnqueueRequest
	polls    int
	upload   *rpc.UploadRequest
}

func (f *fakeServer) Register(_ context.Context, r *rpc.RegisterRequest) (*rpc.RegisterResponse, error) {
	return &rpc.RegisterResponse{UserID: "u-" + r.Username}, nil
}

func (f *fakeServer) Login(_ context.Context, r *rpc.LoginRequest) (*rpc.LoginResponse, error) {
	if r.Password != "pw" {
		return nil, status.Error(codes.Unauthenticated, "bad credentials")
	}
	return &rpc.LoginResponse{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour), UserID: "u-1"}, nil
}

func (f *fakeServer) Upload(_ context.Context, r *rpc.UploadRequest) (*rpc.UploadResponse, error) {
	f.mu.Lock()
	f.upload = r
	f.mu.Unlock()
	return &rpc.UploadResponse{Blob: rpc.Blob{Ref: "b1", MediaType: r.MediaType, Size: int64(len(r.Data))}}, nil
}

func (f *fakeServer) ListUploads(context.Context, *rpc.ListUploadsRequest) (*rpc.ListUploadsResponse, error) {
	return &rpc.ListUploadsResponse{Blobs: []rpc.Blob{
		{Ref: "b2", MediaType: "image/png", Size: 7, CreatedAt: time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)},
		{Ref: "b1", MediaType: "image/jpeg", Size: 3, CreatedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
	}}, nil
}

func (f *fakeServer) Download(_ context.Context, r *rpc.DownloadRequest) (*rpc.DownloadResponse, error) {
	if r.Ref != "out1" {
		return nil, status.Error(codes.NotFound, "not found")
	}
	return &rpc.DownloadResponse{Blob: rpc.Blob{Ref: "out1", MediaType: "image/png"}, Data: []byte("PNGDATA")}, nil
}

func (f *fakeServer) ListTransforms(context.Context, *rpc.ListTransformsRequest) (*rpc.ListTransformsResponse, error) {
	return &rpc.ListTransformsResponse{Transforms: []rpc.Transform{{Name: "convert"}, {Name: "watermark"}}}, nil
}

func (f *fakeServer) Enqueue(_ context.Context, r *rpc.EnqueueRequest) (*rpc.EnqueueResponse, error) {
	f.mu.Lock()
	f.enqueued = r
	f.mu.Unlock()
	return &rpc.EnqueueResponse{Job: rpc.Job{ID: "j1", Transform: r.Transform, State: "pending"}}, nil
}

func (f *fakeServer) GetJob(_ context.Context, r *rpc.GetJobRequest) (*rpc.GetJobResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	j := rpc.Job{ID: r.JobID, State: "running", Attempts: 1}
	if f.polls >= 3 {
		j.State, j.OutputRef = "done", "out1"
	}
	return &rpc.GetJobResponse{Job: j}, nil
}

func (f *fakeServer) ListJobs(context.Context, *rpc.ListJobsRequest) (*rpc.ListJobsResponse, error) {
	return &rpc.ListJobsResponse{Jobs: []rpc.Job{
		{ID: "j2", Transform: "watermark", State: "failed", Error: &rpc.JobError{Code: "transform", Message: "bad image"}},
		{ID: "j1", Transform: "convert", State: "done", OutputRef: "out1"},
	}}, nil
}

func (f *fakeServer) Chat(_ context.Context, r *rpc.ChatRequest) (*rpc.ChatResponse, error) {
	return &rpc.ChatResponse{Reply: "re: " + r.Message}, nil
}

func startFake(t *testing.T) (*fakeServer, *rpc.Client) {
	t.Helper()
	fake := &fakeServer{}
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	rpc.RegisterPixelJobsServer(gs, fake)
	go func() { _ = gs.Serve(lis) }()

	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	//nolint:staticcheck // DialContext is supported through 1.x; migrate when grpc.NewClient is stable
	cc, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = cc.Close(); gs.Stop(); _ = lis.Close() })
	return fake, rpc.NewClient(cc)
}

func Test_paramsFlag(t *testing.T) {
	t.Parallel()

	p := paramsFlag{}
	if err := p.Set("format=png"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := p.Set("text=a=b"); err != nil {
		t.Fatalf("Set with '=' in value: %v", err)
	}
	if p["text"] != "a=b" {
		t.Fatalf("value must keep everything after the first '=': %q", p["text"])
	}
	if err := p.Set("novalue"); err == nil {
		t.Fatalf("want error without '='")
	}
	if err := p.Set("=x"); err == nil {
		t.Fatalf("want error on empty key")
	}
	if got := p.String(); got != "format=png,text=a=b" {
		t.Fatalf("String: %q", got)
	}
}

func Test_mediaTypeFor_And_outputPath(t *testing.T) {
	t.Parallel()

	if got := mediaTypeFor("x.PNG", ""); got != "image/png" {
		t.Fatalf("mediaTypeFor png: %q", got)
	}
	if got := mediaTypeFor("x.png", "image/gif"); got != "image/gif" {
		t.Fatalf("declared type must win: %q", got)
	}
	if got := mediaTypeFor("-", ""); got != "" {
		t.Fatalf("stdin has no type: %q", got)
	}

	if got := outputPath("", "r1", "image/jpeg"); got != "r1.jpg" {
		t.Fatalf("default name: %q", got)
	}
	dir := t.TempDir()
	if got := outputPath(dir, "r1", "image/png"); got != filepath.Join(dir, "r1.png") {
		t.Fatalf("dir target: %q", got)
	}
	if got := outputPath(filepath.Join(dir, "a.out"), "r1", "image/png"); got != filepath.Join(dir, "a.out") {
		t.Fatalf("file target: %q", got)
	}
}

func Test_cmdEnqueue_WaitsForDone(t *testing.T) {
	fake, cl := startFake(t)
	old := pollEvery
	pollEvery = time.Millisecond
	t.Cleanup(func() { pollEvery = old })

	var out bytes.Buffer
	err := cmdEnqueue(context.Background(), cl,
		[]string{"-t", "convert", "-in", "b1", "-p", "format=png", "-p", "quality=80", "-wait"}, &out)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if fake.enqueued == nil || fake.enqueued.Params["format"] != "png" || fake.enqueued.Params["quality"] != "80" {
		t.Fatalf("params not sent: %+v", fake.enqueued)
	}
	var j rpc.Job
	if err := json.Unmarshal(out.Bytes(), &j); err != nil {
		t.Fatalf("output is not a job: %v\n%s", err, out.String())
	}
	if j.State != "done" || j.OutputRef != "out1" {
		t.Fatalf("want done job, got %+v", j)
	}

	if err := cmdEnqueue(context.Background(), cl, []string{"-t", "convert"}, &out); err == nil {
		t.Fatalf("want error without -in")
	}
}

func Test_cmdUpload_And_Download(t *testing.T) {
	t.Parallel()
	fake, cl := startFake(t)
	dir := t.TempDir()

	src := filepath.Join(dir, "cat.jpg")
	_ = os.WriteFile(src, []byte{0xff, 0xd8, 0xff}, 0o600)
	var out bytes.Buffer
	if err := cmdUpload(context.Background(), cl, []string{"-file", src}, &out); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if fake.upload == nil || fake.upload.MediaType != "image/jpeg" || len(fake.upload.Data) != 3 {
		t.Fatalf("upload request mismatch: %+v", fake.upload)
	}
	if !strings.Contains(out.String(), `"ref": "b1"`) {
		t.Fatalf("upload output: %s", out.String())
	}

	out.Reset()
	if err := cmdDownload(context.Background(), cl, []string{"-ref", "out1", "-out", dir}, &out); err != nil {
		t.Fatalf("download: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "out1.png"))
	if err != nil || string(got) != "PNGDATA" {
		t.Fatalf("downloaded file: %q %v", got, err)
	}

	out.Reset()
	if err := cmdDownload(context.Background(), cl, []string{"-ref", "out1", "-out", "-"}, &out); err != nil {
		t.Fatalf("download to stdout: %v", err)
	}
	if out.String() != "PNGDATA" {
		t.Fatalf("stdout download: %q", out.String())
	}

	err = cmdDownload(context.Background(), cl, []string{"-ref", "other"}, &out)
	if status.Code(err) != codes.NotFound {
		t.Fatalf("want NotFound, got %v", err)
	}
}

func Test_cmdLogin_SavesToken(t *testing.T) {
	_ = withTmpConfig(t)
	_, cl := startFake(t)

	var out bytes.Buffer
	err := cmdLogin(context.Background(), cl, []string{"-u", "a", "-p", "bad"}, &out)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("want Unauthenticated, got %v", err)
	}
	if err := cmdLogin(context.Background(), cl, []string{"-u", "a", "-p", "pw"}, &out); err != nil {
		t.Fatalf("login: %v", err)
	}
	tok, err := loadToken()
	if err != nil || tok != "tok" {
		t.Fatalf("token not saved: %q %v", tok, err)
	}
}

func Test_cmdJobs_Transforms_Chat_Register(t *testing.T) {
	t.Parallel()
	_, cl := startFake(t)
	ctx := context.Background()

	var out bytes.Buffer
	if err := cmdJobs(ctx, cl, nil, &out); err != nil {
		t.Fatalf("jobs: %v", err)
	}
	if !strings.Contains(out.String(), "transform: bad image") || !strings.Contains(out.String(), `"Output": "out1"`) {
		t.Fatalf("jobs output: %s", out.String())
	}

	out.Reset()
	if err := cmdUploads(ctx, cl, nil, &out); err != nil {
		t.Fatalf("uploads: %v", err)
	}
	var ups []map[string]string
	if err := json.Unmarshal(out.Bytes(), &ups); err != nil || len(ups) != 2 {
		t.Fatalf("uploads output: %v %s", err, out.String())
	}
	if ups[0]["Ref"] != "b2" || ups[1]["Size"] != "3" || ups[1]["Uploaded"] != "2024-05-01T10:00:00Z" {
		t.Fatalf("uploads rows: %+v", ups)
	}

	out.Reset()
	if err := cmdTransforms(ctx, cl, nil, &out); err != nil || !strings.Contains(out.String(), "watermark") {
		t.Fatalf("transforms: %v %s", err, out.String())
	}

	out.Reset()
	if err := cmdChat(ctx, cl, []string{"-m", "hello"}, &out); err != nil || out.String() != "re: hello\n" {
		t.Fatalf("chat: %v %q", err, out.String())
	}
	if err := cmdChat(ctx, cl, nil, &out); err == nil {
		t.Fatalf("want error without -m")
	}

	out.Reset()
	if err := cmdRegister(ctx, cl, []string{"-u", "bob", "-p", "x"}, &out); err != nil || out.String() != "u-bob\n" {
		t.Fatalf("register: %v %q", err, out.String())
	}
}
