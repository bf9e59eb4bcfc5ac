package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/and161185/pixeljobs/internal/rpc"
)

// ------- flag helpers -------

// paramsFlag collects repeated -p key=value pairs.
type paramsFlag map[string]string

func (p paramsFlag) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+p[k])
	}
	return strings.Join(parts, ",")
}

func (p paramsFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	k = strings.TrimSpace(k)
	if !ok || k == "" {
		return fmt.Errorf("want key=value, got %q", s)
	}
	p[k] = v
	return nil
}

func newFlags(name string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}

// mediaTypeFor returns the declared type, or a guess from the file extension.
// Empty means the server sniffs the content.
func mediaTypeFor(path, declared string) string {
	if declared != "" {
		return declared
	}
	mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return strings.TrimSpace(mt)
}

var knownExt = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/bmp":  ".bmp",
	"image/tiff": ".tif",
	"image/webp": ".webp",
}

func extFor(mediaType string) string {
	if e, ok := knownExt[mediaType]; ok {
		return e
	}
	if es, _ := mime.ExtensionsByType(mediaType); len(es) > 0 {
		return es[0]
	}
	return ".bin"
}

// outputPath picks where a downloaded blob goes: out itself, a file inside the
// directory out, or ref plus extension in the working directory.
func outputPath(out, ref, mediaType string) string {
	name := ref + extFor(mediaType)
	if out == "" {
		return name
	}
	if st, err := os.Stat(out); err == nil && st.IsDir() {
		return filepath.Join(out, name)
	}
	return out
}

func finished(j rpc.Job) bool { return j.State == "done" || j.State == "failed" }

// waitJob polls until the job reaches a terminal state or ctx ends.
func waitJob(ctx context.Context, cl *rpc.Client, id string, every time.Duration) (rpc.Job, error) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		r, err := cl.GetJob(ctx, &rpc.GetJobRequest{JobID: id})
		if err != nil {
			return rpc.Job{}, err
		}
		if finished(r.Job) {
			return r.Job, nil
		}
		select {
		case <-ctx.Done():
			return r.Job, ctx.Err()
		case <-t.C:
		}
	}
}

var pollEvery = 500 * time.Millisecond

// ------- commands -------

// cmdRegister creates an account and prints its id.
func cmdRegister(ctx context.Context, cl *rpc.Client, args []string, out io.Writer) error {
	fs := newFlags("register", out)
	u := fs.String("u", "", "username")
	p := fs.String("p", "", "password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *u == "" || *p == "" {
		return errors.New("need -u and -p")
	}
	resp, err := cl.Register(ctx, &rpc.RegisterRequest{Username: *u, Password: *p})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, resp.UserID)
	return err
}

// cmdLogin authenticates and stores the access token.
func cmdLogin(ctx context.Context, cl *rpc.Client, args []string, out io.Writer) error {
	fs := newFlags("login", out)
	u := fs.String("u", "", "username")
	p := fs.String("p", "", "password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *u == "" || *p == "" {
		return errors.New("need -u and -p")
	}
	resp, err := cl.Login(ctx, &rpc.LoginRequest{Username: *u, Password: *p})
	if err != nil {
		return err
	}
	exp := resp.ExpiresAt
	if exp.IsZero() {
		exp = time.Now().Add(15 * time.Minute)
	}
	if err := saveToken(tokenFile{AccessToken: resp.AccessToken, ExpiresAt: exp, UserID: resp.UserID}); err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, "ok")
	return err
}

// cmdTransforms lists available transforms with their parameters.
func cmdTransforms(ctx context.Context, cl *rpc.Client, _ []string, out io.Writer) error {
	resp, err := cl.ListTransforms(ctx, &rpc.ListTransformsRequest{})
	if err != nil {
		return err
	}
	return printJSON(out, resp.Transforms)
}

// cmdUpload stores a file and prints its blob metadata.
func cmdUpload(ctx context.Context, cl *rpc.Client, args []string, out io.Writer) error {
	fs := newFlags("upload", out)
	file := fs.String("file", "", "image file or - for stdin")
	typ := fs.String("type", "", "media type (guessed from extension)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return errors.New("need -file")
	}
	data, err := readAll(*file)
	if err != nil {
		return err
	}
	resp, err := cl.Upload(ctx, &rpc.UploadRequest{Data: data, MediaType: mediaTypeFor(*file, *typ)})
	if err != nil {
		return err
	}
	return printJSON(out, resp.Blob)
}

// cmdUploads prints the caller's uploads, newest first.
func cmdUploads(ctx context.Context, cl *rpc.Client, _ []string, out io.Writer) error {
	resp, err := cl.ListUploads(ctx, &rpc.ListUploadsRequest{})
	if err != nil {
		return err
	}
	type row struct{ Ref, MediaType, Size, Uploaded string }
	rows := make([]row, 0, len(resp.Blobs))
	for _, b := range resp.Blobs {
		rows = append(rows, row{
			Ref:       b.Ref,
			MediaType: b.MediaType,
			Size:      fmt.Sprint(b.Size),
			Uploaded:  b.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return printJSON(out, rows)
}

// cmdEnqueue submits a job; with -wait it blocks until the job finishes.
func cmdEnqueue(ctx context.Context, cl *rpc.Client, args []string, out io.Writer) error {
	fs := newFlags("enqueue", out)
	name := fs.String("t", "", "transform name")
	in := fs.String("in", "", "input blob ref")
	params := paramsFlag{}
	fs.Var(params, "p", "transform parameter key=value (repeatable)")
	wait := fs.Bool("wait", false, "wait for a terminal state")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" || *in == "" {
		return errors.New("need -t and -in")
	}
	resp, err := cl.Enqueue(ctx, &rpc.EnqueueRequest{Transform: *name, InputRef: *in, Params: params})
	if err != nil {
		return err
	}
	job := resp.Job
	if *wait {
		if job, err = waitJob(ctx, cl, job.ID, pollEvery); err != nil {
			return err
		}
	}
	return printJSON(out, job)
}

// cmdJob shows one job.
func cmdJob(ctx context.Context, cl *rpc.Client, args []string, out io.Writer) error {
	fs := newFlags("job", out)
	id := fs.String("id", "", "job id")
	wait := fs.Bool("wait", false, "wait for a terminal state")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("need -id")
	}
	if *wait {
		job, err := waitJob(ctx, cl, *id, pollEvery)
		if err != nil {
			return err
		}
		return printJSON(out, job)
	}
	resp, err := cl.GetJob(ctx, &rpc.GetJobRequest{JobID: *id})
	if err != nil {
		return err
	}
	return printJSON(out, resp.Job)
}

// cmdJobs prints a short table of the caller's jobs, newest first.
func cmdJobs(ctx context.Context, cl *rpc.Client, _ []string, out io.Writer) error {
	resp, err := cl.ListJobs(ctx, &rpc.ListJobsRequest{})
	if err != nil {
		return err
	}
	type row struct{ ID, Transform, State, Attempts, Created, Output, Error string }
	rows := make([]row, 0, len(resp.Jobs))
	for _, j := range resp.Jobs {
		r := row{
			ID:        j.ID,
			Transform: j.Transform,
			State:     j.State,
			Attempts:  fmt.Sprint(j.Attempts),
			Created:   j.CreatedAt.UTC().Format(time.RFC3339),
			Output:    j.OutputRef,
		}
		if j.Error != nil {
			r.Error = j.Error.Code + ": " + j.Error.Message
		}
		rows = append(rows, r)
	}
	return printJSON(out, rows)
}

// cmdDownload writes a blob to disk or stdout.
func cmdDownload(ctx context.Context, cl *rpc.Client, args []string, out io.Writer) error {
	fs := newFlags("download", out)
	ref := fs.String("ref", "", "blob ref")
	dst := fs.String("out", "", "output file, directory, or - for stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *ref == "" {
		return errors.New("need -ref")
	}
	resp, err := cl.Download(ctx, &rpc.DownloadRequest{Ref: *ref})
	if err != nil {
		return err
	}
	if *dst == "-" {
		_, err = out.Write(resp.Data)
		return err
	}
	path := outputPath(*dst, *ref, resp.Blob.MediaType)
	if err := os.WriteFile(path, resp.Data, 0o600); err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "saved %s (%s, %d bytes)\n", path, resp.Blob.MediaType, len(resp.Data))
	return err
}

// cmdChat sends one message to the assistant.
func cmdChat(ctx context.Context, cl *rpc.Client, args []string, out io.Writer) error {
	fs := newFlags("chat", out)
	msg := fs.String("m", "", "message")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*msg) == "" {
		return errors.New("need -m")
	}
	resp, err := cl.Chat(ctx, &rpc.ChatRequest{Message: *msg})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, resp.Reply)
	return err
}
