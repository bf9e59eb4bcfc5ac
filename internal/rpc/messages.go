package rpc

import "time"

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RegisterResponse struct {
	UserID string `json:"user_id"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	UserID      string    `json:"user_id"`
}

// Blob is blob metadata as seen by the owner.
type Blob struct {
	Ref       string    `json:"ref"`
	MediaType string    `json:"media_type"`
	Size      int64     `json:"size"`
	SHA256    string    `json:"sha256"`
	CreatedAt time.Time `json:"created_at"`
}

type UploadRequest struct {
	Data      []byte `json:"data"`
	MediaType string `json:"media_type,omitempty"` // sniffed when empty
}

type UploadResponse struct {
	Blob Blob `json:"blob"`
}

type ListUploadsRequest struct{}

type ListUploadsResponse struct {
	Blobs []Blob `json:"blobs"`
}

type DownloadRequest struct {
	Ref string `json:"ref"`
}

type DownloadResponse struct {
	Blob Blob   `json:"blob"`
	Data []byte `json:"data"`
}

// TransformParam describes one parameter of a transform.
type TransformParam struct {
	Name     string   `json:"name"`
	Required bool     `json:"required"`
	Allowed  []string `json:"allowed,omitempty"`
	Default  string   `json:"default,omitempty"`
}

// Transform describes a registered transformation.
type Transform struct {
	Name       string           `json:"name"`
	Accepts    []string         `json:"accepts"`
	Params     []TransformParam `json:"params"`
	Concurrent bool             `json:"concurrent"`
}

type ListTransformsRequest struct{}

type ListTransformsResponse struct {
	Transforms []Transform `json:"transforms"`
}

type EnqueueRequest struct {
	Transform string            `json:"transform"`
	InputRef  string            `json:"input_ref"`
	Params    map[string]string `json:"params,omitempty"`
}

type EnqueueResponse struct {
	Job Job `json:"job"`
}

// JobError is the recorded reason of a failed job.
type JobError struct {
	Category string `json:"category"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// Job is the client view of a job record.
type Job struct {
	ID         string            `json:"id"`
	Transform  string            `json:"transform"`
	Params     map[string]string `json:"params,omitempty"`
	InputRef   string            `json:"input_ref"`
	OutputRef  string            `json:"output_ref,omitempty"`
	State      string            `json:"state"`
	Attempts   int               `json:"attempts"`
	CreatedAt  time.Time         `json:"created_at"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	NotBefore  *time.Time        `json:"not_before,omitempty"`
	Error      *JobError         `json:"error,omitempty"`
}

type GetJobRequest struct {
	JobID string `json:"job_id"`
}

type GetJobResponse struct {
	Job Job `json:"job"`
}

type ListJobsRequest struct{}

type ListJobsResponse struct {
	Jobs []Job `json:"jobs"`
}

type ChatRequest struct {
	Message string `json:"message"`
}

type ChatResponse struct {
	Reply string `json:"reply"`
}
