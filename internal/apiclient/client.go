// Implements the report backend HTTP client.

// Package apiclient talks to the report backend: it starts generation jobs,
// returns their NDJSON bodies, and fetches and edits stored reports.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/medscribe/medscribe/internal/ndjson"
	"github.com/medscribe/medscribe/internal/reports"
	"github.com/medscribe/medscribe/internal/server/dto"
)

// DefaultTimeout bounds the wait for a generation response to start.
const DefaultTimeout = 5 * time.Minute

// ErrUnauthorized is returned when the backend rejects the token.
var ErrUnauthorized = errors.New("unauthorized")

// StatusError is a non-2xx response other than 401.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("backend returned %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Client is a report backend client.
type Client struct {
	BaseURL string
	Token   string
	// HTTP defaults to http.DefaultClient. Its Timeout must be zero for
	// streaming calls to outlive it.
	HTTP *http.Client
	// Timeout bounds the wait for response headers of a streaming call.
	// Zero means DefaultTimeout.
	Timeout time.Duration
}

// New returns a Client for baseURL.
func New(baseURL, token string) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), Token: token}
}

// GenerateRequest starts a report generation job.
type GenerateRequest struct {
	Metadata dto.GenerateMetadata
	Audio    io.Reader
	// Filename is the name sent with the audio part.
	Filename string
}

// Generate uploads a recording and returns the NDJSON body of the job.
// Closing the body releases the request.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (io.ReadCloser, error) {
	meta, err := json.Marshal(req.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	filename := req.Filename
	if filename == "" {
		filename = "recording"
	}
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeUpload(mw, meta, filename, req.Audio))
	}()
	body, err := c.stream(ctx, http.MethodPost, "/report/generate", mw.FormDataContentType(), pr)
	if err != nil {
		// Unblocks the writer when the upload was not fully read.
		_ = pr.Close()
	}
	return body, err
}

func writeUpload(mw *multipart.Writer, meta []byte, filename string, audio io.Reader) error {
	if err := mw.WriteField("metadata", string(meta)); err != nil {
		return err
	}
	fw, err := mw.CreateFormFile("audio", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, audio); err != nil {
		return fmt.Errorf("failed to upload recording: %w", err)
	}
	return mw.Close()
}

// Regenerate rewrites sections of an existing report and returns the NDJSON
// body of the job. The stream carries no identity message.
func (c *Client) Regenerate(ctx context.Context, req *dto.RegenerateRequest) (io.ReadCloser, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}
	return c.stream(ctx, http.MethodPatch, "/report/regenerate", "application/json", bytes.NewReader(data))
}

// GetReport fetches a stored report.
func (c *Client) GetReport(ctx context.Context, id string) (*reports.Report, error) {
	var r reports.Report
	if err := c.do(ctx, http.MethodPost, "/report/get", &dto.GetReportRequest{ReportID: id}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListReports returns the caller's reports, newest first. limit <= 0 returns
// all of them.
func (c *Client) ListReports(ctx context.Context, limit int) ([]*reports.Report, error) {
	path := "/report/list"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp dto.ListReportsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Reports, nil
}

// GetTranscript returns the transcript a report was generated from.
func (c *Client) GetTranscript(ctx context.Context, id string) (string, error) {
	var resp dto.TranscriptResponse
	if err := c.do(ctx, http.MethodPost, "/report/getTranscript", &dto.GetTranscriptRequest{ReportID: id}, &resp); err != nil {
		return "", err
	}
	return resp.Transcript, nil
}

// ChangeName renames the patient of a report.
func (c *Client) ChangeName(ctx context.Context, id, name string) error {
	return c.do(ctx, http.MethodPatch, "/report/changeName", &dto.ChangeNameRequest{ReportID: id, NewName: name}, nil)
}

// UpdateContentSection replaces the text of one content section.
func (c *Client) UpdateContentSection(ctx context.Context, id, section, data string) error {
	req := &dto.UpdateContentSectionRequest{ReportID: id, ContentSection: section, Content: data}
	return c.do(ctx, http.MethodPatch, "/report/updateContentSection", req, nil)
}

// Delete removes reports and returns how many the backend deleted.
func (c *Client) Delete(ctx context.Context, ids ...string) (int, error) {
	var resp dto.DeleteReportsResponse
	if err := c.do(ctx, http.MethodDelete, "/report/delete", &dto.DeleteReportsRequest{ReportIDs: ids}, &resp); err != nil {
		return 0, err
	}
	return resp.Deleted, nil
}

// do performs a JSON request and decodes the response into out, if non-nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, "application/json", body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", path, err)
	}
	return nil
}

// stream starts a streaming call. The timeout only covers the wait for the
// response headers; the body may take as long as the job does.
func (c *Client) stream(ctx context.Context, method, path, contentType string, body io.Reader) (io.ReadCloser, error) {
	ctx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(c.timeout(), cancel)
	req, err := c.newRequest(ctx, method, path, contentType, body)
	if err != nil {
		timer.Stop()
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", ndjson.ContentType)
	resp, err := c.httpClient().Do(req)
	expired := !timer.Stop()
	if err == nil && expired {
		_ = resp.Body.Close()
	}
	if expired {
		cancel()
		return nil, fmt.Errorf("no response from %s within %s: %w", path, c.timeout(), context.DeadlineExceeded)
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		_ = resp.Body.Close()
		cancel()
		return nil, err
	}
	return &cancelBody{ReadCloser: resp.Body, cancel: cancel}, nil
}

func (c *Client) newRequest(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return req, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// checkStatus converts an error response into an error.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.Error.Message == "" {
		return &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	return &StatusError{StatusCode: resp.StatusCode, Code: body.Error.Code, Message: body.Error.Message}
}

// cancelBody releases the request context when the body is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
