package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/loqalabs/loqa-annotate/internal/protocol"
)

const maxResponseBytes = 1 << 20

// Client talks to the annotation service's three upload endpoints. Every
// failure is returned as a *SubmissionError.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient uses http.DefaultClient when httpClient is nil.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// UploadReply is a decoded upload response with the HTTP status it came with.
type UploadReply struct {
	protocol.UploadResponse
	StatusCode int
}

// TranscriptionReply is a decoded transcription response with its HTTP status.
type TranscriptionReply struct {
	protocol.TranscriptionResponse
	StatusCode int
}

// UploadAudio posts the recording as form field "audio". The part always
// declares contentType, whatever the bytes actually are.
func (c *Client) UploadAudio(ctx context.Context, filename, contentType string, data []byte) (UploadReply, error) {
	var reply UploadReply
	code, err := c.postFile(ctx, protocol.PathUploadAudio, protocol.FieldAudio, filename, contentType, data, &reply.UploadResponse)
	reply.StatusCode = code
	return reply, err
}

// UploadImage posts the image as form field "image".
func (c *Client) UploadImage(ctx context.Context, filename string, data []byte) (UploadReply, error) {
	var reply UploadReply
	code, err := c.postFile(ctx, protocol.PathUploadImage, protocol.FieldImage, filename, http.DetectContentType(data), data, &reply.UploadResponse)
	reply.StatusCode = code
	return reply, err
}

// UploadTranscription posts {"text": text} and returns the model output.
func (c *Client) UploadTranscription(ctx context.Context, text string) (TranscriptionReply, error) {
	var reply TranscriptionReply
	body, err := json.Marshal(protocol.TranscriptionRequest{Text: text})
	if err != nil {
		return reply, &SubmissionError{Endpoint: protocol.PathUploadTranscription, Err: err}
	}
	reply.StatusCode, err = c.do(ctx, protocol.PathUploadTranscription, "application/json", bytes.NewReader(body), &reply.TranscriptionResponse)
	return reply, err
}

func (c *Client) postFile(ctx context.Context, path, field, filename, contentType string, data []byte, out any) (int, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, escapeQuotes(filename)))
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return 0, &SubmissionError{Endpoint: path, Err: err}
	}
	if _, err := part.Write(data); err != nil {
		return 0, &SubmissionError{Endpoint: path, Err: err}
	}
	if err := mw.Close(); err != nil {
		return 0, &SubmissionError{Endpoint: path, Err: err}
	}
	return c.do(ctx, path, mw.FormDataContentType(), &body, out)
}

type errorBody struct {
	Error string `json:"error"`
}

// do posts body and decodes a 2xx reply into out. It returns the response
// status, or zero when no response arrived.
func (c *Client) do(ctx context.Context, path, contentType string, body io.Reader, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return 0, &SubmissionError{Endpoint: path, Err: err}
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, &SubmissionError{Endpoint: path, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, &SubmissionError{Endpoint: path, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		return resp.StatusCode, &SubmissionError{Endpoint: path, StatusCode: resp.StatusCode, Message: eb.Error}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return resp.StatusCode, &SubmissionError{
			Endpoint:   path,
			StatusCode: resp.StatusCode,
			Message:    "invalid response body",
			Err:        fmt.Errorf("decode response: %w", err),
		}
	}
	return resp.StatusCode, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
