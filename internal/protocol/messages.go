package protocol

import "time"

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// RecognitionError is published by recognizers that hit a recoverable engine
// error.
type RecognitionError struct {
	SessionID string    `json:"session_id"`
	Code      string    `json:"code"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TranscriptionRequest is the body of POST /upload-transcription.
type TranscriptionRequest struct {
	Text string `json:"text"`
}

// GeneratedOutput is one element of the model-output list.
type GeneratedOutput struct {
	GeneratedText string `json:"generated_text"`
}

// TranscriptionResponse is returned by POST /upload-transcription.
type TranscriptionResponse struct {
	Status      string            `json:"status,omitempty"`
	ModelOutput []GeneratedOutput `json:"model-output,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// UploadResponse is returned by the audio and image upload endpoints.
type UploadResponse struct {
	Status   string `json:"status,omitempty"`
	ID       string `json:"id,omitempty"`
	Filename string `json:"filename,omitempty"`
	Error    string `json:"error,omitempty"`
}

// UploadStored is published once the server has written an upload to disk.
type UploadStored struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Filename  string    `json:"filename"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	Timestamp time.Time `json:"timestamp"`
}

// Annotated is published after the model produced output for a transcript.
type Annotated struct {
	ID        string    `json:"id"`
	Prompt    string    `json:"prompt"`
	Output    string    `json:"output"`
	LatencyMS int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectRecognitionError  = "stt.error"

	// SubjectRecognitionWildcard matches every recognizer subject.
	SubjectRecognitionWildcard = "stt.>"

	SubjectAudioStored = "annotate.audio.stored"
	SubjectImageStored = "annotate.image.stored"
	SubjectAnnotated   = "annotate.transcription.annotated"
)

// Form field names used by the multipart upload endpoints.
const (
	FieldAudio = "audio"
	FieldImage = "image"
)

// HTTP paths served by the annotation server.
const (
	PathUploadAudio         = "/upload-audio"
	PathUploadTranscription = "/upload-transcription"
	PathUploadImage         = "/upload-image"
)
