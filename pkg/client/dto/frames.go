package dto

import (
	"encoding/json"
)

// Task types understood by the provider.
const (
	TaskTypeAuthentication = "authentication"
	TaskTypeImageInference = "imageInference"
)

// RequestFrame is a single outbound task. The provider expects every request
// wrapped in a JSON array, see Envelope.
type RequestFrame struct {
	TaskType       string  `json:"taskType"`
	TaskUUID       string  `json:"taskUUID,omitempty"`
	APIKey         string  `json:"apiKey,omitempty"`
	PositivePrompt string  `json:"positivePrompt,omitempty"`
	Model          string  `json:"model,omitempty"`
	Width          int     `json:"width,omitempty"`
	Height         int     `json:"height,omitempty"`
	NumberResults  int     `json:"numberResults,omitempty"`
	Steps          int     `json:"steps,omitempty"`
	CFGScale       float64 `json:"CFGScale,omitempty"`
	Scheduler      string  `json:"scheduler,omitempty"`
	Strength       float64 `json:"strength,omitempty"`
	Lora           []Lora  `json:"lora"` // always present, the provider rejects null
	OutputFormat   string  `json:"outputFormat,omitempty"`
}

type Lora struct {
	Model  string  `json:"model"`
	Weight float64 `json:"weight"`
}

// Envelope marshals request frames into the one-element array shape the
// provider expects on the wire.
func Envelope(frames ...RequestFrame) ([]byte, error) {
	return json.Marshal(frames)
}

// ResponseFrame is one inbound message. Exactly one of Data or the error
// fields is populated; a frame with any error field set is a connection-level
// error not attributable to a single task.
type ResponseFrame struct {
	Data         []TaskResult `json:"data,omitempty"`
	Error        bool         `json:"error,omitempty"`
	Errors       []ErrorEntry `json:"errors,omitempty"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
}

type ErrorEntry struct {
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	Parameter string `json:"parameter,omitempty"`
	Type      string `json:"type,omitempty"`
	TaskUUID  string `json:"taskUUID,omitempty"`
}

func (f *ResponseFrame) IsError() bool {
	return f.Error || len(f.Errors) > 0 || f.ErrorMessage != ""
}

// ErrorText extracts a human-readable message from an error frame.
func (f *ResponseFrame) ErrorText() string {
	if f.ErrorMessage != "" {
		return f.ErrorMessage
	}
	for _, e := range f.Errors {
		if e.Message != "" {
			return e.Message
		}
	}
	return "provider returned an unspecified error"
}

// TaskResult is one entry of a data frame.
type TaskResult struct {
	TaskType              string `json:"taskType"`
	TaskUUID              string `json:"taskUUID,omitempty"`
	ConnectionSessionUUID string `json:"connectionSessionUUID,omitempty"`
	ImageUUID             string `json:"imageUUID,omitempty"`
	ImageURL              string `json:"imageURL,omitempty"`
	Seed                  int64  `json:"seed,omitempty"`
	NSFWContent           bool   `json:"NSFWContent,omitempty"`
	Error                 bool   `json:"error,omitempty"`
	ErrorMessage          string `json:"errorMessage,omitempty"`
}

// GeneratedImage is the result handed back to callers after a successful
// generation. Persistence of the result is the caller's concern.
type GeneratedImage struct {
	TaskUUID       string `json:"taskUUID" yaml:"taskUUID"`
	PositivePrompt string `json:"positivePrompt" yaml:"positivePrompt"`
	ImageUUID      string `json:"imageUUID,omitempty" yaml:"imageUUID,omitempty"`
	ImageURL       string `json:"imageURL" yaml:"imageURL"`
	Seed           int64  `json:"seed,omitempty" yaml:"seed,omitempty"`
	NSFWContent    bool   `json:"NSFWContent" yaml:"NSFWContent"`
}
