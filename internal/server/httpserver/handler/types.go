package handler

import (
	"time"

	"github.com/yndnr/tablesnap-go/internal/storage/snapshot"
)

// Response is the standard API response envelope.
// All JSON responses use this format (except /metrics which uses Prometheus format).
type Response struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data,omitempty"`
	Details   any    `json:"details,omitempty"`
}

// NewResponse creates a success response.
func NewResponse(requestID string, data any) *Response {
	return &Response{
		Code:      "OK",
		Message:   "Success",
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
}

// NewErrorResponse creates an error response.
func NewErrorResponse(requestID, code, message string, details any) *Response {
	return &Response{
		Code:      code,
		Message:   message,
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
		Details:   details,
	}
}

// SaveAccepted is returned by POST /admin/v1/save?wait=false.
type SaveAccepted struct {
	Generation uint64 `json:"generation"`
	Urgency    string `json:"urgency"`
}

// ListSnapshotsResponse is the response body for GET /admin/v1/snapshots.
type ListSnapshotsResponse struct {
	Items []*snapshot.Info `json:"items"`
	Total int              `json:"total"`
}
