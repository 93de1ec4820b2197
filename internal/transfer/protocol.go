package transfer

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jaywantadh/resumable/internal/ledger"
)

// API version and base path
const (
	APIVersion = "v1"
	BasePath   = "/api/" + APIVersion + "/uploads"
)

// UploadStatusResponse is the server's view of one upload.
type UploadStatusResponse struct {
	UploadID        string    `json:"upload_id"`
	FileName        string    `json:"file_name"`
	BytesReceived   uint64    `json:"bytes_received"`
	TotalSize       uint64    `json:"total_size"`
	ProgressPercent float64   `json:"progress_percent"`
	Finalized       bool      `json:"finalized"`
	LastActivity    time.Time `json:"last_activity"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// NewUploadStatusResponse converts a ledger snapshot.
func NewUploadStatusResponse(st ledger.Status) UploadStatusResponse {
	resp := UploadStatusResponse{
		UploadID:      st.ID,
		FileName:      st.FileName,
		BytesReceived: st.BytesReceived,
		TotalSize:     st.TotalSize,
		Finalized:     st.Finalized,
		LastActivity:  st.LastActivityAt,
	}
	if st.TotalSize > 0 {
		resp.ProgressPercent = float64(st.BytesReceived) / float64(st.TotalSize) * 100.0
	}
	return resp
}

// Validate checks a decoded response for consistency.
func (r *UploadStatusResponse) Validate() error {
	if r.UploadID == "" {
		return fmt.Errorf("upload_id is required")
	}
	if r.BytesReceived > r.TotalSize {
		return fmt.Errorf("bytes_received %d exceeds total_size %d", r.BytesReceived, r.TotalSize)
	}
	return nil
}

// Response helpers
func WriteJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		}
	}
}

func WriteErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string) {
	response := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: errorMsg,
		Code:    statusCode,
	}
	WriteJSONResponse(w, statusCode, response)
}
