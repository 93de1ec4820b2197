package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jaywantadh/resumable/internal/ledger"
)

// ErrUploadNotFound is returned by StatusClient for unknown ids.
var ErrUploadNotFound = errors.New("upload not found")

// StatusHandler serves GET /api/v1/uploads/{upload_id}/status from l.
func StatusHandler(l *ledger.Ledger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(BasePath+"/", func(w http.ResponseWriter, r *http.Request) {
		handleUploadStatus(w, r, l)
	})
	return mux
}

// handleUploadStatus handles GET /api/v1/uploads/{upload_id}/status
func handleUploadStatus(w http.ResponseWriter, r *http.Request, l *ledger.Ledger) {
	path := strings.TrimPrefix(r.URL.Path, BasePath+"/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "status" {
		WriteErrorResponse(w, http.StatusNotFound, "Invalid upload route")
		return
	}
	if r.Method != http.MethodGet {
		WriteErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	st, err := l.Status(parts[0])
	if errors.Is(err, ledger.ErrNotFound) {
		WriteErrorResponse(w, http.StatusNotFound, "Upload not found")
		return
	}
	if err != nil {
		WriteErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	WriteJSONResponse(w, http.StatusOK, NewUploadStatusResponse(st))
}

// StatusClient queries a server's status endpoint.
type StatusClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewStatusClient creates a StatusClient for baseURL (for example
// "http://localhost:8081").
func NewStatusClient(baseURL string) *StatusClient {
	return &StatusClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// GetUploadStatus gets the current status of an upload
func (c *StatusClient) GetUploadStatus(ctx context.Context, uploadID string) (*UploadStatusResponse, error) {
	endpoint := fmt.Sprintf("%s%s/%s/status", c.baseURL, BasePath, url.PathEscape(uploadID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrUploadNotFound, uploadID)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("get status failed: %s - %s", resp.Status, string(body))
	}

	var status UploadStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}
	if err := status.Validate(); err != nil {
		return nil, fmt.Errorf("invalid status response: %w", err)
	}
	return &status, nil
}
