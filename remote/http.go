package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"lab_crawler/models"
)

// wget exits with 8 on a server error response.
const exitServerError = 8

// HTTPExecutor performs the fetch locally instead of on the device host.
// The URL is the last field of the command text; host credentials are not
// used.
type HTTPExecutor struct {
	Client *http.Client
}

func NewHTTPExecutor() *HTTPExecutor {
	return &HTTPExecutor{
		Client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
}

func (e *HTTPExecutor) RunCommand(ctx context.Context, _ models.HostEndpoint, command string, timeout time.Duration) (Result, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return Result{}, fmt.Errorf("empty command")
	}
	url := fields[len(fields)-1]

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := e.Client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read %s: %w", url, err)
	}

	if resp.StatusCode != http.StatusOK {
		return Result{
			ExitStatus: exitServerError,
			ErrorText:  fmt.Sprintf("%s: %s", url, resp.Status),
		}, nil
	}
	return Result{Output: string(body)}, nil
}
