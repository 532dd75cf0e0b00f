package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"lab_crawler/models"
)

// stuckExecutor ignores its context and never returns until released.
type stuckExecutor struct {
	release chan struct{}
}

func (s stuckExecutor) RunCommand(context.Context, models.HostEndpoint, string, time.Duration) (Result, error) {
	<-s.release
	return Result{Output: "late"}, nil
}

func TestBoundedDoesNotWaitForStuckExecutor(t *testing.T) {
	exec := stuckExecutor{release: make(chan struct{})}
	defer close(exec.release)

	_, err := Bounded(context.Background(), exec, models.HostEndpoint{}, "wget", 50*time.Millisecond)
	require.True(t, errors.Is(err, ErrTimeout), "got %v", err)
}

func TestBoundedHonoursCancellation(t *testing.T) {
	exec := stuckExecutor{release: make(chan struct{})}
	defer close(exec.release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Bounded(ctx, exec, models.HostEndpoint{}, "wget", time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}

func TestHTTPExecutorFetchesLastField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cgi/list.cgi" || r.URL.Query().Get("lang") != "1" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("<tr><td>ok</td></tr>"))
	}))
	defer srv.Close()

	exec := NewHTTPExecutor()
	res, err := exec.RunCommand(context.Background(), models.HostEndpoint{}, "wget -q -O - "+srv.URL+"/cgi/list.cgi?lang=1", time.Second)
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitStatus)
	require.Equal(t, "<tr><td>ok</td></tr>", res.Output)

	res, err = exec.RunCommand(context.Background(), models.HostEndpoint{}, "wget -q -O - "+srv.URL+"/cgi/nope", time.Second)
	require.NoError(t, err)
	require.Equal(t, exitServerError, res.ExitStatus)
	require.Contains(t, res.ErrorText, "404")
}
