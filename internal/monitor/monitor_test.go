package monitor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tshcal/internal/gss"
	"github.com/banshee-data/tshcal/internal/rig"
)

// localHostRequest makes a request that tsweb treats as coming from loopback.
func localHostRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

type fakeCommander struct {
	sent  []string
	reply string
	err   error
}

func (f *fakeCommander) Command(_ context.Context, cmd string) (string, error) {
	f.sent = append(f.sent, cmd)
	if strings.HasSuffix(cmd, "?") {
		return f.reply, f.err
	}
	return "", f.err
}

func TestHubSnapshot(t *testing.T) {
	h := NewHub()
	h.SetRunID("run-1")
	h.SetTitle("Searching +x pitch")
	h.RecordEval(gss.Evaluation{Label: "+x pitch", Slot: "a", Angle: -10, Value: 0.98})
	h.RecordMove(rig.MoveRecord{Axis: rig.Pitch, Target: 1, Actual: 1, Attempts: 1})

	s := h.Snapshot()
	assert.Equal(t, "run-1", s.RunID)
	assert.Equal(t, "Searching +x pitch", s.Title)
	require.Len(t, s.Evaluations, 1)
	assert.Equal(t, -10.0, s.Evaluations[0].Angle)
	require.NotNil(t, s.LastMove)
	assert.Equal(t, rig.Pitch, s.LastMove.Axis)

	// snapshots are copies
	s.Evaluations[0].Angle = 99
	assert.Equal(t, -10.0, h.Snapshot().Evaluations[0].Angle)
}

func TestHubBoundsHistory(t *testing.T) {
	h := NewHub()
	for i := 0; i < maxEvaluations+10; i++ {
		h.RecordEval(gss.Evaluation{Iteration: i})
	}
	s := h.Snapshot()
	require.Len(t, s.Evaluations, maxEvaluations)
	assert.Equal(t, 10, s.Evaluations[0].Iteration)
}

func TestHubSubscribers(t *testing.T) {
	h := NewHub()
	id, ch := h.Subscribe()

	h.SetTitle("Parking")
	select {
	case payload := <-ch:
		var ev Event
		require.NoError(t, json.Unmarshal([]byte(payload), &ev))
		assert.Equal(t, "title", ev.Kind)
		assert.Equal(t, "Parking", ev.Title)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	// a full subscriber does not block publishers
	for i := 0; i < 200; i++ {
		h.RecordEval(gss.Evaluation{Iteration: i})
	}

	h.Unsubscribe(id)
	h.Unsubscribe(id)
	for range ch {
	}

	_, ch2 := h.Subscribe()
	h.Close()
	_, ok := <-ch2
	assert.False(t, ok)
}

func TestCalibrationRoute(t *testing.T) {
	h := NewHub()
	h.SetTitle("Recording 1m0s at rough home -z")
	mux := http.NewServeMux()
	h.AttachAdminRoutes(mux, nil)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/calibration", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var s Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &s))
	assert.Equal(t, "Recording 1m0s at rough home -z", s.Title)

	// no controller, no command page
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/esp-command", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestESPCommandRoute(t *testing.T) {
	cmd := &fakeCommander{reply: "80.0000"}
	mux := http.NewServeMux()
	NewHub().AttachAdminRoutes(mux, cmd)

	post := func(form url.Values) *httptest.ResponseRecorder {
		req := localHostRequest(http.MethodPost, "/debug/esp-command", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		return w
	}

	w := post(url.Values{"command": {" 2TP? "}})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2TP? -> 80.0000\n", w.Body.String())

	w = post(url.Values{"command": {"2MO"}})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `Sent "2MO"`)

	w = post(url.Values{"command": {"  "}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Missing command")

	cmd.err = errors.New("no reply from ESP301")
	w = post(url.Values{"command": {"TE?"}})
	assert.Equal(t, http.StatusBadGateway, w.Code)

	assert.Equal(t, []string{"2TP?", "2MO", "TE?"}, cmd.sent)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/esp-command", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<form")

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, localHostRequest(http.MethodDelete, "/debug/esp-command", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestCalibrationTail(t *testing.T) {
	h := NewHub()
	mux := http.NewServeMux()
	h.AttachAdminRoutes(mux, nil)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/debug/calibration-tail", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": ping\n", line)

	// the subscription exists once the ping has been flushed
	h.RecordEval(gss.Evaluation{Label: "-z yaw", Slot: "d", Angle: 3.82, Value: -0.99})

	for {
		line, err = r.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			break
		}
	}
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev))
	assert.Equal(t, "eval", ev.Kind)
	require.NotNil(t, ev.Evaluation)
	assert.Equal(t, "-z yaw", ev.Evaluation.Label)
}
