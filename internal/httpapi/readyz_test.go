package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

type fakeBus bool

func (b fakeBus) Connected() bool { return bool(b) }

func readyz(t *testing.T, cfg ReadyConfig) (int, readyResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	ReadyzHandler(cfg).ServeHTTP(w, req)

	var resp readyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v body=%s", err, w.Body.String())
	}
	return w.Code, resp
}

func TestReadyz_OK(t *testing.T) {
	code, resp := readyz(t, ReadyConfig{Store: fakePinger{}, StoreDriver: "postgres"})

	if code != http.StatusOK || !resp.Ready {
		t.Fatalf("status=%d resp=%+v", code, resp)
	}
	if resp.Store != "postgres" || resp.Checks["store"] != "ok" {
		t.Fatalf("resp=%+v", resp)
	}
	if _, ok := resp.Checks["bus"]; ok {
		t.Fatalf("bus reported without one configured: %+v", resp)
	}
}

func TestReadyz_NotReady(t *testing.T) {
	code, resp := readyz(t, ReadyConfig{Store: fakePinger{err: errors.New("db down")}, StoreDriver: "sqlite"})

	if code != http.StatusServiceUnavailable || resp.Ready {
		t.Fatalf("status=%d resp=%+v", code, resp)
	}
	if resp.Checks["store"] != "unreachable" {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestReadyz_BusDisconnected(t *testing.T) {
	code, resp := readyz(t, ReadyConfig{Store: fakePinger{}, Bus: fakeBus(false)})
	if code != http.StatusServiceUnavailable || resp.Checks["bus"] != "disconnected" {
		t.Fatalf("status=%d resp=%+v", code, resp)
	}

	code, resp = readyz(t, ReadyConfig{Store: fakePinger{}, Bus: fakeBus(true)})
	if code != http.StatusOK || resp.Checks["bus"] != "ok" {
		t.Fatalf("status=%d resp=%+v", code, resp)
	}
}
