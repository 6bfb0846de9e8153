package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/aeromesh/skygate/internal/auth"
)

func postPublication(t *testing.T, h *PublisherHandler, body string) *httptest.ResponseRecorder {
	t.Helper()

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.Routes().ServeHTTP(w, r)
	return w
}

func TestPublishFansOutToSubscribers(t *testing.T) {
	h := newTestHub(64, nil)
	ph := NewPublisherHandler(h, nil, slog.Default())

	conn, _ := dialSocket(t, h, positionReader())
	subscribe(t, conn, "drone-42", "position")

	w := postPublication(t, ph, `{"subjectKey":"drone-42","kind":"position","payload":{"lat":51.5,"lon":-0.1}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"delivered":1`) {
		t.Errorf("body = %s, want delivered:1", w.Body.String())
	}

	ev := readEvent(t, conn)
	if ev.Event != "position-update" {
		t.Fatalf("event = %q, want position-update", ev.Event)
	}
	if !strings.Contains(string(ev.Data), "51.5") {
		t.Errorf("data = %s, want published payload", ev.Data)
	}
}

func TestPublishWithNoSubscribersIsDropped(t *testing.T) {
	h := newTestHub(64, nil)
	ph := NewPublisherHandler(h, nil, slog.Default())

	w := postPublication(t, ph, `{"subjectKey":"drone-99","kind":"status","payload":{"battery":10}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `"delivered":0`) {
		t.Errorf("body = %s, want delivered:0", w.Body.String())
	}
}

func TestPublishRejectsMalformed(t *testing.T) {
	h := newTestHub(64, nil)
	ph := NewPublisherHandler(h, nil, slog.Default())

	tests := []struct {
		name string
		body string
	}{
		{"empty body", ``},
		{"missing subject", `{"kind":"position","payload":{}}`},
		{"missing kind", `{"subjectKey":"drone-1","payload":{}}`},
		{"unknown kind", `{"subjectKey":"drone-1","kind":"altitude","payload":{}}`},
		{"bad subject", `{"subjectKey":"helicopter-1","kind":"position","payload":{}}`},
		{"missing payload", `{"subjectKey":"drone-1","kind":"position"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postPublication(t, ph, tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d: %s", w.Code, http.StatusBadRequest, w.Body.String())
			}
		})
	}
}

func TestPublishNormalizesSynonyms(t *testing.T) {
	h := newTestHub(64, nil)
	ph := NewPublisherHandler(h, nil, slog.Default())

	operator := &auth.AuthContext{SubjectID: "1", Permissions: []string{auth.PermissionWildcard}, Active: true}
	conn, _ := dialSocket(t, h, operator)
	subscribe(t, conn, "drone-7", "command-response")

	w := postPublication(t, ph, `{"subjectKey":"7","kind":"command_response","payload":{"commandId":3,"result":"ack"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}

	ev := readEvent(t, conn)
	if ev.Event != "command-response" {
		t.Fatalf("event = %q, want command-response", ev.Event)
	}
	if ev.SubjectKey != "drone-7" {
		t.Errorf("subjectKey = %q, want canonical drone-7", ev.SubjectKey)
	}
}

func TestSnapshotServedOnSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	snapshots := NewSnapshotCache(rdb, 10*time.Minute, slog.Default())
	h := newTestHub(64, snapshots)
	ph := NewPublisherHandler(h, snapshots, slog.Default())

	// A publication arrives before anyone subscribes.
	w := postPublication(t, ph, `{"subjectKey":"drone-42","kind":"position","payload":{"lat":48.8,"lon":2.3}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	// The next subscriber gets the last-known position as its snapshot.
	conn, _ := dialSocket(t, h, positionReader())
	ev := subscribe(t, conn, "drone-42", "position")

	var payload struct {
		Lat float64 `json:"lat"`
	}
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		t.Fatalf("snapshot payload: %v (data=%s)", err, ev.Data)
	}
	if payload.Lat != 48.8 {
		t.Errorf("snapshot lat = %v, want 48.8", payload.Lat)
	}
}
