package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/adewale/keyboardia-sub010/internal/archive"
	"github.com/adewale/keyboardia-sub010/internal/config"
	"github.com/adewale/keyboardia-sub010/internal/coordinator"
	"github.com/adewale/keyboardia-sub010/internal/directory"
	"github.com/adewale/keyboardia-sub010/internal/preview"
	"github.com/adewale/keyboardia-sub010/internal/samples"
	"github.com/adewale/keyboardia-sub010/internal/session"
	"github.com/adewale/keyboardia-sub010/internal/store"
)

func dialSession(t *testing.T, srv *httptest.Server, id, name string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sessions/" + id + "/ws?name=" + name
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", url, err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("parse frame %q: %v", data, err)
	}
	return frame
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	if err := conn.SetWriteDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatalf("set write deadline: %v", err)
	}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestWebSocketJoinToggleAndSecondJoiner(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	state := session.DefaultState()
	state.Tracks = []session.Track{session.NewTrack("trk_kick", "Kick", "")}
	id, _ := env.createSession(t, CreateSessionInput{Name: "live jam", State: &state})

	first := dialSession(t, srv, id, "ada")

	snap := readFrame(t, first)
	if snap["type"] != "snapshot" {
		t.Fatalf("expected snapshot first, got %v", snap["type"])
	}
	playerID, _ := snap["playerId"].(string)
	if playerID == "" {
		t.Fatalf("snapshot missing playerId: %v", snap)
	}
	players, _ := snap["players"].([]any)
	if len(players) != 1 {
		t.Errorf("expected 1 player in first snapshot, got %d", len(players))
	}

	sendFrame(t, first, map[string]any{"type": "toggle_step", "trackId": "trk_kick", "step": 0, "seq": 1})

	echo := readFrame(t, first)
	if echo["type"] != "step_toggled" {
		t.Fatalf("expected step_toggled echo, got %v", echo)
	}
	if echo["trackId"] != "trk_kick" || echo["step"] != float64(0) || echo["value"] != true {
		t.Errorf("unexpected toggle echo %v", echo)
	}
	if echo["playerId"] != playerID {
		t.Errorf("expected origin player %s, got %v", playerID, echo["playerId"])
	}
	if echo["clientSeq"] != float64(1) || echo["serverSeq"] != float64(1) {
		t.Errorf("expected clientSeq 1 and serverSeq 1, got %v and %v", echo["clientSeq"], echo["serverSeq"])
	}

	second := dialSession(t, srv, id, "bea")

	snap2 := readFrame(t, second)
	if snap2["type"] != "snapshot" {
		t.Fatalf("expected snapshot for second joiner, got %v", snap2)
	}
	players2, _ := snap2["players"].([]any)
	if len(players2) != 2 {
		t.Errorf("expected 2 players in second snapshot, got %d", len(players2))
	}
	snapState, _ := snap2["state"].(map[string]any)
	tracks, _ := snapState["tracks"].([]any)
	if len(tracks) != 1 {
		t.Fatalf("expected 1 track in snapshot state, got %v", snapState)
	}
	track, _ := tracks[0].(map[string]any)
	steps, _ := track["steps"].([]any)
	if len(steps) == 0 || steps[0] != true {
		t.Errorf("expected the toggled step in the second snapshot, got %v", track["steps"])
	}

	joined := readFrame(t, first)
	if joined["type"] != "player_joined" {
		t.Fatalf("expected player_joined on the first socket, got %v", joined)
	}
	joinedPlayer, _ := joined["player"].(map[string]any)
	if joinedPlayer["name"] != "bea" {
		t.Errorf("expected joining player bea, got %v", joinedPlayer["name"])
	}
}

func TestWebSocketResync(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	id, _ := env.createSession(t, CreateSessionInput{Name: "resyncable"})
	conn := dialSession(t, srv, id, "ada")
	if snap := readFrame(t, conn); snap["type"] != "snapshot" {
		t.Fatalf("expected snapshot, got %v", snap)
	}

	sendFrame(t, conn, map[string]any{"type": "resync"})
	again := readFrame(t, conn)
	if again["type"] != "snapshot" {
		t.Fatalf("expected snapshot reply to resync, got %v", again)
	}
}

func TestWebSocketRejectsMutationOnPublishedSession(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	state := session.DefaultState()
	state.Tracks = []session.Track{session.NewTrack("trk_kick", "Kick", "")}
	id, token := env.createSession(t, CreateSessionInput{Name: "frozen", State: &state})
	if rr := env.do(t, http.MethodPost, "/api/sessions/"+id+"/publish", map[string]any{"ownerToken": token}); rr.Code != http.StatusOK {
		t.Fatalf("publish: status %d", rr.Code)
	}

	conn := dialSession(t, srv, id, "ada")
	snap := readFrame(t, conn)
	if snap["type"] != "snapshot" || snap["immutable"] != true {
		t.Fatalf("expected immutable snapshot, got %v", snap)
	}

	sendFrame(t, conn, map[string]any{"type": "toggle_step", "trackId": "trk_kick", "step": 0})
	reply := readFrame(t, conn)
	if reply["type"] != "error" || reply["code"] != "session_published" {
		t.Fatalf("expected session_published error, got %v", reply)
	}
}

func TestWebSocketBadFramesGetErrors(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	id, _ := env.createSession(t, CreateSessionInput{Name: "strict"})
	conn := dialSession(t, srv, id, "ada")
	if snap := readFrame(t, conn); snap["type"] != "snapshot" {
		t.Fatalf("expected snapshot, got %v", snap)
	}

	sendFrame(t, conn, map[string]any{"type": "warp_drive"})
	reply := readFrame(t, conn)
	if reply["type"] != "error" || reply["code"] != "unknown_type" {
		t.Fatalf("expected unknown_type error, got %v", reply)
	}

	sendFrame(t, conn, map[string]any{"type": "join", "name": "zoe"})
	reply = readFrame(t, conn)
	if reply["type"] != "error" || reply["code"] != "bad_message" {
		t.Fatalf("expected bad_message error for in-band join, got %v", reply)
	}
}

func TestWebSocketSaveCommitsToArchive(t *testing.T) {
	env := newTestEnv(t)
	// Mirrors the wiring in cmd/api: the save hook runs on the save
	// goroutine, so it must not touch t.
	env.registry.OnSaved = func(rec *store.SessionRecord) {
		_ = env.archive.Commit(rec)
	}
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	state := session.DefaultState()
	state.Tracks = []session.Track{session.NewTrack("trk_kick", "Kick", "")}
	id, _ := env.createSession(t, CreateSessionInput{Name: "durable", State: &state})

	conn := dialSession(t, srv, id, "ada")
	if snap := readFrame(t, conn); snap["type"] != "snapshot" {
		t.Fatalf("expected snapshot, got %v", snap)
	}
	sendFrame(t, conn, map[string]any{"type": "toggle_step", "trackId": "trk_kick", "step": 0, "seq": 1})
	if echo := readFrame(t, conn); echo["type"] != "step_toggled" {
		t.Fatalf("expected step_toggled, got %v", echo)
	}

	var commits []archive.CommitInfo
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		list, err := env.archive.History(id, 0)
		if err == nil && len(list) >= 2 {
			commits = list
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	if len(commits) < 2 {
		t.Fatalf("expected the debounced save to commit, got %d commits", len(commits))
	}
	if commits[0].Message != "Snapshot v1" {
		t.Errorf("expected Snapshot v1 at head, got %q", commits[0].Message)
	}

	rec, err := env.store.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !rec.State.Tracks[0].Steps[0] {
		t.Errorf("expected the toggled step in the stored record")
	}
	if rec.State.Version != 1 {
		t.Errorf("expected stored version 1, got %d", rec.State.Version)
	}
}

func TestWebSocketUnknownSessionRejectedBeforeUpgrade(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sessions/sess_missing/ws?name=ada"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		conn.Close()
		t.Fatalf("expected the handshake to fail for an unknown session")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected status 404 before upgrade, got %+v", resp)
	}
}

func TestWebSocketSessionFull(t *testing.T) {
	st := store.NewMemoryStore()
	reg := coordinator.NewRegistry(st, coordinator.Config{MaxPlayers: 1, FlushInterval: 50 * time.Millisecond})
	reg.Catalog = samples.Builtin()
	dir := directory.NewService(nil, st)
	svc := New(config.Config{PublicBaseURL: "http://localhost:8787"}, st, reg, dir, nil, preview.NewRenderer(), samples.Builtin())
	server := NewHTTPServer(svc, "*")
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
	})
	srv := httptest.NewServer(server.Handler())
	defer srv.Close()

	payload, err := svc.CreateSession(context.Background(), CreateSessionInput{Name: "tiny room"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id, _ := payload["id"].(string)

	first := dialSession(t, srv, id, "ada")
	if snap := readFrame(t, first); snap["type"] != "snapshot" {
		t.Fatalf("expected snapshot, got %v", snap)
	}

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sessions/" + id + "/ws?name=bea"
	second, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()

	// The upgrade succeeds; the room turns the join away in-band.
	reply := readFrame(t, second)
	if reply["type"] != "error" || reply["code"] != "session_full" {
		t.Fatalf("expected session_full error, got %v", reply)
	}
}
