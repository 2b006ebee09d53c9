package char

import (
	"context"
	"net"
	"sort"
	"testing"
	"time"

	"github.com/seolan-project/seolan/internal/charstatus"
	"github.com/seolan-project/seolan/internal/codec"
	"github.com/seolan-project/seolan/internal/config"
	"github.com/seolan-project/seolan/internal/events"
	"github.com/seolan-project/seolan/internal/interserver"
)

// startDirectory runs a directory without a database on a loopback
// listener and returns its address. Account operations answer with
// the db-error code; the link layer works normally.
func startDirectory(t *testing.T, mutate func(*config.ServerConfig)) (*Server, string) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.XorKey = "testkey12"
	cfg.LoginID = "loginid"
	cfg.LoginPW = "loginpw"
	cfg.CharID = "charid"
	cfg.CharPW = "charpw"
	if mutate != nil {
		mutate(cfg)
	}

	srv := NewServer(cfg, nil, events.NewEventBus())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() { ln.Close() })
	t.Cleanup(cancel)
	go srv.serve(ctx, ln)
	return srv, ln.Addr().String()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func dialDirectory(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn
}

// loginHello builds the static-XORed 69-byte hello the login authority
// opens its link with.
func loginHello(key []byte, id, pw string) []byte {
	frame := make([]byte, 69)
	frame[0] = codec.FrameMagic
	frame[2] = 66
	frame[3] = 0xFF
	copy(frame[5:37], id)
	copy(frame[37:69], pw)
	codec.CryptStatic(frame, key)
	return frame
}

func attachLoginLink(t *testing.T, addr, id, pw string) (net.Conn, byte) {
	t.Helper()
	conn := dialDirectory(t, addr)
	key := codec.StaticKey("testkey12")
	if _, err := conn.Write(loginHello(key[:], id, pw)); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	ack, err := interserver.ReadHandshakeAck(conn)
	if err != nil {
		t.Fatalf("read handshake ack: %v", err)
	}
	return conn, ack
}

func connectWorker(t *testing.T, addr, id, pw string) (net.Conn, interserver.HelloResult) {
	t.Helper()
	conn := dialDirectory(t, addr)
	hello := interserver.WorkerHello{ID: id, Password: pw, IP: [4]byte{127, 0, 0, 1}, Port: 2001}
	if err := interserver.WriteRecord(conn, hello.Marshal()); err != nil {
		t.Fatalf("write worker hello: %v", err)
	}
	rec, err := interserver.ReadRecord(conn, interserver.CharToWorkerLens)
	if err != nil {
		t.Fatalf("read hello result: %v", err)
	}
	res, err := interserver.ParseHelloResult(rec)
	if err != nil {
		t.Fatalf("parse hello result: %v", err)
	}
	return conn, res
}

func TestLoginLinkHandshake(t *testing.T) {
	srv, addr := startDirectory(t, nil)
	conn, ack := attachLoginLink(t, addr, "loginid", "loginpw")
	if ack != 0 {
		t.Fatalf("handshake ack = %d, want 0", ack)
	}
	waitFor(t, "login link", srv.LoginLinkUp)

	check := interserver.NameCheck{SessionID: 9, Name: "Kite"}
	if err := interserver.WriteRecord(conn, check.Marshal()); err != nil {
		t.Fatalf("write name check: %v", err)
	}
	rec, err := interserver.ReadRecord(conn, interserver.CharToLoginLens)
	if err != nil {
		t.Fatalf("read answer: %v", err)
	}
	res, err := interserver.ParseSessionResult(rec)
	if err != nil {
		t.Fatalf("parse answer: %v", err)
	}
	if res.Cmd != interserver.CmdNameResult || res.SessionID != 9 {
		t.Fatalf("answer cmd/session = %#x/%d, want %#x/9", res.Cmd, res.SessionID, interserver.CmdNameResult)
	}
	if res.Result != nameErr {
		t.Fatalf("no-database name check = %#x, want %#x", res.Result, nameErr)
	}
}

func TestLoginLinkBadCredentials(t *testing.T) {
	_, addr := startDirectory(t, nil)
	conn, ack := attachLoginLink(t, addr, "loginid", "wrong")
	if ack != 1 {
		t.Fatalf("handshake ack = %d, want 1", ack)
	}
	var one [1]byte
	if _, err := conn.Read(one[:]); err == nil {
		t.Fatal("connection still open after rejected handshake")
	}
}

func TestLoginLinkBadHelloLength(t *testing.T) {
	_, addr := startDirectory(t, nil)
	conn := dialDirectory(t, addr)
	key := codec.StaticKey("testkey12")
	frame := loginHello(key[:], "loginid", "loginpw")
	frame[2] = 60 // header length no longer matches the hello shape
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	ack, err := interserver.ReadHandshakeAck(conn)
	if err != nil {
		t.Fatalf("read handshake ack: %v", err)
	}
	if ack != 1 {
		t.Fatalf("handshake ack = %d, want 1", ack)
	}
}

func TestDuplicateLoginLinkRejected(t *testing.T) {
	srv, addr := startDirectory(t, nil)
	_, ack := attachLoginLink(t, addr, "loginid", "loginpw")
	if ack != 0 {
		t.Fatalf("first handshake ack = %d, want 0", ack)
	}
	waitFor(t, "login link", srv.LoginLinkUp)

	_, ack = attachLoginLink(t, addr, "loginid", "loginpw")
	if ack != 1 {
		t.Fatalf("second handshake ack = %d, want 1", ack)
	}
}

func TestNoDatabaseAnswers(t *testing.T) {
	srv, addr := startDirectory(t, nil)
	conn, ack := attachLoginLink(t, addr, "loginid", "loginpw")
	if ack != 0 {
		t.Fatalf("handshake ack = %d, want 0", ack)
	}
	waitFor(t, "login link", srv.LoginLinkUp)

	create := interserver.CreateChar{SessionID: 3, Name: "Kite", Pass: "secret"}
	if err := interserver.WriteRecord(conn, create.Marshal()); err != nil {
		t.Fatalf("write create: %v", err)
	}
	rec, err := interserver.ReadRecord(conn, interserver.CharToLoginLens)
	if err != nil {
		t.Fatalf("read create answer: %v", err)
	}
	res, _ := interserver.ParseSessionResult(rec)
	if res.Cmd != interserver.CmdCreateResult || res.Result != nameErr {
		t.Fatalf("create answer = %#x/%#x, want %#x/%#x", res.Cmd, res.Result, interserver.CmdCreateResult, nameErr)
	}

	pass := interserver.ChangePass{SessionID: 4, Name: "Kite", OldPass: "a", NewPass: "b"}
	if err := interserver.WriteRecord(conn, pass.Marshal()); err != nil {
		t.Fatalf("write change-pass: %v", err)
	}
	rec, err = interserver.ReadRecord(conn, interserver.CharToLoginLens)
	if err != nil {
		t.Fatalf("read change-pass answer: %v", err)
	}
	res, _ = interserver.ParseSessionResult(rec)
	if res.Cmd != interserver.CmdPassResult || res.Result != authErrDB {
		t.Fatalf("change-pass answer = %#x/%#x, want %#x/%#x", res.Cmd, res.Result, interserver.CmdPassResult, authErrDB)
	}

	auth := interserver.AuthChar{SessionID: 5, Name: "Kite", Pass: "secret", ClientIP: [4]byte{10, 0, 0, 1}}
	if err := interserver.WriteRecord(conn, auth.Marshal()); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	rec, err = interserver.ReadRecord(conn, interserver.CharToLoginLens)
	if err != nil {
		t.Fatalf("read auth answer: %v", err)
	}
	ares, err := interserver.ParseAuthResult(rec)
	if err != nil {
		t.Fatalf("parse auth answer: %v", err)
	}
	if ares.SessionID != 5 || ares.Result != authErrDB {
		t.Fatalf("auth answer = %d/%#x, want 5/%#x", ares.SessionID, ares.Result, authErrDB)
	}
}

func TestWorkerHandshakeAndMapList(t *testing.T) {
	srv, addr := startDirectory(t, nil)
	conn, res := connectWorker(t, addr, "charid", "charpw")
	if res.Result != 0 || res.ServerIdx != 0 {
		t.Fatalf("hello result = %d/%d, want 0/0", res.Result, res.ServerIdx)
	}

	list := interserver.MapList{MapIDs: []uint16{1, 2, 3}}
	if err := interserver.WriteRecord(conn, list.Marshal()); err != nil {
		t.Fatalf("write map list: %v", err)
	}
	rec, err := interserver.ReadRecord(conn, interserver.CharToWorkerLens)
	if err != nil {
		t.Fatalf("read map ack: %v", err)
	}
	ack, err := interserver.ParseMapListAck(rec)
	if err != nil {
		t.Fatalf("parse map ack: %v", err)
	}
	if ack.Accepted != 3 {
		t.Fatalf("accepted = %d, want 3", ack.Accepted)
	}

	workers := srv.Workers()
	if len(workers) != 1 || len(workers[0].Maps) != 3 {
		t.Fatalf("workers = %+v, want one worker with 3 maps", workers)
	}
}

func TestWorkerBadCredentialsRejected(t *testing.T) {
	_, addr := startDirectory(t, nil)
	conn, res := connectWorker(t, addr, "charid", "wrong")
	if res.Result != 1 {
		t.Fatalf("hello result = %d, want 1", res.Result)
	}
	var one [1]byte
	if _, err := conn.Read(one[:]); err == nil {
		t.Fatal("connection still open after rejected handshake")
	}
}

func TestWorkerSlotReuse(t *testing.T) {
	srv, addr := startDirectory(t, nil)
	first, res := connectWorker(t, addr, "charid", "charpw")
	if res.ServerIdx != 0 {
		t.Fatalf("first slot = %d, want 0", res.ServerIdx)
	}
	_, res = connectWorker(t, addr, "charid", "charpw")
	if res.ServerIdx != 1 {
		t.Fatalf("second slot = %d, want 1", res.ServerIdx)
	}

	first.Close()
	waitFor(t, "worker detach", func() bool { return len(srv.Workers()) == 1 })

	_, res = connectWorker(t, addr, "charid", "charpw")
	if res.ServerIdx != 0 {
		t.Fatalf("reattached slot = %d, want 0", res.ServerIdx)
	}
}

func TestMapClaimsStayDisjoint(t *testing.T) {
	_, addr := startDirectory(t, nil)
	connA, _ := connectWorker(t, addr, "charid", "charpw")
	connB, _ := connectWorker(t, addr, "charid", "charpw")

	listA := interserver.MapList{MapIDs: []uint16{10, 11}}
	if err := interserver.WriteRecord(connA, listA.Marshal()); err != nil {
		t.Fatalf("write first list: %v", err)
	}
	rec, err := interserver.ReadRecord(connA, interserver.CharToWorkerLens)
	if err != nil {
		t.Fatalf("read first ack: %v", err)
	}
	ack, _ := interserver.ParseMapListAck(rec)
	if ack.Accepted != 2 {
		t.Fatalf("first accepted = %d, want 2", ack.Accepted)
	}

	listB := interserver.MapList{MapIDs: []uint16{11, 12}}
	if err := interserver.WriteRecord(connB, listB.Marshal()); err != nil {
		t.Fatalf("write second list: %v", err)
	}
	rec, err = interserver.ReadRecord(connB, interserver.CharToWorkerLens)
	if err != nil {
		t.Fatalf("read second ack: %v", err)
	}
	ack, _ = interserver.ParseMapListAck(rec)
	if ack.Accepted != 1 {
		t.Fatalf("second accepted = %d, want 1 after dropping the claimed map", ack.Accepted)
	}
}

func TestOnlineListOverWire(t *testing.T) {
	srv, addr := startDirectory(t, nil)
	conn, _ := connectWorker(t, addr, "charid", "charpw")
	srv.claimOnline(1, &LoginEntry{WorkerIdx: 0, CharName: "Kite"})
	srv.claimOnline(2, &LoginEntry{WorkerIdx: 0, CharName: "Mimiru"})

	req := interserver.OnlineListReq{SessionID: 7}
	if err := interserver.WriteRecord(conn, req.Marshal()); err != nil {
		t.Fatalf("write online req: %v", err)
	}
	rec, err := interserver.ReadRecord(conn, interserver.CharToWorkerLens)
	if err != nil {
		t.Fatalf("read online list: %v", err)
	}
	list, err := interserver.ParseOnlineList(rec)
	if err != nil {
		t.Fatalf("parse online list: %v", err)
	}
	if list.SessionID != 7 {
		t.Fatalf("session = %d, want 7", list.SessionID)
	}
	sort.Strings(list.Names)
	if len(list.Names) != 2 || list.Names[0] != "Kite" || list.Names[1] != "Mimiru" {
		t.Fatalf("names = %v, want [Kite Mimiru]", list.Names)
	}
}

func TestLogoutClearsOnlineState(t *testing.T) {
	srv, addr := startDirectory(t, nil)
	conn, _ := connectWorker(t, addr, "charid", "charpw")

	srv.claimOnline(7, &LoginEntry{WorkerIdx: 0, CharName: "Kite"})
	out := interserver.Logout{CharID: 7}
	if err := interserver.WriteRecord(conn, out.Marshal()); err != nil {
		t.Fatalf("write logout: %v", err)
	}
	waitFor(t, "logout", func() bool { return srv.OnlineCount() == 0 })

	srv.claimOnline(42, &LoginEntry{WorkerIdx: 0, CharName: "Mimiru"})
	packed, err := charstatus.Pack(&charstatus.Record{Main: charstatus.Main{ID: 42, Name: "Mimiru"}})
	if err != nil {
		t.Fatalf("pack snapshot: %v", err)
	}
	if err := interserver.WriteRecord(conn, interserver.SaveQuit(packed)); err != nil {
		t.Fatalf("write save-quit: %v", err)
	}
	waitFor(t, "quit save", func() bool { return srv.OnlineCount() == 0 })
}

func TestKickCharReachesWorker(t *testing.T) {
	srv, addr := startDirectory(t, nil)
	conn, _ := connectWorker(t, addr, "charid", "charpw")
	srv.claimOnline(5, &LoginEntry{WorkerIdx: 0, CharName: "Kite"})

	if err := srv.KickChar(5); err != nil {
		t.Fatalf("KickChar: %v", err)
	}
	rec, err := interserver.ReadRecord(conn, interserver.CharToWorkerLens)
	if err != nil {
		t.Fatalf("read kick: %v", err)
	}
	kick, err := interserver.ParseKick(rec)
	if err != nil {
		t.Fatalf("parse kick: %v", err)
	}
	if kick.CharID != 5 {
		t.Fatalf("kick char = %d, want 5", kick.CharID)
	}

	if err := srv.KickChar(99); err == nil {
		t.Fatal("KickChar accepted an unknown character")
	}
}

func TestUnknownFirstPacketCloses(t *testing.T) {
	_, addr := startDirectory(t, nil)
	conn := dialDirectory(t, addr)
	if _, err := conn.Write([]byte{0x99, 0x99}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var one [1]byte
	if _, err := conn.Read(one[:]); err == nil {
		t.Fatal("connection still open after unknown first packet")
	}
}

func TestUnknownLoginRecordDropsLink(t *testing.T) {
	srv, addr := startDirectory(t, nil)
	conn, ack := attachLoginLink(t, addr, "loginid", "loginpw")
	if ack != 0 {
		t.Fatalf("handshake ack = %d, want 0", ack)
	}
	waitFor(t, "login link", srv.LoginLinkUp)

	if _, err := conn.Write([]byte{0x99, 0x10}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var one [1]byte
	if _, err := conn.Read(one[:]); err == nil {
		t.Fatal("link still open after unknown record")
	}
	waitFor(t, "link teardown", func() bool { return !srv.LoginLinkUp() })
}

func TestClaimOnline(t *testing.T) {
	srv := NewServer(config.DefaultConfig(), nil, events.NewEventBus())

	entry := &LoginEntry{WorkerIdx: 0, CharName: "Kite"}
	if prev, ok := srv.claimOnline(1, entry); !ok || prev != nil {
		t.Fatalf("first claim = (%v, %v), want (nil, true)", prev, ok)
	}
	if prev, ok := srv.claimOnline(1, &LoginEntry{WorkerIdx: 1, CharName: "Kite"}); ok || prev != entry {
		t.Fatalf("second claim = (%v, %v), want the first entry and false", prev, ok)
	}
	if got := srv.releaseOnline(1); got != entry {
		t.Fatalf("release = %v, want the first entry", got)
	}
	if got := srv.releaseOnline(1); got != nil {
		t.Fatalf("second release = %v, want nil", got)
	}
}

func TestWorkerForMapPrefersLowestSlot(t *testing.T) {
	srv := NewServer(config.DefaultConfig(), nil, events.NewEventBus())
	srv.workers = []*Worker{
		{idx: 0, maps: []uint16{5}},
		{idx: 1, maps: []uint16{5, 9}},
	}

	if w := srv.workerForMap(5); w == nil || w.idx != 0 {
		t.Fatalf("workerForMap(5) = %v, want slot 0", w)
	}
	if w := srv.workerForMap(9); w == nil || w.idx != 1 {
		t.Fatalf("workerForMap(9) = %v, want slot 1", w)
	}
	if w := srv.workerForMap(77); w != nil {
		t.Fatalf("workerForMap(77) = %v, want nil", w)
	}
}
