package replication

import (
	"net"
	"testing"
	"time"

	"coordcore/internal/oplog"
	"coordcore/internal/wire"
)

// startRawPeerListener binds a bare listener that runs handle against
// every inbound line, without going through a real Replica. Useful for
// scripting peer responses a production replica would never produce
// (rejections, apply failures) to exercise the Engine's failure paths.
func startRawPeerListener(t *testing.T, handle func(line string) string) (net.Listener, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				for {
					line, err := wire.ReadLine(conn, time.Now().Add(5*time.Second))
					if err != nil {
						return
					}
					reply := handle(line)
					if reply == "" {
						continue
					}
					if err := wire.WriteLine(conn, reply); err != nil {
						return
					}
				}
			}()
		}
	}()
	return ln, ln.Addr().String()
}

func TestPeerConnCallRoundTrip(t *testing.T) {
	ln, addr := startRawPeerListener(t, func(line string) string {
		return "PONG_" + line
	})
	defer ln.Close()

	pc := NewPeerConn(addr, time.Second, nil)
	defer pc.Close()

	reply, err := pc.Call("PING", time.Second)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if reply != "PONG_PING" {
		t.Fatalf("expected PONG_PING, got %q", reply)
	}
}

func TestPeerConnRedialsAfterDrop(t *testing.T) {
	ln, addr := startRawPeerListener(t, func(line string) string {
		return "OK"
	})
	defer ln.Close()

	pc := NewPeerConn(addr, time.Second, nil)
	defer pc.Close()

	if _, err := pc.Call("FIRST", time.Second); err != nil {
		t.Fatalf("first call: %v", err)
	}
	pc.Close() // simulate the connection dropping underneath the caller

	if _, err := pc.Call("SECOND", time.Second); err != nil {
		t.Fatalf("expected a transparent redial on second call: %v", err)
	}
}

func TestPeerConnPushesReplayAfterPeerAnnouncesSync(t *testing.T) {
	log := oplog.New()
	log.Append("k1", "t1", oplog.OpWrite, "v1", "node1", time.Now())
	log.Append("k2", "t1", oplog.OpWrite, "v2", "node1", time.Now())
	log.Append("k3", "t1", oplog.OpWrite, "v3", "node1", time.Now())

	replayed := make(chan string, 8)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// Announce last-known sequence 1, as a reconnecting follower would;
		// expect records 2 and 3 back before anything else arrives.
		if err := wire.WriteLine(conn, encodeMessage(MsgSync, "1")); err != nil {
			return
		}
		for i := 0; i < 2; i++ {
			line, err := wire.ReadLine(conn, time.Now().Add(time.Second))
			if err != nil {
				return
			}
			replayed <- line
		}
	}()

	pc := NewPeerConn(ln.Addr().String(), time.Second, log)
	defer pc.Close()

	// Any call dials and triggers the handshake before this line's own
	// request is written.
	go pc.Send("live traffic")

	for i := 0; i < 2; i++ {
		select {
		case line := <-replayed:
			opcode, rest, _ := parseMessage(line)
			if opcode != MsgReplay {
				t.Fatalf("expected %s, got %s", MsgReplay, opcode)
			}
			rec, err := DecodeRecord(rest)
			if err != nil {
				t.Fatalf("decode replayed record: %v", err)
			}
			wantKey := []string{"k2", "k3"}[i]
			if rec.Key != wantKey {
				t.Fatalf("expected replayed record %d to be %q, got %q", i, wantKey, rec.Key)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for replayed record %d", i)
		}
	}
}

func TestPeerConnSendIsFireAndForget(t *testing.T) {
	received := make(chan string, 1)
	ln, addr := startRawPeerListener(t, func(line string) string {
		received <- line
		return ""
	})
	defer ln.Close()

	pc := NewPeerConn(addr, time.Second, nil)
	defer pc.Close()

	if err := pc.Send("FYI"); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case line := <-received:
		if line != "FYI" {
			t.Fatalf("expected FYI, got %q", line)
		}
	case <-time.After(time.Second):
		t.Fatalf("peer never received the fire-and-forget message")
	}
}
