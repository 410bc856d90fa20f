package ipc

import (
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"
)

func createSocketPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	return a, b
}

func TestConnSendRecv(t *testing.T) {
	serverConn, clientConn := createSocketPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	server := NewConn(serverConn)
	client := NewConn(clientConn)

	msg, err := NewMethodCall("SetupForUser", "mdm", "alice")
	if err != nil {
		t.Fatalf("NewMethodCall: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := client.Send(msg)
		done <- err
	}()

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	recv, err := server.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("send: %v", err)
	}

	if recv.Kind != KindMethodCall {
		t.Errorf("expected kind %s, got %s", KindMethodCall, recv.Kind)
	}
	if recv.Member != "SetupForUser" {
		t.Errorf("expected member SetupForUser, got %s", recv.Member)
	}
	if recv.Serial != 1 {
		t.Errorf("expected serial 1, got %d", recv.Serial)
	}

	var service, user string
	if err := recv.Decode(&service, &user); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if service != "mdm" || user != "alice" {
		t.Errorf("decoded (%q, %q), want (mdm, alice)", service, user)
	}
}

func TestConnReplyCarriesSerial(t *testing.T) {
	serverConn, clientConn := createSocketPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	server := NewConn(serverConn)
	client := NewConn(clientConn)

	go func() {
		msg, _ := NewMethodCall("Authenticated")
		client.Send(msg)
		msg2, _ := NewMethodCall("Authorized")
		client.Send(msg2)
	}()

	first, err := server.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	second, err := server.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if second.Serial <= first.Serial {
		t.Fatalf("serials not increasing: %d then %d", first.Serial, second.Serial)
	}

	reply, err := second.Reply()
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if reply.Kind != KindMethodReturn || reply.ReplySerial != second.Serial {
		t.Fatalf("reply = %+v, want method_return for serial %d", reply, second.Serial)
	}
}

func writeRawFrame(t *testing.T, conn net.Conn, payload string) {
	t.Helper()
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)
	if _, err := conn.Write(frame); err != nil {
		t.Errorf("write: %v", err)
	}
}

func TestConnMalformedFrameKeepsStream(t *testing.T) {
	serverConn, clientConn := createSocketPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	server := NewConn(serverConn)

	go func() {
		writeRawFrame(t, clientConn, `{"serial":1,"kind":"method_call","member":"Info","args":[`)
		writeRawFrame(t, clientConn, `{"serial":2,"kind":"bogus","member":"Info"}`)
		writeRawFrame(t, clientConn, `{"serial":3,"kind":"method_call","member":"Info","args":["hello"]}`)
	}()

	var malformed *MalformedError
	for i := 0; i < 2; i++ {
		if _, err := server.Recv(); !errors.As(err, &malformed) {
			t.Fatalf("frame %d: expected MalformedError, got %v", i, err)
		}
	}

	msg, err := server.Recv()
	if err != nil {
		t.Fatalf("recv after malformed frames: %v", err)
	}
	if msg.Member != "Info" || msg.Serial != 3 {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestConnRejectsReplayedSerial(t *testing.T) {
	serverConn, clientConn := createSocketPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	server := NewConn(serverConn)

	go func() {
		writeRawFrame(t, clientConn, `{"serial":5,"kind":"signal","member":"Authenticate"}`)
		writeRawFrame(t, clientConn, `{"serial":5,"kind":"signal","member":"Authenticate"}`)
	}()

	if _, err := server.Recv(); err != nil {
		t.Fatalf("first recv: %v", err)
	}
	if _, err := server.Recv(); err == nil {
		t.Fatal("expected error for replayed serial")
	}
}

func TestConnSendRejectsInvalidMessage(t *testing.T) {
	serverConn, clientConn := createSocketPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	client := NewConn(clientConn)
	if _, err := client.Send(&Message{Kind: KindSignal}); err == nil {
		t.Fatal("expected error for signal without member")
	}
	if _, err := client.Send(&Message{Kind: KindMethodReturn}); err == nil {
		t.Fatal("expected error for reply without reply serial")
	}
}
