package cnx

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rbarbey/flowmq-client-go/internal/flowmqerr"
	"github.com/rbarbey/flowmq-client-go/internal/wire"
)

// fakeBroker is a minimal stand-in for a broker's connection-handling
// loop: it decodes incoming frames and hands each Command to onCommand,
// which may write raw frames back via wire.EncodeFrame over conn.
type fakeBroker struct {
	ln net.Listener
}

func startFakeBroker(t *testing.T, onCommand func(conn net.Conn, cmd *wire.Command)) *fakeBroker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fb := &fakeBroker{ln: ln}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var dec wire.Decoder
		buf := make([]byte, 64*1024)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				dec.Feed(buf[:n])
				for {
					f, ferr := dec.Pull()
					if ferr != nil {
						if _, short := ferr.(*wire.ErrShortRead); short {
							break
						}
						return
					}
					onCommand(conn, f.Command)
				}
			}
			if err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return fb
}

func (fb *fakeBroker) addr() string { return fb.ln.Addr().String() }

func writeCmd(t *testing.T, conn net.Conn, cmd *wire.Command) {
	t.Helper()
	raw, err := wire.EncodeFrame(cmd, nil, nil, false)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := conn.Write(raw); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestDial_HandshakeSucceeds(t *testing.T) {
	fb := startFakeBroker(t, func(conn net.Conn, cmd *wire.Command) {
		if cmd.Type == wire.CmdConnect {
			writeCmd(t, conn, &wire.Command{
				Type:           wire.CmdConnected,
				RequestID:      cmd.RequestID,
				MaxMessageSize: 1024,
			})
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, Config{Address: fb.addr(), ConnectionTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if c.State() != StateReady {
		t.Fatalf("expected StateReady, got %s", c.State())
	}
	if c.MaxMessageSize() != 1024 {
		t.Fatalf("expected negotiated MaxMessageSize 1024, got %d", c.MaxMessageSize())
	}
}

func TestDial_AuthChallengeRoundTrip(t *testing.T) {
	fb := startFakeBroker(t, func(conn net.Conn, cmd *wire.Command) {
		switch cmd.Type {
		case wire.CmdConnect:
			writeCmd(t, conn, &wire.Command{Type: wire.CmdAuthChallenge, RequestID: cmd.RequestID, Challenge: []byte("prove-it")})
		case wire.CmdAuthResponse:
			if string(cmd.AuthData) != "proof" {
				writeCmd(t, conn, &wire.Command{Type: wire.CmdError, RequestID: cmd.RequestID})
				return
			}
			writeCmd(t, conn, &wire.Command{Type: wire.CmdConnected, RequestID: cmd.RequestID})
		}
	})

	respond := func(ctx context.Context, challenge []byte) ([]byte, error) {
		if string(challenge) != "prove-it" {
			t.Fatalf("unexpected challenge: %q", challenge)
		}
		return []byte("proof"), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, Config{Address: fb.addr(), ConnectionTimeout: 2 * time.Second, RespondChallenge: respond})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
	if c.State() != StateReady {
		t.Fatalf("expected StateReady, got %s", c.State())
	}
}

func dialReady(t *testing.T, fb *fakeBroker) *Cnx {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, Config{Address: fb.addr(), ConnectionTimeout: 2 * time.Second, OperationTimeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return c
}

func TestRoundTrip_TimesOutWithoutResponse(t *testing.T) {
	fb := startFakeBroker(t, func(conn net.Conn, cmd *wire.Command) {
		if cmd.Type == wire.CmdConnect {
			writeCmd(t, conn, &wire.Command{Type: wire.CmdConnected, RequestID: cmd.RequestID})
		}
		// Every other command (e.g. CmdLookup below) is silently dropped.
	})
	c := dialReady(t, fb)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := c.RoundTrip(ctx, &wire.Command{Type: wire.CmdLookup, LookupTopic: "t"})
	if flowmqerr.Of(err) != flowmqerr.Timeout {
		t.Fatalf("expected flowmqerr.Timeout, got %v", err)
	}
}

func TestDispatch_ServiceNotReadyForcesReconnect(t *testing.T) {
	fb := startFakeBroker(t, func(conn net.Conn, cmd *wire.Command) {
		switch cmd.Type {
		case wire.CmdConnect:
			writeCmd(t, conn, &wire.Command{Type: wire.CmdConnected, RequestID: cmd.RequestID})
		case wire.CmdLookup:
			writeCmd(t, conn, &wire.Command{
				Type:        wire.CmdError,
				RequestID:   cmd.RequestID,
				ServerError: flowmqerr.ServerServiceNotReady,
				Message:     "not ready yet",
			})
		}
	})
	c := dialReady(t, fb)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := c.RoundTrip(ctx, &wire.Command{Type: wire.CmdLookup, LookupTopic: "t"})
	if flowmqerr.Of(err) != flowmqerr.Retryable {
		t.Fatalf("expected Retryable (message lacks the disambiguating substring), got %v", err)
	}

	// ForcesReconnect should have closed the socket.
	deadline := time.After(time.Second)
	for c.State() != StateDisconnected {
		select {
		case <-deadline:
			t.Fatalf("expected Cnx to close after a ServiceNotReady response")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSendPublish_RoutesReceiptToRegisteredProducer(t *testing.T) {
	fb := startFakeBroker(t, func(conn net.Conn, cmd *wire.Command) {
		switch cmd.Type {
		case wire.CmdConnect:
			writeCmd(t, conn, &wire.Command{Type: wire.CmdConnected, RequestID: cmd.RequestID})
		case wire.CmdSend:
			writeCmd(t, conn, &wire.Command{
				Type:            wire.CmdSendReceipt,
				ProducerID:      cmd.ProducerID,
				SequenceID:      cmd.SequenceID,
				MessageLedgerID: 1,
				MessageEntryID:  2,
			})
		}
	})
	c := dialReady(t, fb)
	defer c.Close()

	receiptCh := make(chan *wire.Command, 1)
	h := &recordingHandler{receipts: receiptCh}
	c.RegisterProducer(9, h)

	meta := &wire.Metadata{ProducerName: "p", SequenceID: 5}
	if err := c.SendPublish(context.Background(), &wire.Command{Type: wire.CmdSend, ProducerID: 9, SequenceID: 5}, meta, []byte("hi")); err != nil {
		t.Fatalf("SendPublish: %v", err)
	}

	select {
	case receipt := <-receiptCh:
		if receipt.MessageLedgerID != 1 || receipt.MessageEntryID != 2 {
			t.Fatalf("unexpected receipt: %+v", receipt)
		}
	case <-time.After(time.Second):
		t.Fatal("receipt never routed to the registered producer handler")
	}
}

type recordingHandler struct {
	receipts chan *wire.Command
}

func (h *recordingHandler) HandleSendReceipt(cmd *wire.Command) { h.receipts <- cmd }
func (h *recordingHandler) HandleSendError(cmd *wire.Command)   {}
func (h *recordingHandler) HandleCloseProducer()                {}

// TestKeepAlive_RespondedPingsKeepConnectionAlive verifies a broker that
// answers every PING with a PONG never trips the dead-connection check,
// across several keep-alive intervals.
func TestKeepAlive_RespondedPingsKeepConnectionAlive(t *testing.T) {
	fb := startFakeBroker(t, func(conn net.Conn, cmd *wire.Command) {
		switch cmd.Type {
		case wire.CmdConnect:
			writeCmd(t, conn, &wire.Command{Type: wire.CmdConnected, RequestID: cmd.RequestID})
		case wire.CmdPing:
			writeCmd(t, conn, &wire.Command{Type: wire.CmdPong})
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, Config{Address: fb.addr(), ConnectionTimeout: 2 * time.Second, KeepAliveInterval: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	time.Sleep(200 * time.Millisecond)
	if c.State() != StateReady {
		t.Fatalf("expected StateReady after several answered keep-alives, got %s", c.State())
	}
}

// TestKeepAlive_TwoUnansweredIntervalsCloseConnection verifies that a
// broker which stops answering PING (and sends nothing else) triggers
// exactly one close, per the dead-connection-detection requirement: the
// second keep-alive tick finds havePendingPing still set from the first
// and tears the connection down as Retryable.
func TestKeepAlive_TwoUnansweredIntervalsCloseConnection(t *testing.T) {
	fb := startFakeBroker(t, func(conn net.Conn, cmd *wire.Command) {
		if cmd.Type == wire.CmdConnect {
			writeCmd(t, conn, &wire.Command{Type: wire.CmdConnected, RequestID: cmd.RequestID})
		}
		// PING (and anything else) is silently dropped from here on.
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, Config{Address: fb.addr(), ConnectionTimeout: 2 * time.Second, KeepAliveInterval: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	deadline := time.After(time.Second)
	for c.State() != StateDisconnected {
		select {
		case <-deadline:
			t.Fatalf("expected connection to close after two unanswered keep-alive intervals")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
