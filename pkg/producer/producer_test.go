package producer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rbarbey/flowmq-client-go/internal/cnx"
	"github.com/rbarbey/flowmq-client-go/internal/flowmqerr"
	"github.com/rbarbey/flowmq-client-go/internal/pool"
	"github.com/rbarbey/flowmq-client-go/internal/wire"
)

// fakeBroker mirrors internal/cnx/cnx_test.go's harness: it decodes real
// wire frames and hands each one to onCommand, scoped per accepted
// connection so a test can script different behavior across reconnects.
type fakeBroker struct {
	ln net.Listener
}

func startFakeBroker(t *testing.T, onCommand func(connIndex int, conn net.Conn, cmd *wire.Command)) *fakeBroker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fb := &fakeBroker{ln: ln}
	go func() {
		connIndex := 0
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			idx := connIndex
			connIndex++
			go func() {
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
							onCommand(idx, conn, f.Command)
						}
					}
					if err != nil {
						return
					}
				}
			}()
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

func newTestPool(fb *fakeBroker) *pool.Pool {
	return pool.New(fb.addr(), cnx.Config{OperationTimeout: 2 * time.Second, ConnectionTimeout: 2 * time.Second}, 1)
}

func TestProducer_SendReceivesAck(t *testing.T) {
	fb := startFakeBroker(t, func(connIndex int, conn net.Conn, cmd *wire.Command) {
		switch cmd.Type {
		case wire.CmdConnect:
			writeCmd(t, conn, &wire.Command{Type: wire.CmdConnected, RequestID: cmd.RequestID})
		case wire.CmdProducer:
			writeCmd(t, conn, &wire.Command{
				Type:                 wire.CmdProducerSuccess,
				RequestID:            cmd.RequestID,
				AssignedProducerName: "fake-producer-1",
				ProducerReady:        true,
			})
		case wire.CmdSend:
			writeCmd(t, conn, &wire.Command{
				Type:            wire.CmdSendReceipt,
				ProducerID:      cmd.ProducerID,
				SequenceID:      cmd.SequenceID,
				MessageLedgerID: 42,
				MessageEntryID:  7,
			})
		}
	})

	cfg := DefaultConfig("my-topic")
	cfg.BatchingEnabled = false

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p, err := New(ctx, newTestPool(fb), cfg, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	if p.ProducerName() != "fake-producer-1" {
		t.Fatalf("expected adopted producer name, got %q", p.ProducerName())
	}

	id, err := p.Send(ctx, Message{Payload: []byte("hello")})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id.LedgerID != 42 || id.EntryID != 7 || id.BatchIndex != -1 {
		t.Fatalf("unexpected MessageID: %+v", id)
	}
}

func TestProducer_SendErrorPropagates(t *testing.T) {
	fb := startFakeBroker(t, func(connIndex int, conn net.Conn, cmd *wire.Command) {
		switch cmd.Type {
		case wire.CmdConnect:
			writeCmd(t, conn, &wire.Command{Type: wire.CmdConnected, RequestID: cmd.RequestID})
		case wire.CmdProducer:
			writeCmd(t, conn, &wire.Command{Type: wire.CmdProducerSuccess, RequestID: cmd.RequestID, AssignedProducerName: "p", ProducerReady: true})
		case wire.CmdSend:
			writeCmd(t, conn, &wire.Command{
				Type:        wire.CmdSendError,
				ProducerID:  cmd.ProducerID,
				SequenceID:  cmd.SequenceID,
				ServerError: flowmqerr.ServerTopicTerminated,
			})
		}
	})

	cfg := DefaultConfig("my-topic")
	cfg.BatchingEnabled = false

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p, err := New(ctx, newTestPool(fb), cfg, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	_, err = p.Send(ctx, Message{Payload: []byte("hello")})
	if err == nil {
		t.Fatalf("expected SEND_ERROR to propagate as an error")
	}
}

func TestProducer_ResendsOnReconnect(t *testing.T) {
	var firstSendSeen = make(chan struct{}, 1)

	fb := startFakeBroker(t, func(connIndex int, conn net.Conn, cmd *wire.Command) {
		switch cmd.Type {
		case wire.CmdConnect:
			writeCmd(t, conn, &wire.Command{Type: wire.CmdConnected, RequestID: cmd.RequestID})
		case wire.CmdProducer:
			writeCmd(t, conn, &wire.Command{Type: wire.CmdProducerSuccess, RequestID: cmd.RequestID, AssignedProducerName: "p", ProducerReady: true})
		case wire.CmdSend:
			if connIndex == 0 {
				// Simulate the broker dying right after accepting the SEND,
				// before ever acking it: close the socket with no response.
				select {
				case firstSendSeen <- struct{}{}:
				default:
				}
				conn.Close()
				return
			}
			writeCmd(t, conn, &wire.Command{
				Type:            wire.CmdSendReceipt,
				ProducerID:      cmd.ProducerID,
				SequenceID:      cmd.SequenceID,
				MessageLedgerID: 1,
				MessageEntryID:  1,
			})
		}
	})

	cfg := DefaultConfig("my-topic")
	cfg.BatchingEnabled = false
	cfg.InitialBackoff = 5 * time.Millisecond
	cfg.MaxBackoff = 20 * time.Millisecond
	cfg.SendTimeout = 3 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p, err := New(ctx, newTestPool(fb), cfg, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	sendCtx, sendCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer sendCancel()
	id, err := p.Send(sendCtx, Message{Payload: []byte("hello")})
	if err != nil {
		t.Fatalf("Send: %v (expected the library to transparently resend after the mid-flight drop)", err)
	}
	if id.LedgerID != 1 || id.EntryID != 1 {
		t.Fatalf("unexpected MessageID after resend: %+v", id)
	}

	select {
	case <-firstSendSeen:
	default:
		t.Fatalf("expected the first connection to have seen the SEND before dying")
	}
}

// TestProducer_ChecksumErrorAtHeadFailsOnlyThatMessage verifies the
// conservative head-of-queue policy's easy case: a single in-flight
// message is, by definition, the head, so a ChecksumError naming it
// fails that Send with a ChecksumError-flavored error and nothing else.
func TestProducer_ChecksumErrorAtHeadFailsOnlyThatMessage(t *testing.T) {
	fb := startFakeBroker(t, func(connIndex int, conn net.Conn, cmd *wire.Command) {
		switch cmd.Type {
		case wire.CmdConnect:
			writeCmd(t, conn, &wire.Command{Type: wire.CmdConnected, RequestID: cmd.RequestID})
		case wire.CmdProducer:
			writeCmd(t, conn, &wire.Command{Type: wire.CmdProducerSuccess, RequestID: cmd.RequestID, AssignedProducerName: "p", ProducerReady: true})
		case wire.CmdSend:
			writeCmd(t, conn, &wire.Command{
				Type:        wire.CmdSendError,
				ProducerID:  cmd.ProducerID,
				SequenceID:  cmd.SequenceID,
				ServerError: flowmqerr.ServerChecksumError,
			})
		}
	})

	cfg := DefaultConfig("my-topic")
	cfg.BatchingEnabled = false

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p, err := New(ctx, newTestPool(fb), cfg, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	_, err = p.Send(ctx, Message{Payload: []byte("hello")})
	if flowmqerr.Of(err) != flowmqerr.ChecksumError {
		t.Fatalf("expected flowmqerr.ChecksumError, got %v", err)
	}
}

// TestProducer_ChecksumErrorNotAtHeadForcesReconnect verifies the other
// half of the policy: a ChecksumError naming a sequence id that is not
// the head of the pending queue can't be trusted, so the connection is
// closed to force a full resend rather than failing the wrong batch.
// Both messages end up acknowledged normally on the reconnected socket.
func TestProducer_ChecksumErrorNotAtHeadForcesReconnect(t *testing.T) {
	fb := startFakeBroker(t, func(connIndex int, conn net.Conn, cmd *wire.Command) {
		switch cmd.Type {
		case wire.CmdConnect:
			writeCmd(t, conn, &wire.Command{Type: wire.CmdConnected, RequestID: cmd.RequestID})
		case wire.CmdProducer:
			writeCmd(t, conn, &wire.Command{Type: wire.CmdProducerSuccess, RequestID: cmd.RequestID, AssignedProducerName: "p", ProducerReady: true})
		case wire.CmdSend:
			if connIndex == 0 {
				if cmd.SequenceID == 2 {
					// Report corruption on the non-head batch; the real
					// head (sequence 1) is still unacknowledged, so this
					// producer can't trust the report and must reconnect.
					writeCmd(t, conn, &wire.Command{
						Type:        wire.CmdSendError,
						ProducerID:  cmd.ProducerID,
						SequenceID:  2,
						ServerError: flowmqerr.ServerChecksumError,
					})
				}
				return
			}
			writeCmd(t, conn, &wire.Command{
				Type:            wire.CmdSendReceipt,
				ProducerID:      cmd.ProducerID,
				SequenceID:      cmd.SequenceID,
				MessageLedgerID: 1,
				MessageEntryID:  1,
			})
		}
	})

	cfg := DefaultConfig("my-topic")
	cfg.BatchingEnabled = false
	cfg.InitialBackoff = 5 * time.Millisecond
	cfg.MaxBackoff = 20 * time.Millisecond
	cfg.SendTimeout = 3 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p, err := New(ctx, newTestPool(fb), cfg, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	resA := make(chan error, 1)
	resB := make(chan error, 1)
	if err := p.SendAsync(ctx, Message{Payload: []byte("a")}, func(_ MessageID, err error) { resA <- err }); err != nil {
		t.Fatalf("SendAsync a: %v", err)
	}
	if err := p.SendAsync(ctx, Message{Payload: []byte("b")}, func(_ MessageID, err error) { resB <- err }); err != nil {
		t.Fatalf("SendAsync b: %v", err)
	}

	timeout := time.After(3 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case err := <-resA:
			if err != nil {
				t.Fatalf("expected message a to be acknowledged after reconnect, got %v", err)
			}
			resA = nil
		case err := <-resB:
			if err != nil {
				t.Fatalf("expected message b to be acknowledged after reconnect, got %v", err)
			}
			resB = nil
		case <-timeout:
			t.Fatalf("timed out waiting for both messages to be acknowledged after reconnect")
		}
	}
}
