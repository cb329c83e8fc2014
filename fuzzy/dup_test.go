package fuzzy

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"mqttsn"
	"mqttsn/codec/v12"
	"mqttsn/internal/config"
	"mqttsn/internal/invoker"
	"mqttsn/internal/types"
	"mqttsn/test"
	"mqttsn/transport"
)

type capturedPublish struct {
	id  types.PacketId
	dup bool
}

// captureOutbound parses every frame a Send call carries and reports
// each PUBLISH it sees before forwarding it unchanged, so a test can
// observe the wire-level Dup bit and msg_id of a client's retransmits.
type captureOutbound struct {
	transport.Transport
	publishes chan capturedPublish
}

func (c *captureOutbound) Send(peer types.PeerContext, frame []byte) error {
	if msg, err := v12.New().Parse(frame); err == nil {
		if pub, ok := msg.(*v12.Publish); ok {
			c.publishes <- capturedPublish{id: pub.ID(), dup: pub.Dup}
		}
	}
	return c.Transport.Send(peer, frame)
}

// dropFirstAck silently swallows the first PUBACK it's asked to send,
// simulating the lost acknowledgment scenario 1 retransmit depends on;
// every other frame passes through untouched.
type dropFirstAck struct {
	transport.Transport
	mu      sync.Mutex
	dropped bool
}

func (d *dropFirstAck) Send(peer types.PeerContext, frame []byte) error {
	if msg, err := v12.New().Parse(frame); err == nil && msg.Kind() == types.PUBACK {
		d.mu.Lock()
		if !d.dropped {
			d.dropped = true
			d.mu.Unlock()
			return nil
		}
		d.mu.Unlock()
	}
	return d.Transport.Send(peer, frame)
}

// Test_DupRetransmitAfterReaperRequeue drives scenario 1 retransmit
// end to end: a QoS 1 publish whose PUBACK is lost ages out of the
// client's inflight table, the reaper requeues it, and the flush
// scheduler resends it -- the resend must carry the same msg_id as
// the original send with the Dup flag set.
func Test_DupRetransmitAfterReaperRequeue(t *testing.T) {
	clientID, gatewayID := peerWithID("dup-client"), peerWithID("dup-gateway")

	clientTrRaw, gatewayTrRaw := test.NewLink(clientID, gatewayID)
	publishes := make(chan capturedPublish, 8)
	clientTr := &captureOutbound{Transport: clientTrRaw, publishes: publishes}
	gatewayTr := &dropFirstAck{Transport: gatewayTrRaw}

	clientInv := invoker.NewWaitGroup()
	gatewayInv := invoker.NewWaitGroup()

	clientCfg := config.New(
		config.WithMaxTimeInflight(80*time.Millisecond),
		config.WithStateLoopTimeout(20*time.Millisecond),
		config.WithMinFlushTime(10*time.Millisecond),
	)

	client := mqttsn.New(mqttsn.Options{
		Config:    clientCfg,
		Transport: clientTr,
		Invoker:   clientInv,
	})
	gateway := mqttsn.New(mqttsn.Options{
		Transport: gatewayTr,
		Invoker:   gatewayInv,
	})

	go client.Run()
	go gateway.Run()

	defer func() {
		client.Close()
		gateway.Close()
		if !test.WaitThisOrTimeout(func() { clientInv.Wait(); gatewayInv.Wait() }, 10*time.Second) {
			test.PrintStackTrace(t)
			t.Fatal("services failed to shut down")
		}
		goleak.VerifyNone(t)
	}()

	if err := client.Connect(gatewayID, "dup-client", 30*time.Second, true); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	client.Publish(gatewayID, "sensors/pressure", []byte("1013"), 1, false)

	var first, second capturedPublish
	select {
	case first = <-publishes:
	case <-time.After(3 * time.Second):
		t.Fatal("client never sent the original publish")
	}
	if first.dup {
		t.Fatalf("expected the original publish to not carry Dup, got Dup=true")
	}

	select {
	case second = <-publishes:
	case <-time.After(5 * time.Second):
		t.Fatal("client never retransmitted after the dropped PUBACK timed out")
	}
	if !second.dup {
		t.Fatalf("expected the retransmit to carry Dup=true, got Dup=false")
	}
	if second.id != first.id {
		t.Fatalf("expected the retransmit to reuse msg_id %d, got %d", first.id, second.id)
	}
}
