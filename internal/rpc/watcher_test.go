package rpc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/go-zeromq/zmq4"

	"github.com/tos-network/stratum-pool/internal/chain"
	"github.com/tos-network/stratum-pool/internal/config"
)

type tipNode struct {
	mu  sync.Mutex
	tip chain.Entry
}

func (n *tipNode) setTip(height uint32, hash chainhash.Hash) {
	n.mu.Lock()
	n.tip = chain.Entry{Height: height, Hash: hash}
	n.mu.Unlock()
}

func (n *tipNode) Tip(context.Context) (*chain.Entry, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	tip := n.tip
	return &tip, nil
}

func (n *tipNode) HashAtHeight(context.Context, uint32) (chainhash.Hash, error) {
	return chainhash.Hash{}, errors.New("not implemented")
}

func (n *tipNode) Template(context.Context) (*chain.Template, error) {
	return nil, errors.New("not implemented")
}

func (n *tipNode) AddBlock(context.Context, *wire.MsgBlock) (*chain.Entry, error) {
	return nil, errors.New("not implemented")
}

func (n *tipNode) Broadcast(context.Context, *wire.MsgBlock) error { return nil }

func (n *tipNode) Synced(context.Context) (bool, error) { return true, nil }

func (n *tipNode) NetworkHashrate(context.Context) (float64, error) { return 0, nil }

func collectEvents(bus *chain.Bus) <-chan chain.Event {
	ch := make(chan chain.Event, 16)
	bus.Subscribe(func(_ context.Context, ev chain.Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	return ch
}

func waitEvent(t *testing.T, ch <-chan chain.Event) chain.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for chain event")
	}
	return chain.Event{}
}

func TestNewWatcher(t *testing.T) {
	node := &tipNode{}
	bus := chain.NewBus()

	if _, ok := NewWatcher(config.NodeConfig{ZMQ: "tcp://127.0.0.1:28332"}, node, bus).(*ZMQListener); !ok {
		t.Error("NewWatcher() with a zmq endpoint should return a ZMQListener")
	}
	if _, ok := NewWatcher(config.NodeConfig{}, node, bus).(*Poller); !ok {
		t.Error("NewWatcher() without a zmq endpoint should return a Poller")
	}
}

func TestPoller(t *testing.T) {
	node := &tipNode{}
	node.setTip(100, chainhash.Hash{1})
	bus := chain.NewBus()
	events := collectEvents(bus)

	p := NewPoller(10*time.Millisecond, node, bus)
	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer p.Stop()

	// the starting tip is not announced
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %v before the tip moved", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}

	node.setTip(101, chainhash.Hash{2})
	ev := waitEvent(t, events)
	if ev.Kind != chain.EventConnect || ev.Entry.Height != 101 {
		t.Errorf("event = %v at %v, want connect at 101", ev.Kind, ev.Entry)
	}
}

func TestZMQHandle(t *testing.T) {
	node := &tipNode{}
	node.setTip(200, chainhash.Hash{3})
	bus := chain.NewBus()
	events := collectEvents(bus)

	l := NewZMQListener("tcp://127.0.0.1:1", node, bus)

	l.handle([][]byte{[]byte(TopicHashTx), make([]byte, 32), {0, 0, 0, 0}})
	if ev := waitEvent(t, events); ev.Kind != chain.EventTransaction {
		t.Errorf("hashtx event = %v, want transaction", ev.Kind)
	}

	l.handle([][]byte{[]byte(TopicHashBlock), make([]byte, 32), {1, 0, 0, 0}})
	ev := waitEvent(t, events)
	if ev.Kind != chain.EventConnect || ev.Entry == nil || ev.Entry.Height != 200 {
		t.Errorf("hashblock event = %v at %v, want connect at 200", ev.Kind, ev.Entry)
	}

	l.handle([][]byte{[]byte("rawblock"), {0}})
	l.handle([][]byte{[]byte(TopicHashBlock)})
	select {
	case ev := <-events:
		t.Errorf("unexpected event %v", ev.Kind)
	default:
	}
}

func TestZMQListener(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub := zmq4.NewPub(ctx)
	defer pub.Close()
	if err := pub.Listen("tcp://127.0.0.1:0"); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	node := &tipNode{}
	node.setTip(300, chainhash.Hash{4})
	bus := chain.NewBus()
	events := collectEvents(bus)

	l := NewZMQListener("tcp://"+pub.Addr().String(), node, bus)
	if err := l.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer l.Stop()

	// subscriptions propagate asynchronously, so publish until one lands
	deadline := time.Now().Add(5 * time.Second)
	for {
		msg := zmq4.NewMsgFrom([]byte(TopicHashBlock), make([]byte, 32), []byte{0, 0, 0, 0})
		if err := pub.Send(msg); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
		select {
		case ev := <-events:
			if ev.Kind != chain.EventConnect || ev.Entry.Height != 300 {
				t.Errorf("event = %v at %v, want connect at 300", ev.Kind, ev.Entry)
			}
			return
		case <-time.After(50 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("no event received over zmq")
		}
	}
}
