package rpc

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/go-zeromq/zmq4"

	"github.com/tos-network/stratum-pool/internal/chain"
	"github.com/tos-network/stratum-pool/internal/config"
	"github.com/tos-network/stratum-pool/internal/util"
)

// ZMQ topics published by bitcoind
const (
	TopicHashBlock = "hashblock"
	TopicHashTx    = "hashtx"
)

const redialDelay = time.Second

// Watcher turns node notifications into chain events
type Watcher interface {
	Start() error
	Stop()
}

// NewWatcher subscribes to the node's ZMQ feed when an endpoint is
// configured, and polls the best block hash otherwise
func NewWatcher(cfg config.NodeConfig, node chain.Node, bus *chain.Bus) Watcher {
	if cfg.ZMQ != "" {
		return NewZMQListener(cfg.ZMQ, node, bus)
	}
	return NewPoller(cfg.PollInterval, node, bus)
}

// ZMQListener publishes a connect event for every hashblock message and a
// transaction event for every hashtx message
type ZMQListener struct {
	endpoint string
	node     chain.Node
	bus      *chain.Bus

	mu  sync.Mutex
	sub zmq4.Socket

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewZMQListener(endpoint string, node chain.Node, bus *chain.Bus) *ZMQListener {
	ctx, cancel := context.WithCancel(context.Background())
	return &ZMQListener{endpoint: endpoint, node: node, bus: bus, ctx: ctx, cancel: cancel}
}

func (l *ZMQListener) Start() error {
	if err := l.dial(); err != nil {
		return err
	}
	util.Infof("Listening for node events on %s", l.endpoint)

	l.wg.Add(1)
	go l.loop()
	return nil
}

func (l *ZMQListener) Stop() {
	l.cancel()
	l.closeSocket()
	l.wg.Wait()
}

func (l *ZMQListener) dial() error {
	sub := zmq4.NewSub(l.ctx)
	if err := sub.Dial(l.endpoint); err != nil {
		sub.Close()
		return fmt.Errorf("dial '%s': %w", l.endpoint, err)
	}
	for _, topic := range []string{TopicHashBlock, TopicHashTx} {
		if err := sub.SetOption(zmq4.OptionSubscribe, topic); err != nil {
			sub.Close()
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}

	l.mu.Lock()
	l.sub = sub
	l.mu.Unlock()
	return nil
}

func (l *ZMQListener) closeSocket() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sub != nil {
		l.sub.Close()
		l.sub = nil
	}
}

func (l *ZMQListener) socket() zmq4.Socket {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sub
}

func (l *ZMQListener) loop() {
	defer l.wg.Done()

	for {
		sub := l.socket()
		if sub == nil {
			if !l.redial() {
				return
			}
			continue
		}

		msg, err := sub.Recv()
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			util.Warnf("ZMQ receive failed: %v", err)
			l.closeSocket()
			continue
		}

		l.handle(msg.Frames)
	}
}

// redial waits and reconnects; it reports false once the listener stopped
func (l *ZMQListener) redial() bool {
	select {
	case <-l.ctx.Done():
		return false
	case <-time.After(redialDelay):
	}
	if err := l.dial(); err != nil {
		util.Warnf("ZMQ reconnect failed: %v", err)
	}
	return true
}

// handle dispatches one [topic, body, sequence] message
func (l *ZMQListener) handle(frames [][]byte) {
	if len(frames) < 2 {
		return
	}

	switch string(frames[0]) {
	case TopicHashBlock:
		util.Debugf("ZMQ hashblock %s", hex.EncodeToString(frames[1]))
		tip, err := l.node.Tip(l.ctx)
		if err != nil {
			util.Warnf("Failed to load tip after hashblock: %v", err)
			return
		}
		l.bus.Publish(l.ctx, chain.Event{Kind: chain.EventConnect, Entry: tip})
	case TopicHashTx:
		l.bus.Publish(l.ctx, chain.Event{Kind: chain.EventTransaction})
	}
}

// Poller publishes a connect event whenever the node's tip changes
type Poller struct {
	interval time.Duration
	node     chain.Node
	bus      *chain.Bus

	last chainhash.Hash

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPoller(interval time.Duration, node chain.Node, bus *chain.Bus) *Poller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{interval: interval, node: node, bus: bus, ctx: ctx, cancel: cancel}
}

func (p *Poller) Start() error {
	tip, err := p.node.Tip(p.ctx)
	if err != nil {
		return fmt.Errorf("initial tip: %w", err)
	}
	p.last = tip.Hash
	util.Infof("Polling node tip every %v", p.interval)

	p.wg.Add(1)
	go p.loop()
	return nil
}

func (p *Poller) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *Poller) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.poll()
		}
	}
}

func (p *Poller) poll() {
	tip, err := p.node.Tip(p.ctx)
	if err != nil {
		util.Warnf("Failed to poll tip: %v", err)
		return
	}
	if tip.Hash == p.last {
		return
	}
	p.last = tip.Hash
	p.bus.Publish(p.ctx, chain.Event{Kind: chain.EventConnect, Entry: tip})
}
