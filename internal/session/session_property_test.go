package session

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/nmea-ws-proxy/backend/internal/proto"
)

const (
	opConnect = iota
	opConnectPending
	opDisconnect
	opPing
)

// TestSession_OneUplinkProperty fires random control sequences without waiting for replies and checks
// that no uplink is ever dialed while another is still open, and that nothing is left open afterwards.
func TestSession_OneUplinkProperty(t *testing.T) {
	src := newSource(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)

	properties.Property("at most one uplink per session", prop.ForAll(
		func(ops []int) bool {
			dialer := &testDialer{block: "127.0.0.1:9"}
			peer := newFakePeer()
			s := New(context.Background(), peer, "127.0.0.1:50000", Config{Dialer: dialer, DialTimeout: 5 * time.Second})
			s.Start()
			defer s.Close()

			for _, op := range ops {
				var msg string
				switch op {
				case opConnect:
					msg = string(connectMsg(src.port()))
				case opConnectPending:
					msg = `{"type":"connect","ip":"127.0.0.1","port":9}`
				case opDisconnect:
					msg = `{"type":"disconnect"}`
				default:
					msg = `{"type":"ping"}`
				}
				if err := s.Deliver([]byte(msg)); err != nil {
					return false
				}
			}
			s.Deliver([]byte(`{"type":"disconnect"}`))
			s.Deliver([]byte(`{"type":"ping"}`))

			// The final pong is answered only after the final disconnect completed.
			pongs := countPings(ops) + 1
			deadline := time.After(waitTimeout)
			for pongs > 0 {
				select {
				case ev := <-peer.events:
					if ev.Type == proto.TypePong {
						pongs--
					}
				case <-deadline:
					return false
				}
			}

			drain(src)

			open, openAtDial := dialer.counts()
			return open == 0 && openAtDial == 0
		},
		gen.SliceOf(gen.IntRange(opConnect, opPing)),
	))

	properties.TestingRun(t)
}

func countPings(ops []int) int {
	n := 0
	for _, op := range ops {
		if op == opPing {
			n++
		}
	}
	return n
}

func drain(src *source) {
	for {
		select {
		case c := <-src.conns:
			c.Close()
		default:
			return
		}
	}
}
