// Package integration contains end-to-end tests that run a full relay on
// loopback and talk to it the way terminal and browser clients do.
package integration

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Tyrowin/gorelay/internal/server"
	"github.com/Tyrowin/gorelay/test/testhelpers"
)

const quiet = 300 * time.Millisecond

// joinAll dials n peers one at a time so every earlier peer sees each join.
func joinAll(t *testing.T, relay *testhelpers.Relay, n int) []*testhelpers.Peer {
	t.Helper()
	peers := make([]*testhelpers.Peer, 0, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("peer%d", i)
		p := testhelpers.DialPeer(t, relay.TCPAddr, name, testhelpers.Secret)
		want := i + 1
		testhelpers.WaitFor(t, name+" to join", func() bool {
			return relay.Hub.Registry().Joined() == want
		})
		for _, earlier := range peers {
			earlier.ExpectLine(t, name+" has joined\n")
		}
		peers = append(peers, p)
	}
	return peers
}

// TestMultiplePeersMessageExchange verifies fan-out between several terminal
// peers and that nobody hears their own lines.
func TestMultiplePeersMessageExchange(t *testing.T) {
	relay := testhelpers.StartRelay(t, nil)
	peers := joinAll(t, relay, 4)

	for i, sender := range peers {
		msg := fmt.Sprintf("message from %d\n", i)
		sender.Send(t, msg)
		for j, receiver := range peers {
			if i == j {
				continue
			}
			receiver.ExpectLine(t, msg)
		}
	}
	for _, p := range peers {
		p.ExpectNothing(t, quiet)
	}
}

// TestDirectedTransfer verifies that a SEND directive and its stream reach
// only the addressed peer.
func TestDirectedTransfer(t *testing.T) {
	relay := testhelpers.StartRelay(t, nil)
	peers := joinAll(t, relay, 3)
	sender, target, bystander := peers[0], peers[1], peers[2]

	host, port := target.Address()
	directive := fmt.Sprintf("SEND %s %s report.txt\n", host, port)
	sender.Send(t, directive)
	target.ExpectLine(t, directive)

	sender.Send(t, "quarterly numbers*\n")
	target.ExpectLine(t, "quarterly numbers*\n")
	bystander.ExpectNothing(t, quiet)

	sender.Send(t, "back to chat\n")
	target.ExpectLine(t, "back to chat\n")
	bystander.ExpectLine(t, "back to chat\n")
}

// TestPeersLeaving verifies exit and hang-up both announce the departure.
func TestPeersLeaving(t *testing.T) {
	relay := testhelpers.StartRelay(t, nil)
	peers := joinAll(t, relay, 3)

	peers[1].Send(t, "exit\n")
	peers[0].ExpectLine(t, "peer1 has left\n")
	peers[2].ExpectLine(t, "peer1 has left\n")
	peers[1].ExpectClosed(t)

	_ = peers[2].Conn.Close()
	peers[0].ExpectLine(t, "peer2 has left\n")

	testhelpers.WaitFor(t, "registry to shrink", func() bool {
		return relay.Hub.Registry().Len() == 1
	})
}

// TestAuditLogsWritten verifies login and chat audit files on disk.
func TestAuditLogsWritten(t *testing.T) {
	relay := testhelpers.StartRelay(t, nil)
	peers := joinAll(t, relay, 2)

	peers[0].Send(t, "hello auditors\n")
	peers[1].ExpectLine(t, "hello auditors\n")
	peers[1].Send(t, "exit\n")
	peers[0].ExpectLine(t, "peer1 has left\n")

	login := readAudit(t, relay, "login.log")
	chat := readAudit(t, relay, "chatting.log")

	for _, want := range []string{"peer0 has joined", "peer1 has joined", "peer1 has left"} {
		if !strings.Contains(login, want) {
			t.Errorf("login.log missing %q:\n%s", want, login)
		}
	}
	for _, want := range []string{"peer1 has joined", "hello auditors", "peer1 has left"} {
		if !strings.Contains(chat, want) {
			t.Errorf("chatting.log missing %q:\n%s", want, chat)
		}
	}
	if !strings.HasPrefix(login, "[") {
		t.Errorf("login.log lines should start with a timestamp: %q", login)
	}
}

func readAudit(t *testing.T, relay *testhelpers.Relay, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(relay.AuditDir, name))
	if err != nil {
		t.Fatalf("Failed to read %s: %v", name, err)
	}
	return string(data)
}

// TestConcurrentPeers verifies many peers handshaking at once all join and
// receive a final broadcast.
func TestConcurrentPeers(t *testing.T) {
	cfg := server.NewConfig()
	cfg.MaxConnections = 20
	relay := testhelpers.StartRelay(t, cfg)

	const n = 10
	peers := make([]*testhelpers.Peer, n)
	for i := range peers {
		peers[i] = testhelpers.DialPeer(t, relay.TCPAddr, fmt.Sprintf("c%02d", i), testhelpers.Secret)
	}
	testhelpers.WaitFor(t, "all peers to join", func() bool {
		return relay.Hub.Registry().Joined() == n
	})

	announcer := testhelpers.DialPeer(t, relay.TCPAddr, "announcer", testhelpers.Secret)
	testhelpers.WaitFor(t, "announcer to join", func() bool {
		return relay.Hub.Registry().Joined() == n+1
	})
	announcer.Send(t, "final call\n")

	for i, p := range peers {
		for {
			line := p.ReadLine(t)
			if line == "final call\n" {
				break
			}
			if !strings.HasSuffix(line, " has joined\n") {
				t.Fatalf("peer %d got unexpected line %q", i, line)
			}
		}
	}
}
