package wire

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRequestRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc := NewCodec(client)
	sc := NewCodec(server)

	sent := ActionAttach{Pid: 42, IsolationLevel: "user", RegionName: "nosv"}
	done := make(chan error, 1)
	go func() { done <- cc.Send(sent) }()

	req, err := sc.Recv()
	require.NoError(t, err)
	require.NoError(t, <-done)

	got, ok := req.Action.(ActionAttach)
	require.True(t, ok, "gob must round-trip the concrete registered action type")
	assert.Equal(t, sent, got)
}

func TestCodecResponseRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc := NewCodec(client)
	sc := NewCodec(server)

	sent := ActionAttachResponse{NumCPU: 4, CPUs: []int{0, 1, 2, 3}, Created: true}
	done := make(chan error, 1)
	go func() { done <- sc.SendResponse(sent) }()

	var got ActionAttachResponse
	require.NoError(t, cc.RecvResponse(&got))
	require.NoError(t, <-done)
	assert.Equal(t, sent, got)
}

func TestCodecRecvPropagatesPeerClose(t *testing.T) {
	client, server := net.Pipe()
	sc := NewCodec(server)

	client.Close()
	errCh := make(chan error, 1)
	go func() { _, err := sc.Recv(); errCh <- err }()

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Recv never returned after the peer closed")
	}
}
