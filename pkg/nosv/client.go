package nosv

import (
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/aclements/nosv/internal/wire"
)

// daemonClient is the thin RPC client AttachRemote uses to talk to
// nosvd, grounded on the teacher's own client in cmd/perflock/client.go
// (dial, send one action, decode one response, repeat). mu serializes
// the request/response round trips below: unlike the teacher, a
// daemonClient here is shared between the calling goroutine and the
// background grant-poller goroutine (Process.pollGrants), and the codec's
// single encoder/decoder pair is not safe for concurrent use.
type daemonClient struct {
	conn net.Conn
	code *wire.Codec

	mu sync.Mutex
}

func dialDaemon(socketPath string) (*daemonClient, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, err
	}
	return &daemonClient{conn: conn, code: wire.NewCodec(conn)}, nil
}

func (c *daemonClient) close() error {
	return c.conn.Close()
}

func (c *daemonClient) attach(pid int64) (numCPU int, cpus []int, created bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.code.Send(wire.ActionAttach{Pid: pid}); err != nil {
		return 0, nil, false, errors.Wrap(err, "sending attach")
	}
	var resp wire.ActionAttachResponse
	if err := c.code.RecvResponse(&resp); err != nil {
		return 0, nil, false, errors.Wrap(err, "receiving attach response")
	}
	if resp.Err != "" {
		return 0, nil, false, errors.New(resp.Err)
	}
	return resp.NumCPU, resp.CPUs, resp.Created, nil
}

func (c *daemonClient) detach(pid int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.code.Send(wire.ActionDetach{Pid: pid}); err != nil {
		return errors.Wrap(err, "sending detach")
	}
	var resp wire.ActionDetachResponse
	if err := c.code.RecvResponse(&resp); err != nil {
		return errors.Wrap(err, "receiving detach response")
	}
	if resp.Err != "" {
		return errors.New(resp.Err)
	}
	return nil
}

func (c *daemonClient) reportStats(pid int64, taskCount int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code.Send(wire.ActionReportStats{Pid: pid, TaskCount: taskCount})
}

func (c *daemonClient) requestCPU(pid int64, cpu int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.code.Send(wire.ActionRequestCPU{Pid: pid, CPU: cpu}); err != nil {
		return errors.Wrap(err, "sending request-cpu")
	}
	var resp wire.ActionRequestCPUResponse
	if err := c.code.RecvResponse(&resp); err != nil {
		return errors.Wrap(err, "receiving request-cpu response")
	}
	if resp.Err != "" {
		return errors.New(resp.Err)
	}
	return nil
}

func (c *daemonClient) pollGrant(pid int64) ([]int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.code.Send(wire.ActionPollGrant{Pid: pid}); err != nil {
		return nil, errors.Wrap(err, "sending poll-grant")
	}
	var resp wire.ActionPollGrantResponse
	if err := c.code.RecvResponse(&resp); err != nil {
		return nil, errors.Wrap(err, "receiving poll-grant response")
	}
	return resp.CPUs, nil
}
