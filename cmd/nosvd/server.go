package main

import (
	"io"
	"net"

	"github.com/sirupsen/logrus"
	"inet.af/peercred"

	"github.com/aclements/nosv/internal/bitset"
	"github.com/aclements/nosv/internal/topology"
	"github.com/aclements/nosv/internal/wire"
)

// connServer handles one client connection, mirroring the teacher's
// per-connection Server in cmd/perflock/daemon.go: credentials are read
// once at the start, then each request is decoded and dispatched in a
// loop until the client disconnects.
type connServer struct {
	d    *daemon
	c    net.Conn
	code *wire.Codec
	log  *logrus.Entry

	attachedPid int64
}

func serveConn(d *daemon, c net.Conn) {
	defer c.Close()
	s := &connServer{d: d, c: c, code: wire.NewCodec(c)}

	cred, err := peercred.Get(c)
	fields := logrus.Fields{"remote": c.RemoteAddr()}
	if err == nil {
		if pid, ok := cred.PID(); ok {
			fields["pid"] = pid
		}
		if uid, ok := cred.UserID(); ok {
			fields["uid"] = uid
		}
	}
	s.log = logrus.WithFields(fields)
	s.log.Debug("connection accepted")
	defer s.cleanup()

	for {
		req, err := s.code.Recv()
		if err != nil {
			if err != io.EOF {
				s.log.WithError(err).Debug("decode error")
			}
			return
		}
		if !s.dispatch(req) {
			return
		}
	}
}

func (s *connServer) cleanup() {
	if s.attachedPid != 0 {
		if err := s.d.detach(s.attachedPid); err != nil {
			s.log.WithError(err).Warn("detach on connection close")
		}
	}
}

func (s *connServer) dispatch(req wire.Request) bool {
	switch action := req.Action.(type) {
	case wire.ActionAttach:
		numCPU, cpus, created, err := s.d.attach(action.Pid)
		resp := wire.ActionAttachResponse{NumCPU: numCPU, CPUs: cpus, Created: created}
		if err != nil {
			resp.Err = err.Error()
		} else {
			s.attachedPid = action.Pid
		}
		return s.send(resp)

	case wire.ActionDetach:
		err := s.d.detach(action.Pid)
		s.attachedPid = 0
		resp := wire.ActionDetachResponse{}
		if err != nil {
			resp.Err = err.Error()
		}
		return s.send(resp)

	case wire.ActionTopologyCount:
		s.d.mu.Lock()
		var n int
		if s.d.rgn != nil {
			n = s.d.rgn.Topology.CountDomains(topology.Level(action.Level))
		}
		s.d.mu.Unlock()
		return s.send(wire.ActionTopologyCountResponse{Count: n})

	case wire.ActionTopologyDomain:
		return s.send(s.topologyDomain(action))

	case wire.ActionPS:
		return s.send(s.psSnapshot())

	case wire.ActionReportStats:
		s.d.reportStats(action.Pid, action.TaskCount)
		return true

	case wire.ActionRequestCPU:
		resp := wire.ActionRequestCPUResponse{}
		if err := s.d.requestCPU(action.Pid, action.CPU); err != nil {
			resp.Err = err.Error()
		}
		return s.send(resp)

	case wire.ActionPollGrant:
		return s.send(wire.ActionPollGrantResponse{CPUs: s.d.pollGrant(action.Pid)})

	default:
		s.log.Warnf("unknown action %T", action)
		return false
	}
}

func (s *connServer) send(resp interface{}) bool {
	if err := s.code.SendResponse(resp); err != nil {
		s.log.WithError(err).Debug("send error")
		return false
	}
	return true
}

func (s *connServer) topologyDomain(action wire.ActionTopologyDomain) wire.ActionTopologyDomainResponse {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if s.d.rgn == nil {
		return wire.ActionTopologyDomainResponse{Err: "no region attached"}
	}
	dom, err := s.d.rgn.Topology.Domain(topology.Level(action.Level), action.LogicalID)
	if err != nil {
		return wire.ActionTopologyDomainResponse{Err: err.Error()}
	}
	return wire.ActionTopologyDomainResponse{Domain: wire.TopologyDomainDTO{
		Level:       int(dom.Level),
		SystemID:    dom.SystemID,
		LogicalID:   dom.LogicalID,
		Parent:      dom.Parent,
		SystemCPUs:  bitset.String(dom.SystemSet),
		LogicalCPUs: bitset.String(dom.LogicalSet),
	}}
}

func (s *connServer) psSnapshot() wire.ActionPSResponse {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	var out []wire.ProcessSnapshot
	for pid, ps := range s.d.procs {
		cpus := bitset.New(s.d.rgn.Topology.NumCPUs())
		for _, c := range ps.cpus {
			cpus.Set(c)
		}
		out = append(out, wire.ProcessSnapshot{
			Pid:       pid,
			OwnedCPUs: bitset.String(cpus),
			TaskCount: ps.taskCount,
		})
	}
	return wire.ActionPSResponse{Processes: out}
}
