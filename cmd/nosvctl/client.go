package main

import (
	"log"
	"net"

	"github.com/aclements/nosv/internal/wire"
)

// client is a thin administrative client for nosvd, grounded on the
// teacher's own Client in cmd/perflock/client.go: dial once, then send
// one action and decode one response per call.
type client struct {
	c    net.Conn
	code *wire.Codec
}

func newClient(socketPath string) *client {
	c, err := net.Dial("unix", socketPath)
	if err != nil {
		log.Print(err)
		log.Fatal("is the nosvd daemon running?")
	}
	return &client{c: c, code: wire.NewCodec(c)}
}

func (c *client) do(action interface{}, response interface{}) {
	vlog("-> (%T) %+v\n", action, action)
	if err := c.code.Send(action); err != nil {
		log.Fatal(err)
	}
	err := c.code.RecvResponse(response)
	vlog("<- (%T) %+v\n", response, response)
	if err != nil {
		log.Fatal(err)
	}
}

func (c *client) topologyCount(level int) int {
	var resp wire.ActionTopologyCountResponse
	c.do(wire.ActionTopologyCount{Level: level}, &resp)
	return resp.Count
}

func (c *client) topologyDomain(level, logicalID int) wire.ActionTopologyDomainResponse {
	var resp wire.ActionTopologyDomainResponse
	c.do(wire.ActionTopologyDomain{Level: level, LogicalID: logicalID}, &resp)
	return resp
}

func (c *client) ps() []wire.ProcessSnapshot {
	var resp wire.ActionPSResponse
	c.do(wire.ActionPS{}, &resp)
	return resp.Processes
}

func (c *client) close() {
	c.c.Close()
}
