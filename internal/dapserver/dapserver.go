// Package dapserver exposes a minimal Debug Adapter Protocol front end: just
// enough of the protocol to answer a stackTrace request against a cursor,
// using google/go-dap for message framing and types.
package dapserver

import (
	"fmt"
	"io"

	"github.com/google/go-dap"

	"github.com/bitstadium/plcrash-unwind/pkg/context"
	"github.com/bitstadium/plcrash-unwind/pkg/errcode"
	"github.com/bitstadium/plcrash-unwind/pkg/registry"
	"github.com/bitstadium/plcrash-unwind/pkg/safemem"
	"github.com/bitstadium/plcrash-unwind/pkg/symbol"
	"github.com/bitstadium/plcrash-unwind/pkg/unwind"
)

// Server answers a single client connection's requests against one fixed
// cursor snapshot. It does not support setting breakpoints or resuming
// execution: the target has already crashed by the time this module runs.
type Server struct {
	cascade *unwind.Cascade
	base    *context.Cursor
	reg     *registry.Registry
	reader  safemem.Reader
	flags   unwind.StepFlags
	rw      io.ReadWriter
}

// New builds a Server bound to rw, a DAP client connection (commonly a pty
// or a loopback socket).
func New(rw io.ReadWriter, cascade *unwind.Cascade, base *context.Cursor, reg *registry.Registry, r safemem.Reader, flags unwind.StepFlags) *Server {
	return &Server{cascade: cascade, base: base, reg: reg, reader: r, flags: flags, rw: rw}
}

// Serve processes DAP requests until the connection closes or a
// "disconnect" request arrives.
func (s *Server) Serve() error {
	for {
		msg, err := dap.ReadProtocolMessage(s.rw)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("dapserver: read message: %w", err)
		}

		switch req := msg.(type) {
		case *dap.InitializeRequest:
			s.respond(req.Seq, "initialize", &dap.InitializeResponse{
				Response: newResponse(req.Seq, "initialize"),
				Body:     dap.Capabilities{SupportsConfigurationDoneRequest: true},
			})
		case *dap.StackTraceRequest:
			s.handleStackTrace(req)
		case *dap.DisconnectRequest:
			s.respond(req.Seq, "disconnect", &dap.DisconnectResponse{Response: newResponse(req.Seq, "disconnect")})
			return nil
		default:
			// Unsupported request kind: acknowledge nothing, the client
			// will time out the specific feature it asked for. This server
			// only ever needs to answer stackTrace.
		}
	}
}

func (s *Server) handleStackTrace(req *dap.StackTraceRequest) {
	cur := *s.base // fresh copy: DAP may re-request the trace repeatedly
	var frames []dap.StackFrame

	for i := 0; i < 256; i++ {
		pc := uintptr(cur.Current.Rip)
		name := fmt.Sprintf("%#x", pc)
		if info, ok := symbol.InfoForIP(s.reg, s.reader, pc); ok {
			name = info.Name
		}
		frames = append(frames, dap.StackFrame{
			Id:   i,
			Name: name,
			Line: 0,
		})

		code := s.cascade.Step(&cur, s.flags)
		if code != errcode.Success {
			break
		}
	}

	resp := &dap.StackTraceResponse{
		Response: newResponse(req.Seq, "stackTrace"),
		Body:     dap.StackTraceResponseBody{StackFrames: frames, TotalFrames: len(frames)},
	}
	s.respond(req.Seq, "stackTrace", resp)
}

func newResponse(reqSeq int, command string) dap.Response {
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Seq: 0, Type: "response"},
		RequestSeq:      reqSeq,
		Success:         true,
		Command:         command,
	}
}

func (s *Server) respond(reqSeq int, command string, body dap.Message) {
	if err := dap.WriteProtocolMessage(s.rw, body); err != nil {
		// Best-effort: a write failure here means the client connection is
		// already gone; there's nothing more to report it to.
		_ = err
	}
}
