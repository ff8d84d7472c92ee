package skeleton

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"reflect"

	"mini-rmi/codec"
	"mini-rmi/contract"
	"mini-rmi/fault"
	"mini-rmi/message"
	"mini-rmi/protocol"
)

// session is the per-connection unit of work: it reads one request,
// dispatches it, writes one response, and closes the connection. It never
// retries and never keeps the connection open for a second exchange.
type session struct {
	conn net.Conn
	skel *Skeleton
}

func newSession(conn net.Conn, skel *Skeleton) *session {
	return &session{conn: conn, skel: skel}
}

func (ss *session) serve() {
	defer ss.conn.Close()

	header, body, err := protocol.Decode(ss.conn)
	if err != nil {
		// The peer may be gone or speaking another protocol; the fault
		// response is best-effort on the default codec.
		ss.reportAndRespond(codec.CodecTypeJSON, fault.Service("decode request frame", err))
		return
	}
	if header.MsgType != protocol.MsgTypeRequest {
		ss.reportAndRespond(codec.CodecType(header.CodecType),
			fault.Service(fmt.Sprintf("unexpected frame type %d", header.MsgType), nil))
		return
	}

	codecType := codec.CodecType(header.CodecType)
	c := codec.GetCodec(codecType)

	var req message.Request
	if err := c.Decode(body, &req); err != nil {
		ss.reportAndRespond(codecType, fault.Service("decode request", err))
		return
	}

	resp := ss.skel.handler(context.Background(), &req)
	if err := ss.respond(codecType, resp); err != nil {
		// Connection already broken; nothing to deliver, report locally.
		ss.report(fault.Service("write response", err))
	}
}

// respond encodes and writes one response frame using the same codec the
// request arrived with.
func (ss *session) respond(codecType codec.CodecType, resp *message.Response) error {
	body, err := codec.GetCodec(codecType).Encode(resp)
	if err != nil {
		return err
	}
	header := protocol.Header{
		CodecType: byte(codecType),
		MsgType:   protocol.MsgTypeResponse,
		BodyLen:   uint32(len(body)),
	}
	return protocol.Encode(ss.conn, &header, body)
}

func (ss *session) report(ferr *fault.Error) {
	ss.skel.logger.Warn().
		Str("module", "skeleton.session").
		Str("interface", ss.skel.desc.Name()).
		Err(ferr).
		Msg("service error")
	ss.skel.hooks.ServiceError(ferr)
}

func (ss *session) reportAndRespond(codecType codec.CodecType, ferr *fault.Error) {
	ss.report(ferr)
	ss.respond(codecType, fault.ResponseFor(ferr))
}

// dispatch is the innermost handler of the interceptor chain: it resolves
// the requested method on the registered interface and invokes it on the
// backing implementation.
func (s *Skeleton) dispatch(ctx context.Context, req *message.Request) *message.Response {
	if !s.desc.Covers(req.Interface) {
		return s.serviceFault(fault.Service(
			fmt.Sprintf("interface %q is not served here (serving %q)", req.Interface, s.desc.Name()), nil))
	}

	m, ok := s.bound.Lookup(req.Method, req.ParamTypes)
	if !ok {
		return s.serviceFault(fault.Service(
			fmt.Sprintf("no method %s(%v) on %q", req.Method, req.ParamTypes, s.desc.Name()), nil))
	}

	args, err := m.DecodeArgs(req.Args)
	if err != nil {
		return s.serviceFault(fault.Service("decode arguments", err))
	}

	result, callErr := s.invoke(m, args)
	if callErr != nil {
		var ferr *fault.Error
		if errors.As(callErr, &ferr) && ferr.Kind == fault.KindService {
			return s.serviceFault(ferr)
		}
		// The method's own declared failure: the expected error channel,
		// delivered to the caller intact.
		return fault.ResponseFor(callErr)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return s.serviceFault(fault.Service("encode result", err))
	}
	return &message.Response{Status: message.StatusOK, Payload: payload}
}

// invoke calls the backing method, converting a panic into a service
// fault so an undeclared runtime error never takes down the session or
// the listener.
func (s *Skeleton) invoke(m *contract.BoundMethod, args []reflect.Value) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fault.Service(fmt.Sprintf("panic in %s: %v", m.Key(), p), nil)
		}
	}()
	return m.Invoke(args)
}

// serviceFault reports an unexpected dispatch failure through the
// ServiceError hook and answers the client with its fault response.
func (s *Skeleton) serviceFault(ferr *fault.Error) *message.Response {
	s.logger.Warn().
		Str("module", "skeleton.session").
		Str("interface", s.desc.Name()).
		Err(ferr).
		Msg("service error")
	s.hooks.ServiceError(ferr)
	return fault.ResponseFor(ferr)
}
