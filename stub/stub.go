// Package stub implements the client side of the framework: a proxy
// handle for a remote interface whose real implementation runs behind a
// skeleton reachable over TCP.
//
// A stub is constructed against an interface descriptor and a remote
// address, both fixed for the stub's lifetime. Remote calls go through
// Call: each call opens a new connection, performs exactly one
// request/response exchange, and closes the connection, whatever the
// outcome. The proxy-identity operations Equal, String, and Hash are
// local and never touch the network.
package stub

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net"

	"mini-rmi/codec"
	"mini-rmi/contract"
	"mini-rmi/fault"
	"mini-rmi/message"
	"mini-rmi/protocol"
	"mini-rmi/skeleton"
)

// Option configures a Stub at construction.
type Option func(*Stub)

// WithCodec selects the wire codec for this stub's calls. Default is the
// binary codec.
func WithCodec(codecType codec.CodecType) Option {
	return func(s *Stub) { s.codecType = codecType }
}

// Stub is a call-compatible proxy handle for a remote interface. Two
// stubs are equal iff they expose the same interface and carry the same
// remote address — they would connect to the same skeleton.
type Stub struct {
	desc      *contract.Descriptor
	table     *contract.Table
	host      string
	port      string
	addr      string
	codecType codec.CodecType
}

// New creates a stub from a skeleton with an assigned address. The
// skeleton must either have been constructed with a fixed, concrete
// address or have already been started, so that its effective address is
// known and reachable.
func New(d *contract.Descriptor, skel *skeleton.Skeleton, opts ...Option) (*Stub, error) {
	addr, err := skeletonAddr(skel)
	if err != nil {
		return nil, err
	}
	return newStub(d, addr, opts)
}

// skeletonAddr resolves a skeleton's effective address for stub
// construction. A skeleton that is not Running and whose address carries
// port 0 has no kernel-assigned port yet, so no stub could reach it.
func skeletonAddr(skel *skeleton.Skeleton) (string, error) {
	if skel == nil {
		return "", fmt.Errorf("stub: nil skeleton")
	}
	addr := skel.Addr()
	if addr == "" {
		return "", fmt.Errorf("stub: skeleton has no address and has not been started")
	}
	if _, port, err := net.SplitHostPort(addr); err == nil && port == "0" && skel.State() != skeleton.Running {
		return "", fmt.Errorf("stub: skeleton address %q has no assigned port; start the skeleton first", addr)
	}
	return addr, nil
}

// NewWithHostname creates a stub with the skeleton's port but the given
// hostname. Used when the skeleton's locally visible address is not
// externally routable.
func NewWithHostname(d *contract.Descriptor, skel *skeleton.Skeleton, hostname string, opts ...Option) (*Stub, error) {
	if hostname == "" {
		return nil, fmt.Errorf("stub: empty hostname")
	}
	addr, err := skeletonAddr(skel)
	if err != nil {
		return nil, err
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("stub: skeleton address %q: %w", addr, err)
	}
	return newStub(d, net.JoinHostPort(hostname, port), opts)
}

// NewAt creates a stub for a skeleton already running at the given
// address, e.g. "127.0.0.1:9001".
func NewAt(d *contract.Descriptor, addr string, opts ...Option) (*Stub, error) {
	if addr == "" {
		return nil, fmt.Errorf("stub: empty address")
	}
	return newStub(d, addr, opts)
}

// newStub is the single creation routine all constructors converge on.
func newStub(d *contract.Descriptor, addr string, opts []Option) (*Stub, error) {
	table, err := contract.NewTable(d)
	if err != nil {
		return nil, err
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("stub: address %q: %w", addr, err)
	}
	// A wildcard host is where the skeleton listens, not where a client
	// can connect; fall back to loopback.
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	s := &Stub{
		desc:      d,
		table:     table,
		host:      host,
		port:      port,
		addr:      net.JoinHostPort(host, port),
		codecType: codec.CodecTypeBinary,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Interface returns the name of the remote interface this stub exposes.
func (s *Stub) Interface() string { return s.desc.Name() }

// Addr returns the fixed remote address this stub connects to.
func (s *Stub) Addr() string { return s.addr }

// Call invokes a remote method by name, marshalling args in declaration
// order and unmarshalling the result into reply, which must be a pointer
// (or nil for void methods).
//
// An error the backing method returned comes back as-is — the business
// fault channel. Any connect, read, write, or framing failure during the
// round trip is raised as a transport fault wrapping the original cause.
func (s *Stub) Call(method string, reply any, args ...any) error {
	m, ok := s.table.LookupByName(method)
	if !ok {
		return fmt.Errorf("stub: no method %q on %q", method, s.desc.Name())
	}
	if len(args) != len(m.ParamTypes()) {
		return fmt.Errorf("stub: %s: got %d arguments, want %d", m.Key(), len(args), len(m.ParamTypes()))
	}

	raw := make([]json.RawMessage, len(args))
	for i, arg := range args {
		b, err := json.Marshal(arg)
		if err != nil {
			return fmt.Errorf("stub: %s: encode argument %d: %w", m.Key(), i, err)
		}
		raw[i] = b
	}

	req := &message.Request{
		Interface:  m.DeclaredBy().Name(),
		Method:     method,
		ParamTypes: m.ParamTypes(),
		Args:       raw,
	}

	resp, err := s.roundTrip(req)
	if err != nil {
		return err
	}

	if resp.Status == message.StatusFault {
		var w fault.Wire
		if err := json.Unmarshal(resp.Payload, &w); err != nil {
			return fault.Transport("decode fault payload", err)
		}
		return fault.FromWire(w)
	}

	if reply == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Payload, reply); err != nil {
		return fault.Transport("decode result payload", err)
	}
	return nil
}

// roundTrip performs the one connect/request/response exchange of a
// remote call. The connection is closed afterwards regardless of outcome.
func (s *Stub) roundTrip(req *message.Request) (*message.Response, error) {
	conn, err := net.Dial("tcp", s.addr)
	if err != nil {
		return nil, fault.Transport("connect to "+s.addr, err)
	}
	defer conn.Close()

	c := codec.GetCodec(s.codecType)
	body, err := c.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("stub: encode request: %w", err)
	}

	header := protocol.Header{
		CodecType: byte(s.codecType),
		MsgType:   protocol.MsgTypeRequest,
		BodyLen:   uint32(len(body)),
	}
	if err := protocol.Encode(conn, &header, body); err != nil {
		return nil, fault.Transport("write request", err)
	}

	replyHeader, replyBody, err := protocol.Decode(conn)
	if err != nil {
		return nil, fault.Transport("read response", err)
	}
	if replyHeader.MsgType != protocol.MsgTypeResponse {
		return nil, fault.Transport(fmt.Sprintf("unexpected frame type %d", replyHeader.MsgType), nil)
	}

	var resp message.Response
	if err := codec.GetCodec(codec.CodecType(replyHeader.CodecType)).Decode(replyBody, &resp); err != nil {
		return nil, fault.Transport("decode response", err)
	}
	return &resp, nil
}

// CallResult is a typed convenience over Call for methods with one value
// result.
func CallResult[R any](s *Stub, method string, args ...any) (R, error) {
	var r R
	err := s.Call(method, &r, args...)
	return r, err
}

// Equal reports whether other is a proxy for the same remote-call
// mechanism, exposes the same interface, and carries the same remote
// address. A nil stub is unequal to everything.
func (s *Stub) Equal(other *Stub) bool {
	if other == nil {
		return false
	}
	return s.desc.Name() == other.desc.Name() && s.addr == other.addr
}

// Hash combines the remote address and interface name. Equal stubs have
// equal hashes.
func (s *Stub) Hash() uint64 {
	h := fnv.New64a()
	h.Write([]byte(s.desc.Name()))
	h.Write([]byte{0})
	h.Write([]byte(s.addr))
	return h.Sum64()
}

// String renders the interface name, remote host, and remote port.
// Diagnostics only, not protocol.
func (s *Stub) String() string {
	return fmt.Sprintf("Stub[interface=%s host=%s port=%s]", s.desc.Name(), s.host, s.port)
}
