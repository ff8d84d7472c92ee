package skeleton

import (
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"mini-rmi/codec"
	"mini-rmi/contract"
	"mini-rmi/fault"
	"mini-rmi/message"
	"mini-rmi/protocol"
)

type Echo interface {
	Echo(msg string) (string, error)
}

type echoServer struct{}

func (echoServer) Echo(msg string) (string, error) { return msg, nil }

func echoDescriptor(t *testing.T) *contract.Descriptor {
	t.Helper()
	d, err := contract.Describe[Echo]()
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}
	return d
}

func TestNewRejectsBadArguments(t *testing.T) {
	d := echoDescriptor(t)

	if _, err := New(d, nil); err == nil {
		t.Error("nil implementation should be rejected")
	}
	if _, err := New(d, 42); err == nil {
		t.Error("non-implementing value should be rejected")
	}

	type notRemote interface {
		Version() string
	}
	nd, err := contract.Describe[notRemote]()
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}
	if _, err := New(nd, echoServer{}); err == nil {
		t.Error("non-remote interface should be rejected")
	}
}

func TestAddrBeforeAndAfterStart(t *testing.T) {
	skel, err := New(echoDescriptor(t), echoServer{}, WithAddress("127.0.0.1:0"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if skel.Addr() != "127.0.0.1:0" {
		t.Fatalf("before start, Addr should be the configured address, got %q", skel.Addr())
	}

	if err := skel.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer skel.Stop()

	_, port, err := net.SplitHostPort(skel.Addr())
	if err != nil {
		t.Fatalf("bound address %q is malformed: %v", skel.Addr(), err)
	}
	if port == "0" || port == "" {
		t.Fatalf("after start, the bound port must be concrete and non-zero, got %q", port)
	}
}

func TestAddrWithoutConfiguredAddress(t *testing.T) {
	skel, err := New(echoDescriptor(t), echoServer{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if skel.Addr() != "" {
		t.Fatalf("a never-started skeleton with no fixed address should report none, got %q", skel.Addr())
	}
}

func TestStopNeverStartedIsNoop(t *testing.T) {
	stoppedCalls := 0
	skel, err := New(echoDescriptor(t), echoServer{},
		WithHooks(Hooks{Stopped: func(error) { stoppedCalls++ }}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	skel.Stop()
	skel.Stop()

	if skel.State() != Stopped {
		t.Error("state should remain Stopped")
	}
	if stoppedCalls != 0 {
		t.Errorf("Stopped hook must not fire for a no-op stop, fired %d times", stoppedCalls)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	var causes []error
	skel, err := New(echoDescriptor(t), echoServer{},
		WithAddress("127.0.0.1:0"),
		WithHooks(Hooks{Stopped: func(cause error) { causes = append(causes, cause) }}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := skel.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if skel.State() != Running {
		t.Fatal("skeleton should be Running after Start")
	}
	if err := skel.Start(); err != nil {
		t.Fatalf("second Start should be a no-op, got %v", err)
	}

	skel.Stop()
	if skel.State() != Stopped {
		t.Fatal("skeleton should be Stopped after Stop")
	}
	if len(causes) != 1 {
		t.Fatalf("Stopped hook should fire exactly once, fired %d times", len(causes))
	}
	if causes[0] != nil {
		t.Fatalf("clean stop should report a nil cause, got %v", causes[0])
	}

	skel.Stop() // second stop is a no-op
	if len(causes) != 1 {
		t.Fatalf("no-op stop must not fire the hook again, fired %d times", len(causes))
	}
}

func TestRestart(t *testing.T) {
	skel, err := New(echoDescriptor(t), echoServer{}, WithAddress("127.0.0.1:0"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := skel.Start(); err != nil {
			t.Fatalf("Start %d failed: %v", i, err)
		}
		if skel.State() != Running {
			t.Fatalf("run %d: skeleton should be Running", i)
		}
		skel.Stop()
	}
}

func TestStartBindFailure(t *testing.T) {
	first, err := New(echoDescriptor(t), echoServer{}, WithAddress("127.0.0.1:0"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := first.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer first.Stop()

	second, err := New(echoDescriptor(t), echoServer{}, WithAddress(first.Addr()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	err = second.Start()
	if err == nil {
		second.Stop()
		t.Fatal("binding an occupied address should fail")
	}
	var fe *fault.Error
	if !errors.As(err, &fe) || fe.Kind != fault.KindLifecycle {
		t.Fatalf("expected a lifecycle fault, got %v", err)
	}
	if second.State() != Stopped {
		t.Error("skeleton must remain Stopped after a failed Start")
	}
}

// fakeListener feeds scripted accept errors to the accept loop.
type fakeListener struct {
	mu     sync.Mutex
	errs   []error
	closed chan struct{}
	once   sync.Once
}

func newFakeListener(errs ...error) *fakeListener {
	return &fakeListener{errs: errs, closed: make(chan struct{})}
}

func (l *fakeListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if len(l.errs) > 0 {
		err := l.errs[0]
		l.errs = l.errs[1:]
		l.mu.Unlock()
		return nil, err
	}
	l.mu.Unlock()
	<-l.closed
	return nil, net.ErrClosed
}

func (l *fakeListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *fakeListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}
}

// startWithListener puts the skeleton in the Running state on the given
// listener and launches its accept loop, mirroring Start without a real
// socket. The returned channel closes when the loop exits.
func startWithListener(s *Skeleton, l net.Listener) chan struct{} {
	s.mu.Lock()
	s.state = Running
	s.listener = l
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()
	go s.listen(l, done)
	return done
}

func TestListenErrorContinueThenStop(t *testing.T) {
	transient := errors.New("transient accept failure")
	fatal := errors.New("fatal accept failure")

	var mu sync.Mutex
	var seen []error
	var causes []error
	skel, err := New(echoDescriptor(t), echoServer{},
		WithHooks(Hooks{
			ListenError: func(err error) bool {
				mu.Lock()
				seen = append(seen, err)
				mu.Unlock()
				return err == transient
			},
			Stopped: func(cause error) {
				mu.Lock()
				causes = append(causes, cause)
				mu.Unlock()
			},
		}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	done := startWithListener(skel, newFakeListener(transient, fatal))
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("ListenError should see both accept errors, saw %d", len(seen))
	}
	if seen[0] != transient || seen[1] != fatal {
		t.Fatalf("ListenError saw %v, want [%v %v]", seen, transient, fatal)
	}
	if skel.State() != Stopped {
		t.Error("skeleton should be Stopped after a fatal accept error")
	}
	if len(causes) != 1 {
		t.Fatalf("Stopped hook should fire exactly once, fired %d times", len(causes))
	}
	if causes[0] != fatal {
		t.Fatalf("Stopped hook should carry the fatal accept error, got %v", causes[0])
	}
}

func TestListenErrorDefaultStops(t *testing.T) {
	boom := errors.New("accept failure")

	var mu sync.Mutex
	var causes []error
	skel, err := New(echoDescriptor(t), echoServer{},
		WithHooks(Hooks{Stopped: func(cause error) {
			mu.Lock()
			causes = append(causes, cause)
			mu.Unlock()
		}}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	done := startWithListener(skel, newFakeListener(boom))
	<-done

	mu.Lock()
	defer mu.Unlock()
	if skel.State() != Stopped {
		t.Error("the default listen-error policy should stop the skeleton")
	}
	if len(causes) != 1 || causes[0] != boom {
		t.Fatalf("Stopped hook should carry the accept error, got %v", causes)
	}
}

func TestStopDuringListenErrorKeepsNilCause(t *testing.T) {
	boom := errors.New("accept failure")

	var mu sync.Mutex
	var causes []error
	var skel *Skeleton
	skel, err := New(echoDescriptor(t), echoServer{},
		WithHooks(Hooks{
			// An explicit Stop landing here, after the accept error but
			// before the listener's own transition, wins: emulate its state
			// change so the loop finds the skeleton already Stopped.
			ListenError: func(error) bool {
				skel.mu.Lock()
				skel.state = Stopped
				skel.listener = nil
				skel.mu.Unlock()
				return false
			},
			Stopped: func(cause error) {
				mu.Lock()
				causes = append(causes, cause)
				mu.Unlock()
			},
		}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	done := startWithListener(skel, newFakeListener(boom))
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(causes) != 1 {
		t.Fatalf("Stopped hook should fire exactly once, fired %d times", len(causes))
	}
	if causes[0] != nil {
		t.Fatalf("an explicit stop that won the race should report a nil cause, got %v", causes[0])
	}
}

func TestShutdownTimeout(t *testing.T) {
	skel, err := New(echoDescriptor(t), echoServer{}, WithAddress("127.0.0.1:0"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := skel.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// A connection that never sends a request keeps its session in flight
	// on the read.
	conn, err := net.Dial("tcp", skel.Addr())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	time.Sleep(50 * time.Millisecond) // let the session start

	if err := skel.Shutdown(100 * time.Millisecond); err == nil {
		t.Fatal("Shutdown should time out while a session is blocked")
	}
}

// sendRequest performs one raw wire exchange against a running skeleton.
func sendRequest(t *testing.T, addr string, req *message.Request) *message.Response {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	c := codec.GetCodec(codec.CodecTypeJSON)
	body, err := c.Encode(req)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	header := protocol.Header{
		CodecType: byte(codec.CodecTypeJSON),
		MsgType:   protocol.MsgTypeRequest,
		BodyLen:   uint32(len(body)),
	}
	if err := protocol.Encode(conn, &header, body); err != nil {
		t.Fatalf("write request: %v", err)
	}

	replyHeader, replyBody, err := protocol.Decode(conn)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if replyHeader.MsgType != protocol.MsgTypeResponse {
		t.Fatalf("expected a response frame, got type %d", replyHeader.MsgType)
	}
	var resp message.Response
	if err := c.Decode(replyBody, &resp); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	return &resp
}

func TestDispatchEcho(t *testing.T) {
	skel, err := New(echoDescriptor(t), echoServer{}, WithAddress("127.0.0.1:0"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := skel.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer skel.Stop()

	resp := sendRequest(t, skel.Addr(), &message.Request{
		Interface:  "Echo",
		Method:     "Echo",
		ParamTypes: []string{"string"},
		Args:       []json.RawMessage{[]byte(`"hi"`)},
	})
	if resp.Status != message.StatusOK {
		t.Fatalf("expected ok response, got status %d payload %s", resp.Status, resp.Payload)
	}
	var result string
	if err := json.Unmarshal(resp.Payload, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result != "hi" {
		t.Fatalf("expected echo of \"hi\", got %q", result)
	}
}

func TestDispatchUnknownInterface(t *testing.T) {
	var mu sync.Mutex
	var serviceErrs []*fault.Error
	skel, err := New(echoDescriptor(t), echoServer{},
		WithAddress("127.0.0.1:0"),
		WithHooks(Hooks{ServiceError: func(e *fault.Error) {
			mu.Lock()
			serviceErrs = append(serviceErrs, e)
			mu.Unlock()
		}}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := skel.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	resp := sendRequest(t, skel.Addr(), &message.Request{
		Interface:  "Calculator",
		Method:     "Add",
		ParamTypes: []string{"int", "int"},
		Args:       []json.RawMessage{[]byte(`1`), []byte(`2`)},
	})
	if resp.Status != message.StatusFault {
		t.Fatalf("expected fault response, got status %d", resp.Status)
	}
	var w fault.Wire
	if err := json.Unmarshal(resp.Payload, &w); err != nil {
		t.Fatalf("decode wire fault: %v", err)
	}
	if w.Kind != fault.KindService {
		t.Fatalf("expected service fault, got %s", w.Kind)
	}
	if !strings.Contains(w.Message, "Calculator") {
		t.Errorf("fault message should name the offending interface, got %q", w.Message)
	}

	skel.Stop()
	mu.Lock()
	defer mu.Unlock()
	if len(serviceErrs) != 1 {
		t.Fatalf("ServiceError hook should fire exactly once, fired %d times", len(serviceErrs))
	}
}

func TestDispatchUnknownMethodSignature(t *testing.T) {
	skel, err := New(echoDescriptor(t), echoServer{}, WithAddress("127.0.0.1:0"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := skel.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer skel.Stop()

	resp := sendRequest(t, skel.Addr(), &message.Request{
		Interface:  "Echo",
		Method:     "Echo",
		ParamTypes: []string{"int"}, // wrong signature
		Args:       []json.RawMessage{[]byte(`1`)},
	})
	if resp.Status != message.StatusFault {
		t.Fatalf("expected fault response, got status %d", resp.Status)
	}
}
