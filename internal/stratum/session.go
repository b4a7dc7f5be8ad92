package stratum

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tos-network/stratum-pool/internal/job"
	"github.com/tos-network/stratum-pool/internal/util"
)

const (
	// MaxBuffered is the largest unterminated input a client may send
	MaxBuffered = 100000
	// MaxDrain is the largest backlog of unsent output before a client is
	// dropped for not reading
	MaxDrain = 5 << 20

	outboundQueue = 1024
	inboundQueue  = 32
	writeTimeout  = 30 * time.Second

	httpReply = "HTTP/1.1 200 OK\r\n" +
		"X-Stratum: stratum+tcp://%s:%d\r\n" +
		"Connection: Close\r\n" +
		"Content-Type: application/json; charset=utf-8\r\n" +
		"Content-Length: 38\r\n" +
		"\r\n" +
		"\r\n" +
		`{"error":null,"result":false,"id":0}`
)

var httpPattern = regexp.MustCompile(`(?i)HTTP/1\.1`)

// Session is one miner connection. Protocol state is guarded by mu; inbound
// messages are handled one at a time in arrival order.
type Session struct {
	ID   uint64
	Host string

	server *Server
	conn   net.Conn

	mu             sync.Mutex
	agent          string
	sid            uint32
	subscribed     bool
	admin          bool
	users          map[string]struct{}
	difficulty     float64
	nextDifficulty float64
	banScore       float64
	lastBan        time.Time
	submissions    int
	lastRetarget   time.Time
	job            *job.Job

	out     chan []byte
	in      chan *Request
	pending atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	destroyed atomic.Bool
}

func newSession(server *Server, id uint64, conn net.Conn) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:     id,
		Host:   remoteHost(conn.RemoteAddr()),
		server: server,
		conn:   conn,
		users:  make(map[string]struct{}),
		out:    make(chan []byte, outboundQueue),
		in:     make(chan *Request, inboundQueue),
		ctx:    ctx,
		cancel: cancel,
	}
}

func remoteHost(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// Name identifies the session in logs as host[/agent]
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agent != "" {
		return s.Host + "/" + s.agent
	}
	return s.Host
}

// Context is cancelled when the session is destroyed
func (s *Session) Context() context.Context {
	return s.ctx
}

// Port is the listener configuration the session arrived on
func (s *Session) Port() PortSettings {
	return s.server.port
}

func (s *Session) Agent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent
}

func (s *Session) SetAgent(agent string) {
	s.mu.Lock()
	s.agent = agent
	s.mu.Unlock()
}

// Subscribe assigns the session id used as extra nonce 1
func (s *Session) Subscribe(sid uint32) {
	s.mu.Lock()
	s.sid = sid
	s.subscribed = true
	s.mu.Unlock()
}

// SID returns the subscription id and whether the session is subscribed
func (s *Session) SID() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sid, s.subscribed
}

// AddUser records an authorized username. It returns false if the user was
// already authorized.
func (s *Session) AddUser(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[username]; ok {
		return false
	}
	s.users[username] = struct{}{}
	return true
}

func (s *Session) HasUser(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[username]
	return ok
}

func (s *Session) SetAdmin() {
	s.mu.Lock()
	s.admin = true
	s.mu.Unlock()
}

func (s *Session) IsAdmin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admin
}

// Difficulty is the share difficulty currently assigned
func (s *Session) Difficulty() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.difficulty
}

// SetDifficulty queues a difficulty for the next job sent
func (s *Session) SetDifficulty(d float64) {
	s.mu.Lock()
	s.nextDifficulty = d
	s.mu.Unlock()
}

// NextDifficulty returns the queued difficulty, or 0 if none
func (s *Session) NextDifficulty() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextDifficulty
}

// BanScore returns the score as last updated
func (s *Session) BanScore() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.banScore
}

// IncreaseBan decays the ban score and adds penalty. Crossing BanScore
// hands the session to the server's ban handler.
func (s *Session) IncreaseBan(penalty float64) {
	now := time.Now()

	s.mu.Lock()
	var elapsed int64
	if !s.lastBan.IsZero() {
		elapsed = now.Sub(s.lastBan).Milliseconds()
	}
	s.banScore = decayBanScore(s.banScore, elapsed, penalty)
	s.lastBan = now
	score := s.banScore
	s.mu.Unlock()

	if score >= BanScore {
		util.Debugf("Ban score exceeds threshold %.0f (%s).", score, s.Name())
		s.server.handler.HandleBan(s)
	}
}

// Retarget counts an accepted share and, every SharesPerMinute shares,
// queues a new difficulty capped at max. It reports whether one was queued.
func (s *Session) Retarget(max float64) bool {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.submissions++
	next, ok := retargetDifficulty(s.difficulty, s.submissions, now.Sub(s.lastRetarget).Milliseconds(), max)
	if !ok {
		return false
	}
	s.nextDifficulty = next
	return true
}

// Job is the most recent job sent to the session
func (s *Session) Job() *job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job
}

// SendJob sends j, first applying any queued difficulty
func (s *Session) SendJob(j *job.Job, clean bool) {
	s.mu.Lock()
	s.job = j
	next := s.nextDifficulty
	if next > 0 {
		s.submissions = 0
		s.lastRetarget = time.Now()
		s.difficulty = next
		s.nextDifficulty = 0
	}
	s.mu.Unlock()

	if next > 0 {
		s.SendDifficulty(next)
	}
	util.Debugf("Sending job %s to client (%s).", j.ID, s.Name())
	s.SendMethod(NotifyMethod, j.NotifyParams(clean))
}

func (s *Session) SendDifficulty(d float64) {
	util.Debugf("Setting difficulty=%v for client (%s).", d, s.Name())
	s.SendMethod(SetDifficultyMethod, []interface{}{d})
}

func (s *Session) SendMethod(method string, params []interface{}) {
	s.send(&Notification{ID: nil, Method: method, Params: params})
}

func (s *Session) SendResponse(req *Request, result interface{}) {
	s.send(&Response{ID: req.ID, Result: result, Error: nil})
}

func (s *Session) SendError(req *Request, err *Error) {
	util.Debugf("Sending error %s (%s).", err.Reason, s.Name())
	s.send(&Response{ID: req.ID, Result: nil, Error: err.wire()})
}

// SendUnknown answers a request for an unrecognized method
func (s *Session) SendUnknown(req *Request) {
	s.send(&Response{ID: req.ID, Result: nil, Error: true})
}

func (s *Session) send(msg interface{}) {
	if s.destroyed.Load() {
		return
	}
	data, err := encode(msg)
	if err != nil {
		util.Warnf("Failed to encode message (%s): %v", s.Name(), err)
		return
	}
	s.write(data)
}

func (s *Session) write(data []byte) {
	if s.destroyed.Load() {
		return
	}
	if s.pending.Add(int64(len(data))) > MaxDrain {
		util.Warnf("Client is not reading (%s).", s.Name())
		s.Destroy()
		return
	}
	select {
	case s.out <- data:
	default:
		util.Warnf("Client is not reading (%s).", s.Name())
		s.Destroy()
	}
}

// Pending is the number of queued outbound bytes not yet written
func (s *Session) Pending() int64 {
	return s.pending.Load()
}

// Destroy closes the connection. It is safe to call more than once.
func (s *Session) Destroy() {
	if !s.destroyed.CompareAndSwap(false, true) {
		return
	}
	s.cancel()
	s.conn.Close()
	s.server.remove(s)
	s.server.handler.HandleClose(s)
}

func (s *Session) Destroyed() bool {
	return s.destroyed.Load()
}

// redirect answers an HTTP request on the stratum port and hangs up once the
// reply is written
func (s *Session) redirect() {
	util.Debugf("Redirecting client (%s).", s.Name())
	s.write([]byte(fmt.Sprintf(httpReply, s.server.publicHost, s.server.port.Port)))
	select {
	case s.out <- nil:
	default:
		s.Destroy()
	}
}

// readLoop splits input into lines and queues decoded requests
func (s *Session) readLoop() {
	defer close(s.in)

	reader := bufio.NewReaderSize(s.conn, MaxBuffered)
	for {
		line, err := reader.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			util.Warnf("Too much data buffered (%s).", s.Name())
			s.Destroy()
			return
		}
		if httpPattern.Match(line) {
			s.redirect()
			return
		}
		if len(line) > 0 && err == nil {
			s.dispatch(trimLine(line))
		}
		if err != nil {
			if !s.Destroyed() {
				util.Debugf("Client (%s) socket hangup.", s.Name())
				s.Destroy()
			}
			return
		}
	}
}

func (s *Session) dispatch(line []byte) {
	if len(line) == 0 {
		return
	}
	// ReadSlice reuses its buffer
	req, err := DecodeRequest(append([]byte(nil), line...))
	if err != nil {
		util.Debugf("%v (%s)", err, s.Name())
		return
	}
	select {
	case s.in <- req:
	case <-s.ctx.Done():
	}
}

func trimLine(line []byte) []byte {
	end := len(line)
	for end > 0 && (line[end-1] == '\n' || line[end-1] == '\r') {
		end--
	}
	return line[:end]
}

// processLoop hands requests to the handler one at a time
func (s *Session) processLoop() {
	for req := range s.in {
		if s.Destroyed() {
			continue
		}
		s.server.handler.HandleRequest(s, req)
	}
}

// writeLoop flushes queued output. A nil message closes the session after
// everything before it has been written.
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.out:
			if data == nil {
				s.Destroy()
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := s.conn.Write(data); err != nil {
				util.Debugf("Write failed (%s): %v", s.Name(), err)
				s.Destroy()
				return
			}
			s.pending.Add(-int64(len(data)))
		}
	}
}
