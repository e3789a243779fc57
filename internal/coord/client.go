package coord

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/kiln-dev/kiln/internal/log"
	"github.com/kiln-dev/kiln/internal/paths"
	"github.com/kiln-dev/kiln/internal/pool"
	"github.com/kiln-dev/kiln/internal/pubsub"
)

// Role is the coordination state of this process.
type Role int

const (
	// RoleUnelected means Activate has not run yet.
	RoleUnelected Role = iota
	// RoleAttempting means an election is in progress.
	RoleAttempting
	// RoleServer means this process won the lock and owns the pools.
	RoleServer
	// RoleFollower means this process forwards to the leader's socket.
	RoleFollower
)

// String returns a human-readable role name.
func (r Role) String() string {
	switch r {
	case RoleUnelected:
		return "unelected"
	case RoleAttempting:
		return "attempting"
	case RoleServer:
		return "server"
	case RoleFollower:
		return "follower"
	default:
		return "unknown"
	}
}

// ErrNotActivated is returned for calls before Activate.
var ErrNotActivated = fmt.Errorf("coordination client not activated")

// ErrLeaderUnreachable is returned when a forwarded call cannot reach the
// leader; a re-election is already underway when callers see this.
var ErrLeaderUnreachable = fmt.Errorf("leader unreachable")

const (
	dialTimeout   = 2 * time.Second
	electAttempts = 5
	electBackoff  = 100 * time.Millisecond
)

// ClientConfig configures the per-process coordination facade.
type ClientConfig struct {
	// RuntimeDir holds the lock file and sockets.
	RuntimeDir string
	// Server configures the pools this process would own if it wins the
	// election. SocketPath is filled in per election.
	Server ServerConfig
}

// Client is the per-process coordination facade. Every editor process runs
// one: on Activate it races for leadership, then either owns the real pools
// (server) or forwards over the leader's socket (follower). Leadership is
// soft and self-healing — a follower that loses its leader re-runs the
// election and either promotes itself in place or reconnects to whoever
// won.
type Client struct {
	cfg ClientConfig
	id  string

	mu     sync.Mutex
	role   Role
	server *Server
	conn   net.Conn
	connMu sync.Mutex // serializes frame writes on conn

	pendingMu sync.Mutex
	pending   map[string]chan Response

	degraded *pubsub.Broker[DegradedParams]
	watcher  *fsnotify.Watcher

	electing atomic.Bool
	closed   atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewClient creates an inactive client.
func NewClient(cfg ClientConfig) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:      cfg,
		id:       uuid.NewString(),
		pending:  make(map[string]chan Response),
		degraded: pubsub.NewBroker[DegradedParams](),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Activate runs the election: unelected -> attempting -> server|follower.
func (c *Client) Activate() error {
	if c.closed.Load() {
		return fmt.Errorf("client disposed")
	}
	return c.elect()
}

// Role returns the current coordination role.
func (c *Client) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// ID returns the generated client identifier.
func (c *Client) ID() string {
	return c.id
}

// Degraded returns the broker publishing pool degradation notifications,
// whether raised locally (server role) or pushed by the leader (follower).
func (c *Client) Degraded() *pubsub.Broker[DegradedParams] {
	return c.degraded
}

func (c *Client) lockPath() string {
	return paths.LockPath(c.cfg.RuntimeDir)
}

// elect races for the lock. At most one election runs at a time; concurrent
// triggers (watcher event plus failed call) collapse into one.
func (c *Client) elect() error {
	if c.electing.Swap(true) {
		return nil
	}
	defer c.electing.Store(false)

	c.setRole(RoleAttempting)

	var lastErr error
	for attempt := 0; attempt < electAttempts; attempt++ {
		if c.closed.Load() {
			return fmt.Errorf("client disposed")
		}

		socket := paths.SocketPath(c.cfg.RuntimeDir, os.Getpid())
		rec := LockRecord{PID: os.Getpid(), Socket: socket, StartedAt: time.Now()}

		err := AcquireLock(c.lockPath(), rec)
		if err == nil {
			return c.becomeServer(socket)
		}
		if !errors.Is(err, ErrLockHeld) {
			return err
		}

		ferr := c.becomeFollower()
		if ferr == nil {
			return nil
		}
		lastErr = ferr
		// The incumbent died between our lock check and connect; race again.
		time.Sleep(electBackoff)
	}
	return fmt.Errorf("election failed after %d attempts: %w", electAttempts, lastErr)
}

func (c *Client) setRole(role Role) {
	c.mu.Lock()
	prev := c.role
	c.role = role
	c.mu.Unlock()
	if prev != role {
		log.Info(log.CatCoord, "role transition", "from", prev, "to", role, "client", c.id)
	}
}

// becomeServer spins up the pools and listener, then routes local calls
// in-process through the same handlers remote followers hit.
func (c *Client) becomeServer(socket string) error {
	cfg := c.cfg.Server
	cfg.SocketPath = socket
	srv := NewServer(cfg)
	if err := srv.Start(); err != nil {
		ReleaseLock(c.lockPath(), os.Getpid())
		return err
	}

	c.mu.Lock()
	c.server = srv
	c.mu.Unlock()
	c.setRole(RoleServer)

	c.wg.Add(2)
	go c.forwardLocalDegraded(srv.completion.Degraded().Subscribe(c.ctx))
	go c.forwardLocalDegraded(srv.command.Degraded().Subscribe(c.ctx))
	return nil
}

// becomeFollower connects to the incumbent's recorded socket.
func (c *Client) becomeFollower() error {
	rec, err := ReadLock(c.lockPath())
	if err != nil {
		return fmt.Errorf("read lock: %w", err)
	}
	if !LeaderAlive(rec) {
		return fmt.Errorf("leader pid %d not alive", rec.PID)
	}

	conn, err := net.DialTimeout("unix", rec.Socket, dialTimeout)
	if err != nil {
		return fmt.Errorf("dial leader socket: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setRole(RoleFollower)
	log.Info(log.CatCoord, "following leader", "pid", rec.PID, "socket", rec.Socket)

	c.wg.Add(1)
	go c.readLoop(conn)
	c.startLockWatch()
	return nil
}

// readLoop consumes frames from the leader: replies are matched to pending
// requests by correlation id, id-less frames are server-push notifications.
// Loop exit means the leader is gone; trigger failover.
func (c *Client) readLoop(conn net.Conn) {
	defer c.wg.Done()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var resp Response
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			log.Debug(log.CatCoord, "malformed reply frame", "error", err)
			continue
		}

		if resp.ID == "" {
			if resp.Method == NotifyPoolDegraded {
				var params DegradedParams
				if err := json.Unmarshal(resp.Result, &params); err == nil {
					c.degraded.Publish(pubsub.UpdatedEvent, params)
				}
			}
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.pendingMu.Unlock()
		if ok {
			ch <- resp
		}
	}

	c.failPending(ErrLeaderUnreachable)
	if c.closed.Load() {
		return
	}
	log.Warn(log.CatCoord, "leader connection lost, re-electing", "client", c.id)
	c.reElect()
}

// startLockWatch watches the lock file so a gracefully departing leader
// (record removed) triggers failover faster than a connection error would.
func (c *Client) startLockWatch() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn(log.CatCoord, "lock watch unavailable", "error", err)
		return
	}
	if err := watcher.Add(filepath.Dir(c.lockPath())); err != nil {
		log.Warn(log.CatCoord, "lock watch failed", "error", err)
		watcher.Close()
		return
	}

	c.mu.Lock()
	if c.watcher != nil {
		c.watcher.Close()
	}
	c.watcher = watcher
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != c.lockPath() || !ev.Has(fsnotify.Remove) {
					continue
				}
				if c.closed.Load() || c.Role() != RoleFollower {
					continue
				}
				log.Info(log.CatCoord, "leadership lock removed, re-electing", "client", c.id)
				c.reElect()
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			case <-c.ctx.Done():
				return
			}
		}
	}()
}

// reElect tears down follower state and re-runs the election.
func (c *Client) reElect() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	if err := c.elect(); err != nil {
		log.ErrorErr(log.CatCoord, "re-election failed", err, "client", c.id)
	}
}

func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan Response)
	c.pendingMu.Unlock()
	for _, ch := range pending {
		ch <- Response{Error: err.Error()}
	}
}

func (c *Client) forwardLocalDegraded(events <-chan pubsub.Event[pool.DegradedEvent]) {
	defer c.wg.Done()
	for ev := range events {
		errMsg := ""
		if ev.Payload.Err != nil {
			errMsg = ev.Payload.Err.Error()
		}
		c.degraded.Publish(pubsub.UpdatedEvent, DegradedParams{
			Pool:  ev.Payload.Pool,
			Slot:  ev.Payload.Slot,
			Error: errMsg,
		})
	}
}

// GetCompletion serves or forwards one completion request.
func (c *Client) GetCompletion(ctx context.Context, params CompletionParams) (CompletionResult, error) {
	role, srv := c.snapshot()
	switch role {
	case RoleServer:
		return srv.HandleCompletion(ctx, params), nil
	case RoleFollower:
		var result CompletionResult
		if err := c.call(ctx, MethodCompletionGet, params, &result); err != nil {
			return CompletionResult{}, err
		}
		return result, nil
	default:
		return CompletionResult{}, ErrNotActivated
	}
}

// SendCommand serves or forwards one command prompt.
func (c *Client) SendCommand(ctx context.Context, params CommandParams) (CommandResult, error) {
	role, srv := c.snapshot()
	switch role {
	case RoleServer:
		return srv.HandleCommand(ctx, params), nil
	case RoleFollower:
		var result CommandResult
		if err := c.call(ctx, MethodCommandSend, params, &result); err != nil {
			return CommandResult{}, err
		}
		return result, nil
	default:
		return CommandResult{}, ErrNotActivated
	}
}

// GetPoolStatus serves or forwards the diagnostics snapshot.
func (c *Client) GetPoolStatus(ctx context.Context) (*StatusResult, error) {
	role, srv := c.snapshot()
	switch role {
	case RoleServer:
		status := srv.HandleStatus()
		return &status, nil
	case RoleFollower:
		var result StatusResult
		if err := c.call(ctx, MethodStatusGet, nil, &result); err != nil {
			return nil, err
		}
		return &result, nil
	default:
		return nil, ErrNotActivated
	}
}

// Ping round-trips a liveness probe to the leader.
func (c *Client) Ping(ctx context.Context) error {
	role, _ := c.snapshot()
	if role == RoleServer {
		return nil
	}
	if role != RoleFollower {
		return ErrNotActivated
	}
	var result map[string]bool
	return c.call(ctx, MethodPing, nil, &result)
}

// Restart recycles the pools (server role) or re-runs the election
// (follower role, reconnecting or promoting as the lock allows).
func (c *Client) Restart() {
	role, srv := c.snapshot()
	if role == RoleServer {
		srv.completion.RecycleAll()
		srv.command.RecycleAll()
		return
	}
	c.reElect()
}

// Reconfigure switches the model on the leader's pools. Followers trigger
// a local re-election on their next failed call; model changes are a
// leader-side operation.
func (c *Client) Reconfigure(model string) {
	_, srv := c.snapshot()
	if srv != nil {
		srv.Reconfigure(model)
	}
}

func (c *Client) snapshot() (Role, *Server) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role, c.server
}

// call forwards one framed request and awaits its correlated reply.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrLeaderUnreachable
	}

	req := Request{ID: uuid.NewString(), Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}

	ch := make(chan Response, 1)
	c.pendingMu.Lock()
	c.pending[req.ID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
	}()

	frame, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	frame = append(frame, '\n')

	c.connMu.Lock()
	_, werr := conn.Write(frame)
	c.connMu.Unlock()
	if werr != nil {
		return fmt.Errorf("%w: %v", ErrLeaderUnreachable, werr)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return fmt.Errorf("remote: %s", resp.Error)
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("decode result: %w", err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrLeaderUnreachable
	}
}

// Dispose releases everything this process holds: the follower connection,
// or the server with its pools, socket, and lock file. Safe to call from
// exit and signal paths; idempotent.
func (c *Client) Dispose() {
	if c.closed.Swap(true) {
		return
	}
	log.Debug(log.CatCoord, "disposing coordination client", "client", c.id, "role", c.Role())
	c.cancel()

	c.mu.Lock()
	conn := c.conn
	srv := c.server
	watcher := c.watcher
	c.conn = nil
	c.server = nil
	c.watcher = nil
	c.mu.Unlock()

	if watcher != nil {
		watcher.Close()
	}
	if conn != nil {
		conn.Close()
	}
	c.failPending(fmt.Errorf("client disposed"))
	if srv != nil {
		srv.Close()
		ReleaseLock(c.lockPath(), os.Getpid())
	}
	c.wg.Wait()
	c.degraded.Close()
	c.setRole(RoleUnelected)
}
