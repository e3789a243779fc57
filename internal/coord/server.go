package coord

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kiln-dev/kiln/internal/agent"
	"github.com/kiln-dev/kiln/internal/log"
	"github.com/kiln-dev/kiln/internal/pool"
	"github.com/kiln-dev/kiln/internal/pubsub"
)

// DefaultCompletionCacheTTL bounds how long an identical completion request
// is served from cache instead of burning a slot. Editor retry cadence is
// well under this.
const DefaultCompletionCacheTTL = 5 * time.Second

// ServerConfig configures the leader's pools and listener.
type ServerConfig struct {
	Runtime agent.Runtime
	Model   string
	WorkDir string

	CompletionSlots     int
	CompletionMaxReuses int
	CommandMaxReuses    int
	WarmupTimeout       time.Duration
	OverflowPatterns    []string

	SocketPath         string
	CompletionCacheTTL time.Duration
}

// Server is the elected leader: it owns the real CompletionPool and
// CommandPool and serves requests from any number of client connections.
// The leader's own in-process client goes through the same Handle methods
// as remote followers, so both roles look identical to feature code.
type Server struct {
	cfg        ServerConfig
	completion *pool.CompletionPool
	command    *pool.CommandPool
	cache      *gocache.Cache

	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]*sync.Mutex

	closed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer constructs the pools. Nothing is spawned until Start.
func NewServer(cfg ServerConfig) *Server {
	if cfg.CompletionCacheTTL <= 0 {
		cfg.CompletionCacheTTL = DefaultCompletionCacheTTL
	}
	ctx, cancel := context.WithCancel(context.Background())

	completion := pool.NewCompletionPool(pool.Config{
		Runtime:       cfg.Runtime,
		Size:          cfg.CompletionSlots,
		MaxReuses:     cfg.CompletionMaxReuses,
		Model:         cfg.Model,
		WorkDir:       cfg.WorkDir,
		WarmupTimeout: cfg.WarmupTimeout,
	})
	command := pool.NewCommandPool(pool.Config{
		Runtime:       cfg.Runtime,
		MaxReuses:     cfg.CommandMaxReuses,
		Model:         cfg.Model,
		WorkDir:       cfg.WorkDir,
		WarmupTimeout: cfg.WarmupTimeout,
	}, cfg.OverflowPatterns)

	return &Server{
		cfg:        cfg,
		completion: completion,
		command:    command,
		cache:      gocache.New(cfg.CompletionCacheTTL, 2*cfg.CompletionCacheTTL),
		conns:      make(map[net.Conn]*sync.Mutex),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start warms the pools and begins accepting connections on the Unix
// socket. Pool warmup failures degrade rather than abort: a server with a
// dead slot still serves status and the surviving slots.
func (s *Server) Start() error {
	if err := s.completion.Start(); err != nil {
		log.ErrorErr(log.CatCoord, "completion pool unavailable", err)
	}
	if err := s.command.Start(); err != nil {
		log.ErrorErr(log.CatCoord, "command pool unavailable", err)
	}

	// A leftover socket from a crashed leader would fail the bind.
	_ = os.Remove(s.cfg.SocketPath)
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.SocketPath, err)
	}
	s.listener = ln
	log.Info(log.CatCoord, "server listening", "socket", s.cfg.SocketPath)

	s.wg.Add(3)
	go s.acceptLoop()
	go s.forwardDegraded(s.completion.Degraded().Subscribe(s.ctx))
	go s.forwardDegraded(s.command.Degraded().Subscribe(s.ctx))
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return
			}
			log.Warn(log.CatCoord, "accept failed", "error", err)
			return
		}
		s.mu.Lock()
		s.conns[conn] = &sync.Mutex{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

// serveConn reads newline-delimited frames and dispatches each in its own
// goroutine so a slow command exchange never blocks a status check on the
// same connection.
func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			log.Debug(log.CatCoord, "malformed frame", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			resp := s.dispatch(req)
			s.writeFrame(conn, resp)
		}()
	}
}

func (s *Server) dispatch(req Request) Response {
	ctx, span := otel.Tracer("kiln/coord").Start(s.ctx, "coord.request",
		trace.WithAttributes(
			attribute.String("method", req.Method),
			attribute.String("id", req.ID),
		))
	defer span.End()

	switch req.Method {
	case MethodPing:
		resp, _ := marshalResult(req.ID, map[string]bool{"ok": true})
		return resp

	case MethodCompletionGet:
		var params CompletionParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return Response{ID: req.ID, Error: fmt.Sprintf("bad params: %v", err)}
		}
		resp, _ := marshalResult(req.ID, s.HandleCompletion(ctx, params))
		return resp

	case MethodCommandSend:
		var params CommandParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return Response{ID: req.ID, Error: fmt.Sprintf("bad params: %v", err)}
		}
		resp, _ := marshalResult(req.ID, s.HandleCommand(ctx, params))
		return resp

	case MethodStatusGet:
		resp, _ := marshalResult(req.ID, s.HandleStatus())
		return resp

	default:
		return Response{ID: req.ID, Error: fmt.Sprintf("unknown method: %s", req.Method)}
	}
}

// HandleCompletion serves one completion request, consulting the short-TTL
// cache first so identical in-flight editor retries share one exchange.
func (s *Server) HandleCompletion(ctx context.Context, params CompletionParams) CompletionResult {
	key := completionCacheKey(params)
	if cached, ok := s.cache.Get(key); ok {
		return cached.(CompletionResult)
	}

	text, err := s.completion.GetCompletion(ctx, pool.CompletionRequest{
		Prefix: params.Prefix,
		Suffix: params.Suffix,
		Anchor: params.Anchor,
	})
	if err != nil || text == "" {
		return CompletionResult{OK: false}
	}

	result := CompletionResult{Text: text, OK: true}
	s.cache.SetDefault(key, result)
	return result
}

// HandleCommand serves one command prompt.
func (s *Server) HandleCommand(ctx context.Context, params CommandParams) CommandResult {
	res, err := s.command.SendPrompt(ctx, params.Message, pool.PromptOptions{
		Timeout: time.Duration(params.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return CommandResult{OK: false}
	}
	return CommandResult{Text: res.Text, OK: res.OK, Meta: res.Meta}
}

// HandleStatus assembles the snapshot. Pure read; never acquires slots, so
// it never queues behind busy completion or command traffic.
func (s *Server) HandleStatus() StatusResult {
	return StatusResult{
		LeaderPID: os.Getpid(),
		Pools: []pool.PoolStatus{
			s.completion.Status(),
			s.command.Status(),
		},
	}
}

// Reconfigure switches both pools to a new model. Live sessions are
// recycled, never mutated in place.
func (s *Server) Reconfigure(model string) {
	log.Info(log.CatCoord, "reconfiguring pools", "model", model)
	s.completion.UpdateModel(model)
	s.command.UpdateModel(model)
	s.cache.Flush()
}

// forwardDegraded fans one pool's degradation events out to every connected
// client so every editor window can prompt its user, not just the leader's.
func (s *Server) forwardDegraded(events <-chan pubsub.Event[pool.DegradedEvent]) {
	defer s.wg.Done()
	for ev := range events {
		payload := ev.Payload
		errMsg := ""
		if payload.Err != nil {
			errMsg = payload.Err.Error()
		}
		s.broadcast(Response{
			Method: NotifyPoolDegraded,
			Result: mustMarshal(DegradedParams{
				Pool:  payload.Pool,
				Slot:  payload.Slot,
				Error: errMsg,
			}),
		})
	}
}

func (s *Server) broadcast(resp Response) {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		s.writeFrame(conn, resp)
	}
}

// writeFrame serializes one frame; the per-connection mutex keeps
// concurrent handler goroutines from interleaving partial lines.
func (s *Server) writeFrame(conn net.Conn, resp Response) {
	s.mu.Lock()
	wmu, ok := s.conns[conn]
	s.mu.Unlock()
	if !ok {
		return
	}

	data, err := json.Marshal(resp)
	if err != nil {
		log.Warn(log.CatCoord, "marshal frame failed", "error", err)
		return
	}
	data = append(data, '\n')

	wmu.Lock()
	_, werr := conn.Write(data)
	wmu.Unlock()
	if werr != nil {
		log.Debug(log.CatCoord, "write to client failed", "error", werr)
	}
}

// Close shuts the listener, all connections, and both pools, and removes
// the socket file.
func (s *Server) Close() {
	if s.closed.Swap(true) {
		return
	}
	log.Debug(log.CatCoord, "closing server")
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.completion.Close()
	s.command.Close()
	s.wg.Wait()
	_ = os.Remove(s.cfg.SocketPath)
}

func completionCacheKey(params CompletionParams) string {
	h := sha256.New()
	h.Write([]byte(params.Prefix))
	h.Write([]byte{0})
	h.Write([]byte(params.Suffix))
	h.Write([]byte{0})
	h.Write([]byte(params.Anchor))
	return hex.EncodeToString(h.Sum(nil))
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
