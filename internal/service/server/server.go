package server

import (
	"context"
	"errors"
	"net/http"
	"pair_chat/internal/repository/blob"
	"pair_chat/internal/repository/conversation"
	userRepo "pair_chat/internal/repository/user"
	"pair_chat/internal/service/auth"
	redisSvc "pair_chat/internal/service/redis"
	"pair_chat/internal/utils/log"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

type (
	Deps struct {
		Users         userRepo.Repository
		Conversations conversation.Store
		Blobs         blob.Store
		Auth          *auth.Service
		// Redis enables cross-process fan-out and the shared login limiter.
		// Nil keeps both in process.
		Redis *redisSvc.RedisService
	}

	Options struct {
		Address        string
		MaxUploadBytes int64
		MaxPageSize    int
		PersistWorkers int
		LoginLimit     int64
		LoginWindow    time.Duration
	}

	HttpServer struct {
		opts          Options
		users         userRepo.Repository
		conversations conversation.Store
		blobs         blob.Store
		auth          *auth.Service
		limiter       LoginLimiter

		hub       *Hub
		fanout    Fanout
		persister *Persister
		upgrader  websocket.Upgrader
	}
)

func (o *Options) setDefaults() {
	if o.Address == "" {
		o.Address = "localhost:9090"
	}
	if o.MaxUploadBytes <= 0 {
		o.MaxUploadBytes = blob.MaxSize
	}
	if o.MaxPageSize <= 0 {
		o.MaxPageSize = 100
	}
	if o.PersistWorkers <= 0 {
		o.PersistWorkers = 4
	}
	if o.LoginLimit <= 0 {
		o.LoginLimit = 10
	}
	if o.LoginWindow <= 0 {
		o.LoginWindow = 15 * time.Minute
	}
}

func NewHttpServer(deps Deps, opts Options) *HttpServer {
	opts.setDefaults()

	s := &HttpServer{
		opts:          opts,
		users:         deps.Users,
		conversations: deps.Conversations,
		blobs:         deps.Blobs,
		auth:          deps.Auth,
		hub:           NewHub(),
		persister:     NewPersister(deps.Conversations, opts.PersistWorkers),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
	}

	if deps.Redis != nil {
		s.fanout = NewRedisFanout(s.hub, deps.Redis)
		s.limiter = NewRedisLimiter(deps.Redis, opts.LoginLimit, opts.LoginWindow)
	} else {
		s.fanout = NewLocalFanout(s.hub)
		s.limiter = NewMemoryLimiter(opts.LoginLimit, opts.LoginWindow)
	}
	return s
}

func (s *HttpServer) Router(ctx context.Context) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/user/register", s.Register()).Methods(http.MethodPost)
	r.HandleFunc("/user/login", s.Login()).Methods(http.MethodPost)
	r.HandleFunc("/user/login/check", s.requireAuth(s.LoginCheck())).Methods(http.MethodGet)
	r.HandleFunc("/logout", s.Logout()).Methods(http.MethodPost)

	r.HandleFunc("/chats", s.requireAuth(s.ListChats())).Methods(http.MethodGet)
	r.HandleFunc("/chats/search", s.requireAuth(s.SearchUsers())).Methods(http.MethodGet)
	r.HandleFunc("/chats/create", s.requireAuth(s.CreateChat())).Methods(http.MethodPost)
	r.HandleFunc("/chats/{conversationId}/messages", s.requireAuth(s.GetMessages())).Methods(http.MethodGet)

	r.HandleFunc("/files/{conversationId}/{name}", s.GetFile()).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.HandleWS(ctx)).Methods(http.MethodGet)

	return r
}

// RunBackground runs the persistence workers and the fan-out subscriber
// until ctx is done.
func (s *HttpServer) RunBackground(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.persister.Run(ctx) })
	g.Go(func() error { return s.fanout.Run(ctx) })
	return g.Wait()
}

func (s *HttpServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Address,
		Handler:           s.Router(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.RunBackground(ctx) })
	g.Go(func() error {
		log.Info("http server listening", zap.String("address", s.opts.Address))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
