// Package server hosts the websocket session endpoint. Clients connect to
// /ws with a bearer token, receive fanout events as JSON frames, and may
// send ping and read frames.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/switchboard/internal/chaterr"
	"github.com/zulandar/switchboard/internal/fanout"
	"github.com/zulandar/switchboard/internal/identity"
)

// Registry tracks live sessions. fanout.Hub implements it.
type Registry interface {
	Register(user string, s fanout.Session)
	Unregister(user string, s fanout.Session) bool
	Users() int
}

// ReadMarker marks a conversation read. delivery.Tracker implements it.
type ReadMarker interface {
	MarkRead(ctx context.Context, conversationID, reader string) (int, error)
}

// Opts holds configuration for the session server.
type Opts struct {
	Resolver     identity.Resolver
	Hub          Registry
	Reads        ReadMarker // optional; enables read frames
	Port         int
	PingInterval time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
	Log          logrus.FieldLogger
	Out          io.Writer
}

// Server accepts websocket sessions.
type Server struct {
	resolver     identity.Resolver
	hub          Registry
	reads        ReadMarker
	port         int
	pingInterval time.Duration
	writeTimeout time.Duration
	sendBuffer   int
	log          logrus.FieldLogger
	out          io.Writer
	upgrader     websocket.Upgrader
	router       *gin.Engine
}

// New creates a Server.
func New(opts Opts) (*Server, error) {
	if opts.Resolver == nil {
		return nil, fmt.Errorf("server: resolver is required")
	}
	if opts.Hub == nil {
		return nil, fmt.Errorf("server: hub is required")
	}
	s := &Server{
		resolver:     opts.Resolver,
		hub:          opts.Hub,
		reads:        opts.Reads,
		port:         opts.Port,
		pingInterval: opts.PingInterval,
		writeTimeout: opts.WriteTimeout,
		sendBuffer:   opts.SendBuffer,
		log:          opts.Log,
		out:          opts.Out,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy belongs to the fronting proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if s.port <= 0 {
		s.port = 8080
	}
	if s.pingInterval <= 0 {
		s.pingInterval = 30 * time.Second
	}
	if s.writeTimeout <= 0 {
		s.writeTimeout = 10 * time.Second
	}
	if s.sendBuffer <= 0 {
		s.sendBuffer = 64
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", s.handleHealth)
	router.GET("/ws", s.handleWS)
	s.router = router
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if s.out != nil {
		fmt.Fprintf(s.out, "Switchboard listening on :%d (websocket at /ws)\n", s.port)
	}
	s.log.WithField("port", s.port).Info("server: listening")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "users_online": s.hub.Users()})
}

// handleWS authenticates before upgrading, so a bad token never yields a
// registered session.
func (s *Server) handleWS(c *gin.Context) {
	user, err := s.resolver.ResolveUser(c.Request.Context(), bearerToken(c.Request))
	if err != nil {
		if !chaterr.Is(err, chaterr.CodeAuthFailed) {
			s.log.WithError(err).Warn("server: identity lookup failed")
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": string(chaterr.CodeAuthFailed)})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).WithField("user", user).Debug("server: upgrade failed")
		return
	}
	newSession(s, conn, user).run(context.WithoutCancel(c.Request.Context()))
}

// bearerToken reads the Authorization header, falling back to the token
// query parameter for browser clients that cannot set headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}
