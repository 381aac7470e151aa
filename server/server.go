package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/vctt94/bisonbotkit/logging"
	"github.com/vctt94/pongarena/ponggame"
	"github.com/vctt94/pongarena/server/serverdb"
	"golang.org/x/sync/errgroup"
)

const (
	name    = "pongarena"
	version = "v0.1.0"

	shutdownTimeout = 5 * time.Second
)

type ServerConfig struct {
	ServerDir string

	HTTPPort              string
	DebugLevel            string
	DebugGameManagerLevel string
	MaxLogFiles           int
	LogBackend            *logging.LogBackend

	Game ponggame.Config

	// RoomNamerAddr is the gRPC room directory. Empty names rooms locally.
	RoomNamerAddr string

	// DB and Identity override the defaults: a bolt db at
	// ServerDir/server.db and the proxy header resolver.
	DB       serverdb.ServerDB
	Identity IdentityResolver
}

type Server struct {
	log         slog.Logger
	gameManager *ponggame.GameManager
	db          serverdb.ServerDB
	namer       *GRPCRoomNamer
	identity    IdentityResolver
	validate    *validator.Validate
	upgrader    websocket.Upgrader

	mux        *http.ServeMux
	httpServer *http.Server

	activeConns  sync.Map // conn id -> context.CancelFunc
	shutdownOnce sync.Once
	shutdownErr  error
}

func NewServer(cfg ServerConfig) (*Server, error) {
	var logSrv, logGM, logTick, logDB slog.Logger = slog.Disabled, slog.Disabled, slog.Disabled, slog.Disabled
	if cfg.LogBackend != nil {
		logSrv = cfg.LogBackend.Logger("SRV")
		logDB = cfg.LogBackend.Logger("DB")

		gmLevel := cfg.DebugGameManagerLevel
		if gmLevel == "" {
			gmLevel = cfg.DebugLevel
		}
		maxLogFiles := cfg.MaxLogFiles
		if maxLogFiles <= 0 {
			maxLogFiles = 10
		}
		bknd, err := logging.NewLogBackend(logging.LogConfig{
			LogFile:        filepath.Join(cfg.ServerDir, "logs", "gamemanager.log"),
			DebugLevel:     gmLevel,
			MaxLogFiles:    maxLogFiles,
			MaxBufferLines: 1000,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize game manager logger: %w", err)
		}
		logGM = bknd.Logger("GM")
		logTick = bknd.Logger("TICK")
	}

	db := cfg.DB
	if db == nil {
		dbPath := filepath.Join(cfg.ServerDir, "server.db")
		bdb, err := serverdb.NewBoltDB(dbPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db = bdb
	}

	gm, err := ponggame.NewGameManager(cfg.Game, logGM)
	if err != nil {
		db.Close()
		return nil, err
	}
	gm.Scheduler.SetLogger(logTick)
	gm.SetRecorder(&resultSink{db: db, log: logDB})

	s := &Server{
		log:         logSrv,
		gameManager: gm,
		db:          db,
		identity:    cfg.Identity,
		validate:    newValidator(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	if s.identity == nil {
		s.identity = NewHeaderIdentity()
	}

	if cfg.RoomNamerAddr != "" {
		namer, err := NewGRPCRoomNamer(cfg.RoomNamerAddr, logSrv)
		if err != nil {
			db.Close()
			return nil, err
		}
		s.namer = namer
		gm.SetNamer(namer)
		s.log.Infof("Room names allocated by %s", cfg.RoomNamerAddr)
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("GET /rooms", s.handleRooms)
	s.mux.HandleFunc("GET /tournaments/{id}", s.handleTournament)
	s.mux.HandleFunc("GET /results", s.handleResults)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	if cfg.HTTPPort != "" {
		s.httpServer = &http.Server{
			Addr:              fmt.Sprintf(":%s", cfg.HTTPPort),
			Handler:           s.mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	s.log.Infof("%s %s initialized (tick every %s)", name, version, gm.Scheduler.Interval())
	return s, nil
}

// Handler returns the HTTP and websocket routes.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// GameManager exposes the session engine behind the transport.
func (s *Server) GameManager() *ponggame.GameManager {
	return s.gameManager
}

// Run serves until ctx is done, then shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := s.gameManager.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if s.httpServer != nil {
		g.Go(func() error {
			s.log.Infof("Starting HTTP server on %s", s.httpServer.Addr)
			err := s.httpServer.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server error: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.Shutdown(sctx)
	})

	return g.Wait()
}

// Shutdown stops the HTTP server, ends every room, drops the websocket
// connections and closes the database. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		if s.httpServer != nil {
			s.log.Info("Shutting down HTTP server...")
			if err := s.httpServer.Shutdown(ctx); err != nil {
				s.log.Errorf("Error shutting down HTTP server: %v", err)
			}
		}

		s.log.Info("Terminating all rooms...")
		s.gameManager.Shutdown()

		s.log.Info("Closing active connections...")
		s.activeConns.Range(func(_, value interface{}) bool {
			if cancel, ok := value.(context.CancelFunc); ok {
				cancel()
			}
			return true
		})

		if s.namer != nil {
			if err := s.namer.Close(); err != nil {
				s.log.Errorf("Error closing room namer: %v", err)
			}
		}
		if err := s.db.Close(); err != nil {
			s.shutdownErr = fmt.Errorf("failed to close database: %w", err)
		}
	})
	return s.shutdownErr
}
