package server

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"unison/internal/auth"
	"unison/internal/config"
	"unison/internal/library"
	"unison/internal/metadata"
	"unison/internal/session"
	"unison/internal/syncplay"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Server wires the HTTP surface to the catalog, the auth layer, the
// session registry, and the sync coordinator.
type Server struct {
	config    *config.Config
	catalog   *library.Catalog
	extractor *metadata.Extractor
	auth      *auth.Service
	registry  *session.Registry
	syncplay  *syncplay.Manager
	watcher   *fsnotify.Watcher
	logger    *logrus.Logger

	mux        *http.ServeMux
	httpServer *http.Server
}

// NewServer creates the server and registers all routes.
func NewServer(cfg *config.Config, catalog *library.Catalog, authService *auth.Service,
	registry *session.Registry, manager *syncplay.Manager, logger *logrus.Logger) *Server {

	s := &Server{
		config:    cfg,
		catalog:   catalog,
		extractor: metadata.NewExtractor(cfg.Music.SupportedFormats, cfg.Music.LibraryPath, cfg.Music.FolderRatings, logger),
		auth:      authService,
		registry:  registry,
		syncplay:  manager,
		logger:    logger,
		mux:       http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Group lifecycle
	s.mux.HandleFunc("/SyncPlay/New", s.handleSyncPlayNew)
	s.mux.HandleFunc("/SyncPlay/Join", s.handleSyncPlayJoin)
	s.mux.HandleFunc("/SyncPlay/Leave", s.handleSyncPlayLeave)
	s.mux.HandleFunc("/SyncPlay/Settings", s.handleSyncPlaySettings)
	s.mux.HandleFunc("/SyncPlay/List", s.handleSyncPlayList)
	s.mux.HandleFunc("/SyncPlay/ListAvailableUsers", s.handleSyncPlayListAvailableUsers)

	// Playback requests
	s.mux.HandleFunc("/SyncPlay/Play", s.handleSyncPlayPlay)
	s.mux.HandleFunc("/SyncPlay/SetPlaylistItem", s.handleSyncPlaySetPlaylistItem)
	s.mux.HandleFunc("/SyncPlay/RemoveFromPlaylist", s.handleSyncPlayRemoveFromPlaylist)
	s.mux.HandleFunc("/SyncPlay/MovePlaylistItem", s.handleSyncPlayMovePlaylistItem)
	s.mux.HandleFunc("/SyncPlay/Queue", s.handleSyncPlayQueue)
	s.mux.HandleFunc("/SyncPlay/Unpause", s.handleSyncPlayUnpause)
	s.mux.HandleFunc("/SyncPlay/Pause", s.handleSyncPlayPause)
	s.mux.HandleFunc("/SyncPlay/Stop", s.handleSyncPlayStop)
	s.mux.HandleFunc("/SyncPlay/Seek", s.handleSyncPlaySeek)
	s.mux.HandleFunc("/SyncPlay/Buffering", s.handleSyncPlayBuffering)
	s.mux.HandleFunc("/SyncPlay/SetIgnoreWait", s.handleSyncPlaySetIgnoreWait)
	s.mux.HandleFunc("/SyncPlay/NextTrack", s.handleSyncPlayNextTrack)
	s.mux.HandleFunc("/SyncPlay/PreviousTrack", s.handleSyncPlayPreviousTrack)
	s.mux.HandleFunc("/SyncPlay/SetRepeatMode", s.handleSyncPlaySetRepeatMode)
	s.mux.HandleFunc("/SyncPlay/SetShuffleMode", s.handleSyncPlaySetShuffleMode)
	s.mux.HandleFunc("/SyncPlay/Ping", s.handleSyncPlayPing)
	s.mux.HandleFunc("/SyncPlay/WebRTC", s.handleSyncPlayWebRTC)

	// Outbound message channel
	s.mux.HandleFunc("/SyncPlay/Messages", s.handleSyncPlayMessages)

	// Auth and session
	s.mux.HandleFunc("/api/auth/login", s.handleAuthLogin)
	s.mux.HandleFunc("/api/auth/logout", s.handleAuthLogout)
	s.mux.HandleFunc("/api/auth/register", s.handleAuthRegister)
	s.mux.HandleFunc("/api/auth/status", s.handleAuthStatus)
	s.mux.HandleFunc("/api/nowplaying", s.handleNowPlaying)

	// Library
	s.mux.HandleFunc("/api/tracks", s.handleGetTracks)

	s.mux.HandleFunc("/health", s.handleHealthCheck)
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.mux
	handler = s.authMiddleware(handler)
	handler = s.requestLoggingMiddleware(handler)
	handler = s.corsMiddleware(handler)
	handler = s.panicRecoveryMiddleware(handler)
	return handler
}

// ScanLibrary walks the music directory and feeds every audio file through
// a worker pool into the catalog.
func (s *Server) ScanLibrary() error {
	if !s.config.Music.ScanOnStartup {
		s.logger.Info("Skipping library scan (disabled in config)")
		return nil
	}

	s.logger.WithField("library_path", s.config.Music.LibraryPath).Info("Scanning music library")

	var wg sync.WaitGroup
	var trackCount int64
	jobs := make(chan string, 100)

	numWorkers := runtime.NumCPU()
	for i := 0; i < numWorkers; i++ {
		go func() {
			for path := range jobs {
				track, err := s.extractor.ExtractFromFile(path, 0)
				if err != nil {
					s.logger.WithError(err).WithField("file_path", path).Error("Error extracting metadata")
					wg.Done()
					continue
				}
				if _, err := s.catalog.AddTrack(track); err != nil {
					s.logger.WithError(err).WithField("file_path", path).Error("Error adding track to catalog")
				} else {
					atomic.AddInt64(&trackCount, 1)
				}
				wg.Done()
			}
		}()
	}

	walkErr := filepath.Walk(s.config.Music.LibraryPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if s.extractor.IsAudioFile(path) {
			wg.Add(1)
			jobs <- path
		}
		return nil
	})

	close(jobs)
	wg.Wait()

	s.logger.WithField("count", atomic.LoadInt64(&trackCount)).Info("Library scan complete")
	return walkErr
}

// Start begins serving. It blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	if s.config.Music.WatchForChanges {
		if err := s.startFileWatcher(); err != nil {
			s.logger.WithError(err).Warn("Could not start file watcher")
		}
	}

	s.httpServer = &http.Server{
		Addr:         s.config.GetAddress(),
		Handler:      s.Handler(),
		ReadTimeout:  time.Duration(s.config.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(s.config.Server.IdleTimeout) * time.Second,
	}

	s.logger.WithField("address", s.config.GetAddress()).Info("Unison server starting")

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the listener and the file watcher.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopFileWatcher()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
