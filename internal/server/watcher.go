package server

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// startFileWatcher initializes fsnotify watcher for recursive music dir monitoring.
func (s *Server) startFileWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	s.watcher = watcher

	go s.watchFiles()

	if err := s.addDirectoryToWatcher(s.config.Music.LibraryPath); err != nil {
		return err
	}

	s.logger.WithField("library_path", s.config.Music.LibraryPath).Info("File watcher started")
	return nil
}

// addDirectoryToWatcher recursively walks and adds subdirectories to watcher.
func (s *Server) addDirectoryToWatcher(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return s.watcher.Add(path)
		}
		return nil
	})
}

// watchFiles selects on watcher channels and dispatches events.
func (s *Server) watchFiles() {
	defer s.watcher.Close()

	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleFileEvent(event)

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.WithError(err).Error("File watcher error")
		}
	}
}

// handleFileEvent applies filtering & delegates creation/removal actions.
func (s *Server) handleFileEvent(event fsnotify.Event) {
	// Ignore temporary files and hidden files
	fileName := filepath.Base(event.Name)
	if strings.HasPrefix(fileName, ".") || strings.HasSuffix(fileName, ".tmp") {
		return
	}

	isAudioFile := s.extractor.IsAudioFile(event.Name)

	switch {
	case event.Has(fsnotify.Create) && isAudioFile:
		go func(name string) {
			time.Sleep(500 * time.Millisecond) // Ensure file is fully written
			s.handleNewFile(name)
		}(event.Name)

	case event.Has(fsnotify.Remove) && isAudioFile:
		go s.handleRemovedFile(event.Name)

	case event.Has(fsnotify.Create):
		// Check if it's a new directory
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			s.watcher.Add(event.Name)
			s.logger.WithField("directory", event.Name).Info("Watching new directory")
		}
	}
}

// handleNewFile extracts metadata & adds the track to the catalog if unseen.
func (s *Server) handleNewFile(filePath string) {
	s.logger.WithField("file_path", filePath).Info("New audio file detected")

	exists, err := s.catalog.TrackExists(filePath)
	if err != nil {
		s.logger.WithError(err).WithField("file_path", filePath).Error("Error checking if track exists")
		return
	}
	if exists {
		s.logger.WithField("file_path", filePath).Debug("Track already in catalog")
		return
	}

	track, err := s.extractor.ExtractFromFile(filePath, 0)
	if err != nil {
		s.logger.WithError(err).WithField("file_path", filePath).Error("Error extracting metadata")
		return
	}

	id, err := s.catalog.AddTrack(track)
	if err != nil {
		s.logger.WithError(err).Error("Error adding new track to catalog")
		return
	}

	s.logger.WithFields(logrus.Fields{
		"artist": track.Artist,
		"title":  track.Title,
		"album":  track.Album,
		"id":     id,
	}).Info("Added new track")
}

// handleRemovedFile drops catalog rows referencing deleted audio files.
func (s *Server) handleRemovedFile(filePath string) {
	s.logger.WithField("file_path", filePath).Info("Audio file removed")

	if err := s.catalog.RemoveTrackByPath(filePath); err != nil {
		s.logger.WithError(err).WithField("file_path", filePath).Error("Error removing track from catalog")
		return
	}

	s.logger.WithField("file_path", filePath).Info("Removed track from catalog")
}

// stopFileWatcher closes the watcher (idempotent).
func (s *Server) stopFileWatcher() {
	if s.watcher != nil {
		s.watcher.Close()
	}
}
