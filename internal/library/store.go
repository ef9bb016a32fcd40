package library

import (
	"database/sql"
	"fmt"
	"time"

	"unison/pkg/models"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// Store wraps a *sql.DB holding the track catalog. It is safe for
// concurrent use because the underlying *sql.DB is concurrency-safe.
type Store struct {
	conn   *sql.DB
	logger *logrus.Logger

	// Prepared statements for better performance
	insertTrackStmt  *sql.Stmt
	updateTrackStmt  *sql.Stmt
	getTrackByIDStmt *sql.Stmt
	trackExistsStmt  *sql.Stmt
	removeTrackStmt  *sql.Stmt
}

// NewStore opens (or creates) a SQLite database at the provided path and
// ensures all required tables and indices exist. It also applies lightweight
// performance-oriented pragmas (WAL, cache sizing). Caller should Close() it
// when finished.
func NewStore(dbPath string, logger *logrus.Logger) (*Store, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	conn, err := sql.Open("sqlite3", dbPath+"?cache=shared&mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool - adjusted for SQLite
	conn.SetMaxOpenConns(5) // SQLite works better with fewer connections
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(15 * time.Minute)

	// Enable WAL mode for better concurrency
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=2000;",
		"PRAGMA temp_store=memory;",
		"PRAGMA foreign_keys=ON;",
	}

	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			logger.WithError(err).WithField("pragma", pragma).Warn("Failed to set pragma")
		}
	}

	store := &Store{
		conn:   conn,
		logger: logger,
	}

	if err := store.createTables(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	if err := store.prepareStatements(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	logger.WithField("db_path", dbPath).Info("Catalog database initialized")
	return store, nil
}

// createTables creates tables and indices if they do not already exist.
// This is idempotent and safe to call multiple times.
func (s *Store) createTables() error {
	tracksTable := `
	CREATE TABLE IF NOT EXISTS tracks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		artist TEXT NOT NULL,
		album TEXT NOT NULL,
		track_number INTEGER DEFAULT 0,
		duration_ticks INTEGER DEFAULT 0,
		file_path TEXT NOT NULL UNIQUE,
		file_size INTEGER NOT NULL,
		folder TEXT DEFAULT '',
		parental_rating INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_tracks_artist ON tracks(artist);",
		"CREATE INDEX IF NOT EXISTS idx_tracks_album ON tracks(album);",
		"CREATE INDEX IF NOT EXISTS idx_tracks_file_path ON tracks(file_path);",
		"CREATE INDEX IF NOT EXISTS idx_tracks_folder ON tracks(folder);",
	}

	if _, err := s.conn.Exec(tracksTable); err != nil {
		return err
	}

	for _, index := range indices {
		if _, err := s.conn.Exec(index); err != nil {
			return err
		}
	}

	return s.runMigrations()
}

// runMigrations performs incremental schema updates in-place. Each migration
// should be idempotent and safe to re-run; keep them lightweight.
func (s *Store) runMigrations() error {
	// Migration 1: Add parental_rating column if missing (pre-rating databases)
	var columnExists bool
	err := s.conn.QueryRow(`
		SELECT COUNT(*) > 0
		FROM pragma_table_info('tracks')
		WHERE name = 'parental_rating'`).Scan(&columnExists)
	if err != nil {
		return err
	}

	if !columnExists {
		if _, err := s.conn.Exec("ALTER TABLE tracks ADD COLUMN parental_rating INTEGER DEFAULT 0"); err != nil {
			return err
		}
		s.logger.Info("Added parental_rating column to tracks table")
	}

	return nil
}

// prepareStatements prepares commonly used SQL statements for better performance
func (s *Store) prepareStatements() error {
	var err error

	s.insertTrackStmt, err = s.conn.Prepare(`
		INSERT INTO tracks (title, artist, album, track_number, duration_ticks, file_path, file_size, folder, parental_rating)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert track statement: %w", err)
	}

	s.updateTrackStmt, err = s.conn.Prepare(`
		UPDATE tracks SET title = ?, artist = ?, album = ?, track_number = ?, duration_ticks = ?, file_size = ?, folder = ?, parental_rating = ?
		WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare update track statement: %w", err)
	}

	s.getTrackByIDStmt, err = s.conn.Prepare(`
		SELECT id, title, artist, album, track_number, duration_ticks, file_path, file_size, folder, parental_rating
		FROM tracks WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare get track by ID statement: %w", err)
	}

	s.trackExistsStmt, err = s.conn.Prepare(`
		SELECT COUNT(*) FROM tracks WHERE file_path = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare track exists statement: %w", err)
	}

	s.removeTrackStmt, err = s.conn.Prepare(`
		DELETE FROM tracks WHERE file_path = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare remove track statement: %w", err)
	}

	return nil
}

// InsertTrack inserts a new track or updates an existing track (matched by
// file_path) returning the track's database ID.
func (s *Store) InsertTrack(track models.Track) (int, error) {
	// Check if track already exists
	var existingID int
	err := s.conn.QueryRow("SELECT id FROM tracks WHERE file_path = ?", track.FilePath).Scan(&existingID)
	if err == nil {
		// Track exists, update it using prepared statement
		_, err = s.updateTrackStmt.Exec(
			track.Title, track.Artist, track.Album, track.TrackNumber,
			track.DurationTicks, track.FileSize, track.Folder, track.ParentalRating,
			existingID)
		if err != nil {
			s.logger.WithError(err).WithField("track_id", existingID).Error("Failed to update existing track")
		}
		return existingID, err
	}

	// Insert new track using prepared statement
	result, err := s.insertTrackStmt.Exec(
		track.Title, track.Artist, track.Album, track.TrackNumber,
		track.DurationTicks, track.FilePath, track.FileSize, track.Folder, track.ParentalRating)
	if err != nil {
		s.logger.WithError(err).WithField("file_path", track.FilePath).Error("Failed to insert new track")
		return 0, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		s.logger.WithError(err).Error("Failed to get last insert ID")
		return 0, err
	}

	return int(id), nil
}

// GetTrackByID returns a single track by its ID.
func (s *Store) GetTrackByID(id int) (*models.Track, error) {
	var track models.Track

	err := s.getTrackByIDStmt.QueryRow(id).Scan(
		&track.ID, &track.Title, &track.Artist, &track.Album,
		&track.TrackNumber, &track.DurationTicks, &track.FilePath,
		&track.FileSize, &track.Folder, &track.ParentalRating)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("track with ID %d not found", id)
		}
		s.logger.WithError(err).WithField("track_id", id).Error("Failed to get track by ID")
		return nil, err
	}

	return &track, nil
}

// GetAllTracks returns all tracks ordered by artist/album/track/title.
func (s *Store) GetAllTracks() ([]models.Track, error) {
	rows, err := s.conn.Query(`
		SELECT id, title, artist, album, track_number, duration_ticks, file_path, file_size, folder, parental_rating
		FROM tracks
		ORDER BY artist, album, track_number, title`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrackRows(rows)
}

// RemoveTrackByPath deletes a track row identified by its file path.
func (s *Store) RemoveTrackByPath(filePath string) error {
	_, err := s.removeTrackStmt.Exec(filePath)
	if err != nil {
		s.logger.WithError(err).WithField("file_path", filePath).Error("Failed to remove track by path")
	}
	return err
}

// TrackExists returns true if a track exists with the given file path.
func (s *Store) TrackExists(filePath string) (bool, error) {
	var count int
	err := s.trackExistsStmt.QueryRow(filePath).Scan(&count)
	if err != nil {
		s.logger.WithError(err).WithField("file_path", filePath).Error("Failed to check if track exists")
		return false, err
	}
	return count > 0, nil
}

// Close closes the underlying database connection and prepared statements.
func (s *Store) Close() error {
	statements := []*sql.Stmt{
		s.insertTrackStmt,
		s.updateTrackStmt,
		s.getTrackByIDStmt,
		s.trackExistsStmt,
		s.removeTrackStmt,
	}

	for _, stmt := range statements {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				s.logger.WithError(err).Error("Failed to close prepared statement")
			}
		}
	}

	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// scanTrackRows scans standard track result sets into a slice of models.Track.
// Callers must have already deferred rows.Close().
func scanTrackRows(rows *sql.Rows) ([]models.Track, error) {
	var tracks []models.Track
	for rows.Next() {
		var track models.Track
		if err := rows.Scan(&track.ID, &track.Title, &track.Artist, &track.Album,
			&track.TrackNumber, &track.DurationTicks, &track.FilePath, &track.FileSize,
			&track.Folder, &track.ParentalRating); err != nil {
			return nil, err
		}
		tracks = append(tracks, track)
	}
	return tracks, rows.Err()
}
