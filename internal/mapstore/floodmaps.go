package mapstore

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// FloodMap is an uploaded flood-extent raster and its stored colour scale.
type FloodMap struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"projectId"`
	Scenario   string    `json:"scenario"`
	FileName   string    `json:"fileName"` // user supplied name without extension
	FileURL    string    `json:"fileUrl"`  // media-relative path of the raster
	Min        Fixed2    `json:"min"`
	Max        Fixed2    `json:"max"`
	LegendUnit string    `json:"legendUnit"`
	CreatedAt  time.Time `json:"createdAt"`
}

const floodMapColumns = `id, project_id, scenario, file_name, file_url, min, max, legend_unit, created_at`

// CreateFloodMap inserts m, stamping CreatedAt. Names are unique per project
// and scenario regardless of case; a clash returns ErrDuplicate.
func (s *Store) CreateFloodMap(m *FloodMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.CreatedAt = s.clock.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO flood_maps (`+floodMapColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.ID,
		m.ProjectID,
		m.Scenario,
		m.FileName,
		m.FileURL,
		float64(m.Min),
		float64(m.Max),
		m.LegendUnit,
		formatTime(m.CreatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s/%s/%s", ErrDuplicate, m.ProjectID, m.Scenario, m.FileName)
	}
	return err
}

// GetFloodMap retrieves a flood map of a project by ID.
func (s *Store) GetFloodMap(projectID, id string) (*FloodMap, error) {
	row := s.db.QueryRow(`
		SELECT `+floodMapColumns+`
		FROM flood_maps WHERE project_id = ? AND id = ?
	`, projectID, id)
	return scanFloodMap(row)
}

// FindFloodMap looks a flood map up by name, ignoring case.
func (s *Store) FindFloodMap(projectID, scenario, fileName string) (*FloodMap, error) {
	row := s.db.QueryRow(`
		SELECT `+floodMapColumns+`
		FROM flood_maps WHERE project_id = ? AND scenario = ? AND file_name = ? COLLATE NOCASE
	`, projectID, scenario, fileName)
	return scanFloodMap(row)
}

// ListFloodMaps returns the flood maps of a project, oldest first. An empty
// scenario lists every scenario.
func (s *Store) ListFloodMaps(projectID, scenario string) ([]*FloodMap, error) {
	query := `SELECT ` + floodMapColumns + ` FROM flood_maps WHERE project_id = ?`
	args := []any{projectID}
	if scenario != "" {
		query += ` AND scenario = ?`
		args = append(args, scenario)
	}
	query += ` ORDER BY created_at ASC, file_name ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	maps := []*FloodMap{}
	for rows.Next() {
		m, err := scanFloodMap(rows)
		if err != nil {
			return nil, err
		}
		maps = append(maps, m)
	}
	return maps, rows.Err()
}

// DeleteFloodMap removes a flood map record.
func (s *Store) DeleteFloodMap(projectID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec("DELETE FROM flood_maps WHERE project_id = ? AND id = ?", projectID, id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFloodMap(row scanner) (*FloodMap, error) {
	var m FloodMap
	var minV, maxV float64
	var createdAt string

	err := row.Scan(
		&m.ID,
		&m.ProjectID,
		&m.Scenario,
		&m.FileName,
		&m.FileURL,
		&minV,
		&maxV,
		&m.LegendUnit,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Min, m.Max = Fixed2(minV), Fixed2(maxV)
	m.CreatedAt = parseTime(createdAt)
	return &m, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
