package db

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoFreePorts is returned when a project's reserved range cannot satisfy
// an allocation.
var ErrNoFreePorts = errors.New("no free ports in project range")

// PortAllocation is one reserved port inside a project's range.
type PortAllocation struct {
	ProjectID   string
	Port        int
	WorktreeID  string
	AllocatedAt time.Time
}

// AllocatePorts reserves count ports for the worktree, choosing the lowest
// free ports in the project's [start, end] range. TxOps-only: allocation is
// atomic with worktree creation, and the (project_id, port) primary key
// rejects double allocation under concurrency.
func (t *TxOps) AllocatePorts(projectID, worktreeID string, rangeStart, rangeEnd, count int) ([]int, error) {
	if count <= 0 {
		return nil, nil
	}

	taken := make(map[int]bool)
	rows, err := t.Query(`SELECT port FROM worktree_ports WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list allocated ports: %w", err)
	}
	for rows.Next() {
		var port int
		if err := rows.Scan(&port); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan allocated port: %w", err)
		}
		taken[port] = true
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	var allocated []int
	for port := rangeStart; port <= rangeEnd && len(allocated) < count; port++ {
		if !taken[port] {
			allocated = append(allocated, port)
		}
	}
	if len(allocated) < count {
		return nil, ErrNoFreePorts
	}

	now := formatTime(time.Now())
	for _, port := range allocated {
		_, err := t.Exec(`
			INSERT INTO worktree_ports (project_id, port, worktree_id, allocated_at)
			VALUES (?, ?, ?, ?)
		`, projectID, port, worktreeID, now)
		if err != nil {
			return nil, fmt.Errorf("allocate port %d: %w", port, err)
		}
	}
	return allocated, nil
}

// ReleasePortsForWorktree frees every port held by the worktree and returns
// how many were released.
func (t *TxOps) ReleasePortsForWorktree(worktreeID string) (int, error) {
	res, err := t.Exec(`DELETE FROM worktree_ports WHERE worktree_id = ?`, worktreeID)
	if err != nil {
		return 0, fmt.Errorf("release ports: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("release ports rows affected: %w", err)
	}
	return int(n), nil
}

// ListPortsForWorktree returns the worktree's reserved ports ascending.
func (s *Store) ListPortsForWorktree(worktreeID string) ([]int, error) {
	rows, err := s.Query(`
		SELECT port FROM worktree_ports WHERE worktree_id = ? ORDER BY port
	`, worktreeID)
	if err != nil {
		return nil, fmt.Errorf("list worktree ports: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ports []int
	for rows.Next() {
		var port int
		if err := rows.Scan(&port); err != nil {
			return nil, fmt.Errorf("scan port: %w", err)
		}
		ports = append(ports, port)
	}
	return ports, rows.Err()
}

// ListPortAllocations returns every allocation in a project, ascending by port.
func (s *Store) ListPortAllocations(projectID string) ([]*PortAllocation, error) {
	rows, err := s.Query(`
		SELECT project_id, port, worktree_id, allocated_at
		FROM worktree_ports WHERE project_id = ? ORDER BY port
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list port allocations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var allocs []*PortAllocation
	for rows.Next() {
		var a PortAllocation
		var allocatedAt string
		if err := rows.Scan(&a.ProjectID, &a.Port, &a.WorktreeID, &allocatedAt); err != nil {
			return nil, fmt.Errorf("scan port allocation: %w", err)
		}
		a.AllocatedAt = parseTime(allocatedAt)
		allocs = append(allocs, &a)
	}
	return allocs, rows.Err()
}

// ListStalePortWorktrees returns ids of worktrees that still hold ports but
// are no longer active. The janitor releases these.
func (s *Store) ListStalePortWorktrees() ([]string, error) {
	rows, err := s.Query(`
		SELECT DISTINCT wp.worktree_id
		FROM worktree_ports wp
		JOIN worktrees w ON w.id = wp.worktree_id
		WHERE w.status != 'active'
	`)
	if err != nil {
		return nil, fmt.Errorf("list stale port worktrees: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale worktree id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
