package hierarchy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Tree identifies which nested-set table a Store operates on.
type Tree string

const (
	TreeOrganizationalUnits Tree = "organizational_units"
	TreeRoles               Tree = "roles"
)

// Advisory lock class ids, one per tree, so that structural mutations on the
// unit tree and the role tree of the same tenant do not block each other.
const (
	lockClassUnits int32 = 4201
	lockClassRoles int32 = 4202
)

var (
	// ErrNotFound is returned when the referenced node does not exist
	ErrNotFound = errors.New("hierarchy: node not found")

	// ErrIntegrity is returned when a tenant's nested-set coordinates are
	// inconsistent. Callers must surface it; ancestor answers derived from a
	// corrupt tree are an authorization-correctness issue.
	ErrIntegrity = errors.New("hierarchy: nested-set integrity violation")
)

// Node is one row of a nested-set tree.
type Node struct {
	ID       int64
	TenantID int64
	ParentID *int64
	Left     int
	Right    int
	Depth    int
}

// Coords are the nested-set coordinates reserved for a new node.
type Coords struct {
	Left  int
	Right int
	Depth int
}

// Store runs nested-set queries and structural mutations against one tree
// table. Both the organizational-unit tree and the role tree use the same
// encoding; the table differs, the algorithms do not.
type Store struct {
	db        *sql.DB
	tree      Tree
	lockClass int32
}

// NewStore creates a nested-set store for the given tree.
func NewStore(db *sql.DB, tree Tree) (*Store, error) {
	var lockClass int32
	switch tree {
	case TreeOrganizationalUnits:
		lockClass = lockClassUnits
	case TreeRoles:
		lockClass = lockClassRoles
	default:
		return nil, fmt.Errorf("unknown hierarchy tree: %s", tree)
	}
	return &Store{db: db, tree: tree, lockClass: lockClass}, nil
}

// Tree returns which table this store operates on.
func (s *Store) Tree() Tree {
	return s.tree
}

// node fetches a single node by id within a tenant.
func (s *Store) node(ctx context.Context, q queryer, tenantID, nodeID int64) (*Node, error) {
	query := fmt.Sprintf(`
		SELECT id, tenant_id, parent_id, lft, rgt, depth
		FROM %s
		WHERE tenant_id = $1 AND id = $2
	`, s.tree)

	var n Node
	var parentID sql.NullInt64
	err := q.QueryRowContext(ctx, query, tenantID, nodeID).Scan(
		&n.ID, &n.TenantID, &parentID, &n.Left, &n.Right, &n.Depth,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, nodeID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node %d: %w", nodeID, err)
	}
	if parentID.Valid {
		pid := parentID.Int64
		n.ParentID = &pid
	}
	if n.Left >= n.Right {
		return nil, fmt.Errorf("%w: node %d has lft=%d rgt=%d", ErrIntegrity, n.ID, n.Left, n.Right)
	}
	return &n, nil
}

// Get fetches a single node by id within a tenant.
func (s *Store) Get(ctx context.Context, tenantID, nodeID int64) (*Node, error) {
	return s.node(ctx, s.db, tenantID, nodeID)
}

// Ancestors returns the chain from the tenant root down to the node, the node
// itself included last. The ordering is the resolver's inheritance order:
// bindings of shallower (ancestor) roles are applied before deeper ones.
func (s *Store) Ancestors(ctx context.Context, tenantID, nodeID int64) ([]Node, error) {
	n, err := s.Get(ctx, tenantID, nodeID)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, tenant_id, parent_id, lft, rgt, depth
		FROM %s
		WHERE tenant_id = $1 AND lft <= $2 AND rgt >= $3
		ORDER BY lft ASC
	`, s.tree)

	nodes, err := s.queryNodes(ctx, query, tenantID, n.Left, n.Right)
	if err != nil {
		return nil, err
	}

	// Each ancestor must strictly contain the next; equal or crossing ranges
	// mean the tenant's coordinates are corrupt.
	for i := 1; i < len(nodes); i++ {
		prev, cur := nodes[i-1], nodes[i]
		if !(prev.Left < cur.Left && cur.Right < prev.Right) {
			return nil, fmt.Errorf("%w: node %d (%d,%d) does not contain node %d (%d,%d)",
				ErrIntegrity, prev.ID, prev.Left, prev.Right, cur.ID, cur.Left, cur.Right)
		}
		if cur.Depth != prev.Depth+1 {
			return nil, fmt.Errorf("%w: depth of node %d is %d, expected %d",
				ErrIntegrity, cur.ID, cur.Depth, prev.Depth+1)
		}
	}
	if len(nodes) == 0 || nodes[len(nodes)-1].ID != nodeID {
		return nil, fmt.Errorf("%w: ancestor chain of node %d does not end at the node", ErrIntegrity, nodeID)
	}

	return nodes, nil
}

// Descendants returns every node strictly inside the given node's range,
// ordered by lft (document order).
func (s *Store) Descendants(ctx context.Context, tenantID, nodeID int64) ([]Node, error) {
	n, err := s.Get(ctx, tenantID, nodeID)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, tenant_id, parent_id, lft, rgt, depth
		FROM %s
		WHERE tenant_id = $1 AND lft > $2 AND rgt < $3
		ORDER BY lft ASC
	`, s.tree)

	nodes, err := s.queryNodes(ctx, query, tenantID, n.Left, n.Right)
	if err != nil {
		return nil, err
	}
	for _, d := range nodes {
		if d.Left >= d.Right {
			return nil, fmt.Errorf("%w: node %d has lft=%d rgt=%d", ErrIntegrity, d.ID, d.Left, d.Right)
		}
	}
	return nodes, nil
}

// ReserveChildSlot shifts coordinates inside tx to open a two-slot gap under
// parentID and returns the coordinates for the new child. With a nil parent
// the slot is appended after the tenant's last root. The caller inserts the
// domain row with the returned coordinates inside the same transaction.
//
// The tenant's tree is locked for the duration of tx; concurrent structural
// mutations within a tenant serialize, cross-tenant ones do not contend.
func (s *Store) ReserveChildSlot(ctx context.Context, tx *sql.Tx, tenantID int64, parentID *int64) (Coords, error) {
	if err := s.lockTenantTree(ctx, tx, tenantID); err != nil {
		return Coords{}, err
	}

	if parentID == nil {
		var maxRight sql.NullInt64
		query := fmt.Sprintf(`SELECT MAX(rgt) FROM %s WHERE tenant_id = $1`, s.tree)
		if err := tx.QueryRowContext(ctx, query, tenantID).Scan(&maxRight); err != nil {
			return Coords{}, fmt.Errorf("failed to find tenant root slot: %w", err)
		}
		left := 1
		if maxRight.Valid {
			left = int(maxRight.Int64) + 1
		}
		return Coords{Left: left, Right: left + 1, Depth: 0}, nil
	}

	parent, err := s.node(ctx, tx, tenantID, *parentID)
	if err != nil {
		return Coords{}, err
	}

	// Open the gap: everything at or right of the parent's rgt moves by +2.
	shiftRight := fmt.Sprintf(`UPDATE %s SET rgt = rgt + 2 WHERE tenant_id = $1 AND rgt >= $2`, s.tree)
	if _, err := tx.ExecContext(ctx, shiftRight, tenantID, parent.Right); err != nil {
		return Coords{}, fmt.Errorf("failed to shift rgt coordinates: %w", err)
	}
	shiftLeft := fmt.Sprintf(`UPDATE %s SET lft = lft + 2 WHERE tenant_id = $1 AND lft > $2`, s.tree)
	if _, err := tx.ExecContext(ctx, shiftLeft, tenantID, parent.Right); err != nil {
		return Coords{}, fmt.Errorf("failed to shift lft coordinates: %w", err)
	}

	return Coords{Left: parent.Right, Right: parent.Right + 1, Depth: parent.Depth + 1}, nil
}

// MoveSubtree relocates nodeID (and its whole subtree) under newParentID.
// The operation is a single transaction; the tenant's tree is locked while
// coordinates shift.
func (s *Store) MoveSubtree(ctx context.Context, tenantID, nodeID, newParentID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin move transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.lockTenantTree(ctx, tx, tenantID); err != nil {
		return err
	}

	node, err := s.node(ctx, tx, tenantID, nodeID)
	if err != nil {
		return err
	}
	parent, err := s.node(ctx, tx, tenantID, newParentID)
	if err != nil {
		return err
	}
	if parent.Left >= node.Left && parent.Right <= node.Right {
		return fmt.Errorf("cannot move node %d under its own descendant %d", nodeID, newParentID)
	}

	width := node.Right - node.Left + 1

	// Step out: negate the subtree's coordinates so the gap-close and
	// gap-open shifts below cannot touch them.
	markQuery := fmt.Sprintf(`
		UPDATE %s SET lft = -lft, rgt = -rgt
		WHERE tenant_id = $1 AND lft >= $2 AND rgt <= $3
	`, s.tree)
	if _, err := tx.ExecContext(ctx, markQuery, tenantID, node.Left, node.Right); err != nil {
		return fmt.Errorf("failed to detach subtree: %w", err)
	}

	// Close the gap the subtree left behind.
	closeRight := fmt.Sprintf(`UPDATE %s SET rgt = rgt - $2 WHERE tenant_id = $1 AND rgt > $3`, s.tree)
	if _, err := tx.ExecContext(ctx, closeRight, tenantID, width, node.Right); err != nil {
		return fmt.Errorf("failed to close rgt gap: %w", err)
	}
	closeLeft := fmt.Sprintf(`UPDATE %s SET lft = lft - $2 WHERE tenant_id = $1 AND lft > $3`, s.tree)
	if _, err := tx.ExecContext(ctx, closeLeft, tenantID, width, node.Right); err != nil {
		return fmt.Errorf("failed to close lft gap: %w", err)
	}

	// The parent's coordinates may have shifted when the gap closed.
	parent, err = s.node(ctx, tx, tenantID, newParentID)
	if err != nil {
		return err
	}
	newPos := parent.Right

	// Open a gap at the target position.
	openRight := fmt.Sprintf(`UPDATE %s SET rgt = rgt + $2 WHERE tenant_id = $1 AND rgt >= $3`, s.tree)
	if _, err := tx.ExecContext(ctx, openRight, tenantID, width, newPos); err != nil {
		return fmt.Errorf("failed to open rgt gap: %w", err)
	}
	openLeft := fmt.Sprintf(`UPDATE %s SET lft = lft + $2 WHERE tenant_id = $1 AND lft >= $3`, s.tree)
	if _, err := tx.ExecContext(ctx, openLeft, tenantID, width, newPos); err != nil {
		return fmt.Errorf("failed to open lft gap: %w", err)
	}

	// Step back in at the new position; negated coordinates still hold the
	// subtree's original values.
	offset := newPos - node.Left
	depthDiff := parent.Depth + 1 - node.Depth
	restoreQuery := fmt.Sprintf(`
		UPDATE %s SET lft = -lft + $2, rgt = -rgt + $2, depth = depth + $3
		WHERE tenant_id = $1 AND lft < 0
	`, s.tree)
	if _, err := tx.ExecContext(ctx, restoreQuery, tenantID, offset, depthDiff); err != nil {
		return fmt.Errorf("failed to reattach subtree: %w", err)
	}

	reparentQuery := fmt.Sprintf(`UPDATE %s SET parent_id = $2 WHERE tenant_id = $1 AND id = $3`, s.tree)
	if _, err := tx.ExecContext(ctx, reparentQuery, tenantID, newParentID, nodeID); err != nil {
		return fmt.Errorf("failed to update parent reference: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit move: %w", err)
	}
	return nil
}

// VerifyIntegrity checks a tenant's tree for the nested-set invariants:
// lft < rgt everywhere, no duplicate coordinates, and no partially
// overlapping ranges. A violation is reported as ErrIntegrity for repair,
// never worked around.
func (s *Store) VerifyIntegrity(ctx context.Context, tenantID int64) error {
	var badBounds int
	boundsQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE tenant_id = $1 AND lft >= rgt`, s.tree)
	if err := s.db.QueryRowContext(ctx, boundsQuery, tenantID).Scan(&badBounds); err != nil {
		return fmt.Errorf("integrity bounds query failed: %w", err)
	}
	if badBounds > 0 {
		return fmt.Errorf("%w: %d nodes with lft >= rgt in tenant %d", ErrIntegrity, badBounds, tenantID)
	}

	// Partial overlap: two ranges that cross without one containing the other.
	overlapQuery := fmt.Sprintf(`
		SELECT COUNT(*)
		FROM %s a
		JOIN %s b ON a.tenant_id = b.tenant_id AND a.id <> b.id
		WHERE a.tenant_id = $1
		  AND a.lft < b.lft AND b.lft < a.rgt AND a.rgt < b.rgt
	`, s.tree, s.tree)
	var overlaps int
	if err := s.db.QueryRowContext(ctx, overlapQuery, tenantID).Scan(&overlaps); err != nil {
		return fmt.Errorf("integrity overlap query failed: %w", err)
	}
	if overlaps > 0 {
		return fmt.Errorf("%w: %d crossing ranges in tenant %d", ErrIntegrity, overlaps, tenantID)
	}

	dupQuery := fmt.Sprintf(`
		SELECT COUNT(*) FROM (
			SELECT lft FROM %s WHERE tenant_id = $1
			UNION ALL
			SELECT rgt FROM %s WHERE tenant_id = $1
		) coords
		GROUP BY lft
		HAVING COUNT(*) > 1
		LIMIT 1
	`, s.tree, s.tree)
	var dup int
	err := s.db.QueryRowContext(ctx, dupQuery, tenantID).Scan(&dup)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("integrity duplicate query failed: %w", err)
	}
	if err == nil && dup > 1 {
		return fmt.Errorf("%w: duplicate coordinates in tenant %d", ErrIntegrity, tenantID)
	}

	return nil
}

// lockTenantTree takes a transaction-scoped advisory lock for the tenant's
// tree. Released automatically at commit or rollback.
func (s *Store) lockTenantTree(ctx context.Context, tx *sql.Tx, tenantID int64) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1, $2)`, s.lockClass, int32(tenantID)); err != nil {
		return fmt.Errorf("failed to lock tenant %d tree: %w", tenantID, err)
	}
	return nil
}

func (s *Store) queryNodes(ctx context.Context, query string, args ...interface{}) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("hierarchy query failed: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		var n Node
		var parentID sql.NullInt64
		if err := rows.Scan(&n.ID, &n.TenantID, &parentID, &n.Left, &n.Right, &n.Depth); err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		if parentID.Valid {
			pid := parentID.Int64
			n.ParentID = &pid
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// queryer is satisfied by *sql.DB and *sql.Tx
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}
