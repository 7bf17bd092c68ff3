// Package hierarchy implements the nested-set tree store shared by the
// organizational-unit tree and the role tree.
//
// # Encoding
//
// Every node carries (lft, rgt, depth) coordinates with lft < rgt. A node's
// descendants are exactly the nodes whose range lies strictly inside its own,
// which makes ancestor and subtree queries single range scans:
//
//	ancestors:   lft <= node.lft AND rgt >= node.rgt
//	descendants: lft >  node.lft AND rgt <  node.rgt
//
// # Mutation
//
// Inserting a child reserves a two-slot gap at the parent's rgt by shifting
// every coordinate at or beyond it; moving a subtree detaches it (coordinate
// negation), closes the old gap, opens a gap at the target, and reattaches.
// Structural mutations within one tenant serialize on a transaction-scoped
// advisory lock; tenants never contend with each other.
//
// # Integrity
//
// Reads validate the invariants as they go and return ErrIntegrity when a
// tenant's coordinates are inconsistent. Callers must surface that error:
// a corrupt tree yields wrong ancestor chains, and wrong ancestor chains
// yield wrong authorization answers.
package hierarchy
