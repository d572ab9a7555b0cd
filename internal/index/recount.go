package index

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/barecat/barecat/internal/barepath"
)

// Recount rebuilds num_subdirs, num_files, num_files_tree, and size_tree for
// every directory from ground truth (the files and dirs tables themselves)
// rather than trusting any trigger-maintained value. Called after a bulk
// import run with triggers disabled, and by the verify command's repair
// step. (The ground-truth comparison without rewriting is VerifyAggregates.)
//
// Recount runs inside its own transaction with triggers disabled for the
// duration of the rewrite, then restores whatever use_triggers value was in
// effect beforehand.
func (s *Store) Recount(ctx context.Context) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var prevInt int64
		if err := tx.QueryRowContext(ctx, `SELECT value_int FROM config WHERE key = 'use_triggers'`).Scan(&prevInt); err != nil {
			return err
		}
		prev := prevInt == 1
		if err := s.SetUseTriggers(ctx, tx, false); err != nil {
			return err
		}

		paths, err := allDirPaths(ctx, tx)
		if err != nil {
			return err
		}

		direct := make(map[string]struct{ subdirs, files, size int64 })
		for _, p := range paths {
			direct[p] = struct{ subdirs, files, size int64 }{}
		}

		rows, err := tx.QueryContext(ctx, `SELECT parent FROM dirs WHERE parent IS NOT NULL`)
		if err != nil {
			return err
		}
		for rows.Next() {
			var parent string
			if err := rows.Scan(&parent); err != nil {
				rows.Close()
				return err
			}
			v := direct[parent]
			v.subdirs++
			direct[parent] = v
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		frows, err := tx.QueryContext(ctx, `SELECT parent, size FROM files`)
		if err != nil {
			return err
		}
		for frows.Next() {
			var parent string
			var size int64
			if err := frows.Scan(&parent, &size); err != nil {
				frows.Close()
				return err
			}
			v := direct[parent]
			v.files++
			v.size += size
			direct[parent] = v
		}
		if err := frows.Err(); err != nil {
			return err
		}
		frows.Close()

		// Tree aggregates: process deepest-first so a directory's own
		// num_files_tree/size_tree (computed as direct + already-finalized
		// children) is known before its parent needs it.
		sortByDepthDesc(paths)

		treeFiles := make(map[string]int64, len(paths))
		treeSize := make(map[string]int64, len(paths))
		childrenOf := make(map[string][]string)
		for _, p := range paths {
			if !barepath.IsRoot(p) {
				childrenOf[barepath.Parent(p)] = append(childrenOf[barepath.Parent(p)], p)
			}
		}

		for _, p := range paths {
			v := direct[p]
			tf, ts := v.files, v.size
			for _, c := range childrenOf[p] {
				tf += treeFiles[c]
				ts += treeSize[c]
			}
			treeFiles[p] = tf
			treeSize[p] = ts
		}

		stmt, err := tx.PrepareContext(ctx,
			`UPDATE dirs SET num_subdirs = ?, num_files = ?, num_files_tree = ?, size_tree = ? WHERE path = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, p := range paths {
			v := direct[p]
			if _, err := stmt.ExecContext(ctx, v.subdirs, v.files, treeFiles[p], treeSize[p], p); err != nil {
				return fmt.Errorf("index: recount %s: %w", p, err)
			}
		}

		return s.SetUseTriggers(ctx, tx, prev)
	})
}

func allDirPaths(ctx context.Context, tx *sql.Tx) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT path FROM dirs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func depth(path string) int {
	if barepath.IsRoot(path) {
		return 0
	}
	n := 1
	for p := barepath.Parent(path); !barepath.IsRoot(p); p = barepath.Parent(p) {
		n++
	}
	return n
}

// sortByDepthDesc orders paths so deeper directories come first, a
// prerequisite for the bottom-up tree-aggregate fold above.
func sortByDepthDesc(paths []string) {
	depths := make([]int, len(paths))
	for i, p := range paths {
		depths[i] = depth(p)
	}
	for i := 1; i < len(paths); i++ {
		for j := i; j > 0 && depths[j-1] < depths[j]; j-- {
			depths[j-1], depths[j] = depths[j], depths[j-1]
			paths[j-1], paths[j] = paths[j], paths[j-1]
		}
	}
}

// VerifyAggregates compares every directory's stored aggregates against a
// freshly computed ground truth without mutating anything, returning a
// human-readable list of mismatches. Used by "barecat verify".
func (s *Store) VerifyAggregates(ctx context.Context) ([]string, error) {
	var mismatches []string
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		paths, err := allDirPaths(ctx, tx)
		if err != nil {
			return err
		}

		direct := make(map[string]struct{ subdirs, files, size int64 })
		for _, p := range paths {
			direct[p] = struct{ subdirs, files, size int64 }{}
		}
		rows, err := tx.QueryContext(ctx, `SELECT parent FROM dirs WHERE parent IS NOT NULL`)
		if err != nil {
			return err
		}
		for rows.Next() {
			var parent string
			if err := rows.Scan(&parent); err != nil {
				rows.Close()
				return err
			}
			v := direct[parent]
			v.subdirs++
			direct[parent] = v
		}
		rows.Close()

		frows, err := tx.QueryContext(ctx, `SELECT parent, size FROM files`)
		if err != nil {
			return err
		}
		for frows.Next() {
			var parent string
			var size int64
			if err := frows.Scan(&parent, &size); err != nil {
				frows.Close()
				return err
			}
			v := direct[parent]
			v.files++
			v.size += size
			direct[parent] = v
		}
		frows.Close()

		sortByDepthDesc(paths)
		treeFiles := make(map[string]int64, len(paths))
		treeSize := make(map[string]int64, len(paths))
		childrenOf := make(map[string][]string)
		for _, p := range paths {
			if !barepath.IsRoot(p) {
				childrenOf[barepath.Parent(p)] = append(childrenOf[barepath.Parent(p)], p)
			}
		}
		for _, p := range paths {
			v := direct[p]
			tf, ts := v.files, v.size
			for _, c := range childrenOf[p] {
				tf += treeFiles[c]
				ts += treeSize[c]
			}
			treeFiles[p] = tf
			treeSize[p] = ts
		}

		for _, p := range paths {
			rec, err := s.LookupDirTx(ctx, tx, p)
			if err != nil {
				return err
			}
			v := direct[p]
			if rec.NumSubdirs != v.subdirs || rec.NumFiles != v.files ||
				rec.NumFilesTree != treeFiles[p] || rec.SizeTree != treeSize[p] {
				mismatches = append(mismatches, fmt.Sprintf(
					"%q: stored(subdirs=%d files=%d files_tree=%d size_tree=%d) != actual(subdirs=%d files=%d files_tree=%d size_tree=%d)",
					p, rec.NumSubdirs, rec.NumFiles, rec.NumFilesTree, rec.SizeTree,
					v.subdirs, v.files, treeFiles[p], treeSize[p]))
			}
		}
		return nil
	})
	return mismatches, err
}
