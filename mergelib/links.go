package mergelib

import (
	"os"
	"path"
	"sort"

	"github.com/pkg/errors"
	"github.com/suwayomi/sourcemerge/lib/pathsafe"
)

// MaterializeBranchLinks makes the branch directory on disk match the
// plan exactly: the plan's symlinks are created or refreshed and any
// stray entry is removed. Targets of read-write links are created if
// missing so mergerfs always has a writable branch to land on;
// read-only targets belong to the sources and are left alone.
func MaterializeBranchLinks(plan *BranchPlan) error {
	if err := os.MkdirAll(plan.BranchDir, 0o755); err != nil {
		return errors.Wrapf(err, "cannot create branch directory %q", plan.BranchDir)
	}

	wanted := make(map[string]BranchLink, len(plan.Links))
	for _, link := range plan.Links {
		wanted[link.Name] = link
	}

	entries, err := os.ReadDir(plan.BranchDir)
	if err != nil {
		return errors.Wrapf(err, "cannot list branch directory %q", plan.BranchDir)
	}
	for _, entry := range entries {
		if _, ok := wanted[entry.Name()]; ok {
			continue
		}
		strayPath, err := pathsafe.EnsureStrictChildPath(plan.BranchDir, path.Join(plan.BranchDir, entry.Name()), "strayEntry")
		if err != nil {
			return err
		}
		if err := os.RemoveAll(strayPath); err != nil {
			return errors.Wrapf(err, "cannot remove stray branch entry %q", strayPath)
		}
	}

	for _, link := range plan.Links {
		linkPath, err := pathsafe.EnsureStrictChildPath(plan.BranchDir, link.Path, "linkPath")
		if err != nil {
			return err
		}
		if link.Mode == ReadWrite {
			if err := os.MkdirAll(link.Target, 0o755); err != nil {
				return errors.Wrapf(err, "cannot create branch target %q", link.Target)
			}
		}
		if current, err := os.Readlink(linkPath); err == nil && current == link.Target {
			continue
		}
		if err := os.RemoveAll(linkPath); err != nil {
			return errors.Wrapf(err, "cannot replace branch link %q", linkPath)
		}
		if err := os.Symlink(link.Target, linkPath); err != nil {
			return errors.Wrapf(err, "cannot create branch link %q", linkPath)
		}
	}
	return nil
}

// PruneBranchDirs removes group directories under branchLinksRoot that
// belong to no currently planned group. Returns the removed directory
// names, sorted.
func PruneBranchDirs(branchLinksRoot string, keepGroupIDs map[string]bool) ([]string, error) {
	entries, err := os.ReadDir(branchLinksRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "cannot list branch links root %q", branchLinksRoot)
	}
	var removed []string
	for _, entry := range entries {
		if !entry.IsDir() || keepGroupIDs[entry.Name()] {
			continue
		}
		stale, err := pathsafe.EnsureStrictChildPath(branchLinksRoot, path.Join(pathsafe.Normalize(branchLinksRoot), entry.Name()), "staleBranchDir")
		if err != nil {
			return removed, err
		}
		if err := os.RemoveAll(stale); err != nil {
			return removed, errors.Wrapf(err, "cannot remove stale branch directory %q", stale)
		}
		removed = append(removed, entry.Name())
	}
	sort.Strings(removed)
	return removed, nil
}
