// Package mergelib computes desired mergerfs mount state for merged
// manga titles and reconciles it against the live OS mount table.
//
// The flow per pass is: build one branch plan per canonical title
// (Planner), collect the plans into desired mounts, snapshot the mount
// table (findmnt), diff the two (Reconcile) and apply the resulting
// actions (CommandService).
package mergelib

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
)

// identityPrefix marks every fsname sourcemerge writes so its own
// mounts can be told apart from anything else on the system.
const identityPrefix = "suwayomi_"

const (
	groupIDHexLen    = 16
	branchHashHexLen = 12
)

func shortHash(s string, n int) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:n]
}

// BuildGroupID derives the stable directory name for a title group:
// the first 16 lowercase hex characters of SHA-256(groupKey). The
// output is byte-identical across runs and platforms.
func BuildGroupID(groupKey string) (string, error) {
	if strings.TrimSpace(groupKey) == "" {
		return "", errors.New("groupKey must not be empty")
	}
	return shortHash(groupKey, groupIDHexLen), nil
}

// BuildBranchHash derives the 12 lowercase hex character fingerprint
// of a branch specification.
func BuildBranchHash(branchSpec string) (string, error) {
	if strings.TrimSpace(branchSpec) == "" {
		return "", errors.New("branchSpec must not be empty")
	}
	return shortHash(branchSpec, branchHashHexLen), nil
}

// BuildDesiredIdentity combines group and branch fingerprints into the
// fsname carried by the mount: "suwayomi_<groupID>_<branchHash>". A
// live mount whose fsname differs from the desired identity no longer
// matches desired configuration and gets remounted.
func BuildDesiredIdentity(groupKey, branchSpec string) (string, error) {
	groupID, err := BuildGroupID(groupKey)
	if err != nil {
		return "", err
	}
	branchHash, err := BuildBranchHash(branchSpec)
	if err != nil {
		return "", err
	}
	return identityPrefix + groupID + "_" + branchHash, nil
}
